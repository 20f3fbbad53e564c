package apierror

import "net/http"

// 存储驱动错误
var (
	// ErrAlreadyExists 目标名称已被占用
	ErrAlreadyExists = &Error{
		Code:       "AlreadyExists",
		Message:    "The target disk already exists.",
		HTTPStatus: http.StatusConflict,
	}

	// ErrNotFound 磁盘或快照不存在
	ErrNotFound = &Error{
		Code:       "NotFound",
		Message:    "The requested disk does not exist.",
		HTTPStatus: http.StatusNotFound,
	}

	// ErrInvalidFormat 格式不属于后端允许或可创建的集合
	ErrInvalidFormat = &Error{
		Code:       "InvalidFormat",
		Message:    "The disk format is not supported for this operation.",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrInvalidKind 类型不支持该操作
	ErrInvalidKind = &Error{
		Code:       "InvalidKind",
		Message:    "The disk type is not supported for this operation.",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrInvalidDescriptor 描述符无法解析或字段不合法
	ErrInvalidDescriptor = &Error{
		Code:       "InvalidDescriptor",
		Message:    "The disk descriptor is malformed.",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrSourceUnavailable 下载源返回非成功状态
	ErrSourceUnavailable = &Error{
		Code:       "SourceUnavailable",
		Message:    "The download source did not respond with a success status.",
		HTTPStatus: http.StatusBadGateway,
	}

	// ErrPayloadTooLarge 下载内容超过允许的最大值
	ErrPayloadTooLarge = &Error{
		Code:       "PayloadTooLarge",
		Message:    "The downloaded content exceeds the maximum allowed size.",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}

	// ErrInvalidImageFormat 下载内容不是可识别的镜像
	ErrInvalidImageFormat = &Error{
		Code:       "InvalidImageFormat",
		Message:    "The downloaded content is not a recognized disk image.",
		HTTPStatus: http.StatusUnprocessableEntity,
	}

	// ErrAborted 操作被取消，部分产物已清理
	ErrAborted = &Error{
		Code:       "Aborted",
		Message:    "The operation was aborted.",
		HTTPStatus: http.StatusConflict,
	}

	// ErrInsufficientReclaimableSpace 回收候选耗尽仍未达到目标空闲比例
	ErrInsufficientReclaimableSpace = &Error{
		Code:       "InsufficientReclaimableSpace",
		Message:    "Not enough trashed disks to reach the requested free space.",
		HTTPStatus: http.StatusInsufficientStorage,
	}

	// ErrBackendUnavailable 集群连接或存储池打开失败
	ErrBackendUnavailable = &Error{
		Code:       "BackendUnavailable",
		Message:    "The storage backend is unavailable.",
		HTTPStatus: http.StatusServiceUnavailable,
	}

	// ErrExternalToolFailure 外部转换工具以非零状态退出
	ErrExternalToolFailure = &Error{
		Code:       "ExternalToolFailure",
		Message:    "The image tool exited with an error.",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrTaskInProgress 同一磁盘已有正在执行的任务
	ErrTaskInProgress = &Error{
		Code:       "TaskInProgress",
		Message:    "Another task is already running on this disk.",
		HTTPStatus: http.StatusConflict,
	}

	// ErrInvalidParameter 请求参数无法解析
	ErrInvalidParameter = &Error{
		Code:       "InvalidParameter",
		Message:    "The request parameters are invalid.",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrTaskNotFound 任务不存在
	ErrTaskNotFound = &Error{
		Code:       "TaskNotFound",
		Message:    "The requested task does not exist.",
		HTTPStatus: http.StatusNotFound,
	}

	// ErrInternal 未归类的内部错误
	ErrInternal = &Error{
		Code:       "InternalError",
		Message:    "An internal error has occurred.",
		HTTPStatus: http.StatusInternalServerError,
	}
)
