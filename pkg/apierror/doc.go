// Package apierror 提供存储驱动统一的错误类型
//
// 每个错误都带有 Code、Message 和 HTTP 状态码，errors.Is 按 Code 比较：
//
//	err := apierror.Wrapf(apierror.ErrNotFound, rawErr, "disk %s not found", name)
//	if errors.Is(err, apierror.ErrNotFound) {
//		// ...
//	}
//
// JSON 响应格式：
//
//	{
//	    "errors": [
//	        {
//	            "code": "NotFound",
//	            "message": "disk base.img not found"
//	        }
//	    ],
//	    "requestID": "6f1c7f0e-6a7e-4c2f-9a57-0d0e3c1f5b11"
//	}
//
// 预定义错误：
//
//   - ErrAlreadyExists: 目标已存在
//   - ErrNotFound: 磁盘不存在
//   - ErrInvalidFormat / ErrInvalidKind / ErrInvalidDescriptor: 描述符不合法
//   - ErrSourceUnavailable: 下载源不可用
//   - ErrPayloadTooLarge: 超过最大下载大小
//   - ErrInvalidImageFormat: 下载内容无法识别
//   - ErrAborted: 操作被取消（终态，不是失败）
//   - ErrInsufficientReclaimableSpace: 回收空间不足
//   - ErrBackendUnavailable: 集群不可用
//   - ErrExternalToolFailure: qemu-img 执行失败
package apierror
