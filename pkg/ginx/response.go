package ginx

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jimyag/storagedriver/pkg/apierror"
	"github.com/rs/zerolog"
)

// renderResponse 以 200 渲染 JSON，nil 返回 204
func renderResponse(ctx *gin.Context, response any) {
	if response == nil {
		ctx.Status(http.StatusNoContent)
		return
	}
	ctx.JSON(http.StatusOK, response)
}

// renderError 渲染错误响应
// 错误链中有 *apierror.Error 时使用它的 Code 和 HTTPStatus，否则按 InternalError 处理
func renderError(ctx *gin.Context, err error) {
	apiErr := apierror.From(err)
	if apiErr == nil {
		apiErr = apierror.WrapError(apierror.ErrInternal, err.Error(), err)
	}
	status := apiErr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}

	logger := zerolog.Ctx(ctx.Request.Context())
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("path", ctx.FullPath()).Msg("Request failed")
	} else {
		logger.Debug().Err(err).Str("path", ctx.FullPath()).Msg("Request rejected")
	}

	ctx.JSON(status, apierror.NewErrorResponse(GetRequestID(ctx), apiErr))
}
