package ginx

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// HeaderRequestID 请求 ID 响应头
const HeaderRequestID = "X-Request-ID"

type contextKey struct{}

var requestIDKey = contextKey{}

// RequestID 为每个请求分配请求 ID，写入响应头并挂到请求 context 的 logger 上
// 客户端传入的 X-Request-ID 会被沿用
func RequestID() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		id := ctx.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		ctx.Set(requestIDKey, id)
		ctx.Header(HeaderRequestID, id)

		logger := zerolog.Ctx(ctx.Request.Context()).With().Str("request_id", id).Logger()
		ctx.Request = ctx.Request.WithContext(logger.WithContext(ctx.Request.Context()))
		ctx.Next()
	}
}

// GetRequestID 返回当前请求的 ID，未经过 RequestID 中间件时为空
func GetRequestID(ctx *gin.Context) string {
	v, ok := ctx.Get(requestIDKey)
	if !ok {
		return ""
	}
	id, _ := v.(string)
	return id
}
