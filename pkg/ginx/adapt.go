package ginx

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Adapt3 适配无参数、有返回值和 error 的 handler
func Adapt3[T any](fn func(*gin.Context) (T, error)) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		result, err := fn(ctx)
		if err != nil {
			renderError(ctx, err)
			return
		}
		renderResponse(ctx, result)
	}
}

// Adapt4 适配有参数、只有 error 的 handler
func Adapt4[T any](fn func(*gin.Context, *T) error) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		args := new(T)
		if err := bindArgs(ctx, args); err != nil {
			renderError(ctx, err)
			return
		}
		if err := validate(args); err != nil {
			renderError(ctx, err)
			return
		}
		if err := fn(ctx, args); err != nil {
			renderError(ctx, err)
			return
		}
		ctx.Status(http.StatusNoContent)
	}
}

// Adapt5 适配有参数、有返回值和 error 的 handler
func Adapt5[TArgs any, TResp any](fn func(*gin.Context, *TArgs) (TResp, error)) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		args := new(TArgs)
		if err := bindArgs(ctx, args); err != nil {
			renderError(ctx, err)
			return
		}
		if err := validate(args); err != nil {
			renderError(ctx, err)
			return
		}
		result, err := fn(ctx, args)
		if err != nil {
			renderError(ctx, err)
			return
		}
		renderResponse(ctx, result)
	}
}
