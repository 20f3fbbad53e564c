package ginx

import (
	"github.com/gin-gonic/gin"
	"github.com/jimyag/storagedriver/pkg/apierror"
)

// bindArgs 从 JSON body 绑定参数，空 body 视为零值参数
func bindArgs(ctx *gin.Context, args any) error {
	if ctx.Request.ContentLength == 0 {
		return nil
	}
	if err := ctx.ShouldBindJSON(args); err != nil {
		if apierror.From(err) != nil {
			return err
		}
		return apierror.Wrapf(apierror.ErrInvalidParameter, err, "decode request body: %v", err)
	}
	return nil
}

// validate 调用参数的 IsValid 方法
func validate(args any) error {
	v, ok := args.(interface{ IsValid() error })
	if !ok {
		return nil
	}
	if err := v.IsValid(); err != nil {
		if apierror.From(err) != nil {
			return err
		}
		return apierror.WrapError(apierror.ErrInvalidParameter, err.Error(), err)
	}
	return nil
}
