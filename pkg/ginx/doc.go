// Package ginx 提供 gin 框架的 handler 适配器，负责参数绑定、请求 ID 和响应渲染
//
// 请求和响应都使用 JSON。支持三种 handler 签名：
//
//	// 有参数，有返回值，有 error
//	func(c *gin.Context, args *Args) (resp, error)
//
//	// 有参数，只有 error，成功时返回 204
//	func(c *gin.Context, args *Args) error
//
//	// 无参数，有返回值，有 error
//	func(c *gin.Context) (resp, error)
//
// 参数结构体实现 IsValid() error 时在调用 handler 之前校验。
// 错误按 *apierror.Error 的 HTTPStatus 渲染为
// {"errors":[{"code","message"}],"requestID"}，其他错误按 InternalError 渲染。
//
//	router := gin.New()
//	router.Use(ginx.RequestID())
//	router.POST("/api/disks/describe", ginx.Adapt5(func(c *gin.Context, args *DescribeArgs) (*Disk, error) {
//	    return svc.Describe(c, args)
//	}))
package ginx
