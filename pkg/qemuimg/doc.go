// Package qemuimg 封装 qemu-img 命令行工具的操作
//
// 该包提供了对 qemu-img 常用操作的封装，包括：
//   - 创建空镜像（Create）
//   - 从 backing file 创建增量镜像（CreateWithBacking）
//   - 转换镜像格式或合并 backing chain（StartConvert）
//   - 以 JSON 读取镜像信息（Info）
//
// 同步操作支持 context 超时控制。StartConvert 返回的 Process 运行在独立的
// 进程组中，Terminate 会先 SIGTERM 再 SIGKILL 整个进程组。
//
// 示例：
//
//	client := qemuimg.New("")
//
//	// 创建 10GiB 的 qcow2 镜像
//	err := client.Create(ctx, "qcow2", "/path/to/new.qcow2", 10<<30)
//
//	// 从 backing file 创建增量镜像
//	err = client.CreateWithBacking(ctx, "qcow2", "qcow2",
//		"/path/to/base.qcow2", "/path/to/new.qcow2")
//
//	// 后台合并，轮询进度
//	proc, err := client.StartConvert(ctx, "qcow2", "/path/to/new.qcow2", "/path/to/flat.qcow2")
//	<-proc.Done()
//	err = proc.Err()
package qemuimg
