// Package idgen 提供递增 ID 生成器
//
// 使用 Sonyflake 算法生成全局唯一且按时间递增的 64 位 ID，任务 ID 的格式为
// task-{递增数字}。按 ID 排序即按创建顺序排序。
//
//	id, err := idgen.GenerateTaskID()
//	// id: "task-1234567890"
package idgen
