// Package config 提供 StateFlow 的配置管理功能。
//
// 包含配置加载、校验与文件监听。加载优先级为默认值 → YAML 文件 →
// STATEFLOW_* 环境变量；子系统（服务器、数据库、事件总线、运行归档、
// 遥测等）自带的配置结构在此组合成完整的 Config。
//
// FileWatcher 轮询文件或目录的修改时间，用于工作流定义目录的热重载。
package config
