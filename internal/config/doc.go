// Package config 通过 viper 从 YAML 加载守护进程配置，叠加 BBDFI_ 前缀的
// 环境变量，并在构造任何组件之前完成校验。
package config
