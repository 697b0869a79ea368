// Copyright (c) MeshForge Authors.
// Licensed under the MIT License.

/*
包 database 提供基于 GORM 的数据库连接与连接池管理，
服务于生成运行历史的持久化。

# 核心类型

  - Open：按驱动（postgres / mysql / sqlite）构造 GORM 连接，
    sqlite 使用纯 Go 的 glebarez/sqlite，不依赖 cgo。
  - PoolManager：封装连接池参数、健康检查与事务重试；
    健康检查通过 StatsRecorder 上报连接数指标。
  - PoolConfig：连接池配置，PoolConfigFrom 由 config.DatabaseConfig 构造，
    sqlite 固定单连接。

# 主要能力

  - 事务：WithTransaction 与 WithTransactionRetry，
    死锁、序列化失败、sqlite 写锁等错误按指数退避重试。
*/
package database
