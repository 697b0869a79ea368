// Copyright (c) MeshForge Authors.
// Licensed under the MIT License.

/*
包 migration 提供运行历史库的 Schema 迁移管理，支持 PostgreSQL、
MySQL 与 SQLite 三种数据库，基于 golang-migrate 实现。

# 概述

各方言的 SQL 迁移文件通过 embed.FS 内嵌在二进制中（migrations/<dialect>），
版本号在三种方言之间保持一致。SQLite 使用 modernc.org/sqlite，
构建无需 cgo。

# 核心接口与类型

  - Migrator / DefaultMigrator：Up/Down/DownAll/Steps/Goto/Force/
    Version/Status/Info/Close。
  - Config：数据库类型、连接 URL、迁移表名与锁超时。
  - CLI：为 `meshforge migrate` 子命令提供格式化输出。
  - NewMigratorFromDatabaseConfig：由 config.DatabaseConfig 构造迁移器。
*/
package migration
