// Copyright (c) MeshForge Authors.
// Licensed under the MIT License.

/*
包 cache 提供基于 Redis 的缓存管理能力，供会话快照镜像使用。

# 核心类型

  - Manager：持有 go-redis 客户端，提供 Get/Set/Delete/Exists/Expire/Keys
    等基础操作，以及 GetJSON/SetJSON 便捷序列化方法。
    所有键自动加上 KeyPrefix（默认 "meshforge:"）。
  - Config：地址、密码、连接池、默认 TTL、键前缀与健康检查间隔。
    ConfigFrom 由 config.RedisConfig 构造。

# 主要能力

  - 键值读写：字符串与 JSON 两种模式。
  - 健康检查：后台定时 Ping，Close 时停止。
  - 错误语义：ErrCacheMiss 与 ErrClosed 哨兵错误，配合 errors.Is 使用。
*/
package cache
