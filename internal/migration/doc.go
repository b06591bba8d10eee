// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 migration 管理工作流存储的数据库 Schema，基于 golang-migrate，
支持 PostgreSQL、MySQL 与 SQLite。

# 表结构

  - workflows：工作流定义（id、name、JSON 文档）
  - workflow_runs：运行记录（execution_id、workflow_id、status、
    triggered_by、起止时间、JSON 文档），按 workflow_id / status /
    created_at 建索引

列定义与 workflow.GormStore 的模型一一对应；生产环境先执行
`nodeflow migrate up`，开发环境可直接用 GormStore.AutoMigrate。

# 使用

	m, err := migration.NewMigratorFromConfig(cfg)
	if err != nil { ... }
	defer m.Close()
	err = migration.NewCLI(m).RunUp(ctx)

SQLite 连接由纯 Go 驱动 github.com/glebarez/go-sqlite 提供，
不依赖 cgo。
*/
package migration
