// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 database 负责打开工作流存储使用的关系数据库，并管理 gorm 连接池。

Dialector 按 config.DatabaseConfig.Driver 选择 postgres、mysql 或纯 Go
的 sqlite 方言；Open 建立连接并交给 PoolManager 设置池参数、定期探活。
PoolManager.Ping 用于 /ready 就绪检查，Stats 汇总连接数供统计接口与
Prometheus 指标使用。
*/
package database
