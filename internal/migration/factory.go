package migration

import (
	"fmt"

	"github.com/BaSui01/nodeflow/config"
)

// NewMigratorFromConfig 从应用配置的 database 段创建迁移器
func NewMigratorFromConfig(cfg *config.Config) (*DefaultMigrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	return NewMigratorFromDatabaseConfig(cfg.Database)
}

// NewMigratorFromDatabaseConfig SQLite 的 Name 字段即文件路径
func NewMigratorFromDatabaseConfig(db config.DatabaseConfig) (*DefaultMigrator, error) {
	dbType, err := ParseDatabaseType(db.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}

	var url string
	switch dbType {
	case DatabaseTypePostgres:
		url = BuildDatabaseURL(dbType, db.Host, db.Port, db.Name, db.User, db.Password, db.SSLMode)
	case DatabaseTypeMySQL:
		url = BuildDatabaseURL(dbType, db.Host, db.Port, db.Name, db.User, db.Password, "")
	case DatabaseTypeSQLite:
		url = BuildDatabaseURL(dbType, "", 0, db.Name, "", "", "")
	}

	return NewMigrator(&Config{DatabaseType: dbType, DatabaseURL: url})
}

// NewMigratorFromURL 直接使用方言名与连接串
func NewMigratorFromURL(dbType, dbURL string) (*DefaultMigrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}
	return NewMigrator(&Config{DatabaseType: dt, DatabaseURL: dbURL})
}
