package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/BaSui01/nodeflow/config"
	"github.com/BaSui01/nodeflow/internal/migration"
)

// =============================================================================
// 🗄️ 数据库迁移命令
// =============================================================================

// migrateCommand 一个 migrate 子命令；takesVersion 表示首个参数是版本号
type migrateCommand struct {
	usage        string
	takesVersion bool
	run          func(ctx context.Context, cli *migration.CLI, version int64, all bool) error
}

var migrateCommands = map[string]migrateCommand{
	"up": {usage: "Apply all pending migrations", run: func(ctx context.Context, c *migration.CLI, _ int64, _ bool) error {
		return c.RunUp(ctx)
	}},
	"down": {usage: "Rollback the last migration (--all for every migration)", run: func(ctx context.Context, c *migration.CLI, _ int64, all bool) error {
		if all {
			return c.RunDownAll(ctx)
		}
		return c.RunDown(ctx)
	}},
	"steps": {usage: "Apply n migrations (negative rolls back)", takesVersion: true, run: func(ctx context.Context, c *migration.CLI, n int64, _ bool) error {
		return c.RunSteps(ctx, int(n))
	}},
	"goto": {usage: "Migrate to a specific version", takesVersion: true, run: func(ctx context.Context, c *migration.CLI, v int64, _ bool) error {
		if v < 0 {
			return fmt.Errorf("version must not be negative")
		}
		return c.RunGoto(ctx, uint(v))
	}},
	"force": {usage: "Force set migration version (use with caution)", takesVersion: true, run: func(ctx context.Context, c *migration.CLI, v int64, _ bool) error {
		return c.RunForce(ctx, int(v))
	}},
	"status": {usage: "Show migration status", run: func(ctx context.Context, c *migration.CLI, _ int64, _ bool) error {
		return c.RunStatus(ctx)
	}},
	"version": {usage: "Show current migration version", run: func(ctx context.Context, c *migration.CLI, _ int64, _ bool) error {
		return c.RunVersion(ctx)
	}},
	"info": {usage: "Show database type, version and pending count", run: func(ctx context.Context, c *migration.CLI, _ int64, _ bool) error {
		return c.RunInfo(ctx)
	}},
	"reset": {usage: "Rollback all migrations", run: func(ctx context.Context, c *migration.CLI, _ int64, _ bool) error {
		return c.RunDownAll(ctx)
	}},
}

// migrateOrder 帮助信息中的展示顺序
var migrateOrder = []string{"up", "down", "steps", "goto", "force", "status", "version", "info", "reset"}

func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}
	name, rest := args[0], args[1:]
	if name == "help" || name == "-h" || name == "--help" {
		printMigrateUsage()
		return
	}
	cmd, ok := migrateCommands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", name)
		printMigrateUsage()
		os.Exit(1)
	}

	var version int64
	if cmd.takesVersion {
		if len(rest) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: nodeflow migrate %s <n>\n", name)
			os.Exit(1)
		}
		v, err := strconv.ParseInt(rest[0], 10, 32)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid number: %s\n", rest[0])
			os.Exit(1)
		}
		version, rest = v, rest[1:]
	}

	fs := flag.NewFlagSet("migrate "+name, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	all := fs.Bool("all", false, "Rollback all migrations (down only)")
	_ = fs.Parse(rest)

	migrator, err := newMigrator(*configPath, *dbType, *dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	if err := cmd.run(context.Background(), migration.NewCLI(migrator), version, *all); err != nil {
		fmt.Fprintf(os.Stderr, "migrate %s failed: %v\n", name, err)
		migrator.Close()
		os.Exit(1)
	}
}

// newMigrator --db-type 与 --db-url 同时给出时直接使用，否则读取配置文件的 database 段
func newMigrator(configPath, dbType, dbURL string) (*migration.DefaultMigrator, error) {
	if dbType != "" && dbURL != "" {
		return migration.NewMigratorFromURL(dbType, dbURL)
	}

	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dbType != "" {
		cfg.Database.Driver = dbType
	}
	return migration.NewMigratorFromConfig(cfg)
}

func printMigrateUsage() {
	fmt.Println("Database Migration Commands\n\nUsage:\n  nodeflow migrate <subcommand> [options]\n\nSubcommands:")
	for _, name := range migrateOrder {
		arg := ""
		if migrateCommands[name].takesVersion {
			arg = " <n>"
		}
		fmt.Printf("  %-12s %s\n", name+arg, migrateCommands[name].usage)
	}
	fmt.Println(`
Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  nodeflow migrate up --config /etc/nodeflow/config.yaml
  nodeflow migrate down --all
  nodeflow migrate goto 1
  nodeflow migrate status --db-type sqlite --db-url "file:nodeflow.db?mode=rwc"`)
}
