package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"OnyxLab-Core/internal/config"
	"OnyxLab-Core/internal/storage/database"
	"OnyxLab-Core/pkg/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "执行内置的数据库迁移",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		if cfg.Storage.Driver == "memory" {
			fmt.Fprintln(cmd.OutOrStdout(), "内存存储无需迁移")
			return nil
		}

		db, dialect, err := openDatabase(cmd.Context(), cfg.Storage)
		if err != nil {
			return err
		}
		defer db.Close()

		applied, err := database.Migrate(cmd.Context(), db, dialect)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "数据库已是最新版本")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "已应用迁移: %s\n", strings.Join(applied, ", "))
		return nil
	},
}

func openDatabase(ctx context.Context, cfg config.StorageConfig) (*sql.DB, database.Dialect, error) {
	dsn := cfg.DSN()
	if dsn == "" {
		return nil, "", fmt.Errorf("环境变量 %s 未设置数据库连接串", cfg.DSNEnv)
	}
	return database.Open(ctx, database.Config{
		Driver:          cfg.Driver,
		DSN:             dsn,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	})
}
