package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"superdao-relay/internal/auth"
	"superdao-relay/internal/config"
	"superdao-relay/internal/storage/mysql"
	"superdao-relay/internal/web3/provider"
	"superdao-relay/pkg/logger"
)

// main 是 superdaod 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.App{
		Name:  "superdaod",
		Usage: "Superdao 链上代付与铸造服务",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "JSON 配置文件路径",
				Value:   filepath.Join("configs", "superdao.json"),
				EnvVars: []string{"SUPERDAO_CONFIG"},
			},
		},
		Action:   serve,
		Commands: []*cli.Command{serveCmd, gasCmd, tokenCmd, migrateCmd},
	}
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatalf("superdaod 运行失败: %v", err)
	}
}

// loadConfig 读取配置并初始化日志。
func loadConfig(cctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(cctx.String("config"))
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}

var serveCmd = &cli.Command{
	Name:   "serve",
	Usage:  "启动 API 服务与任务处理器",
	Action: serve,
}

var gasCmd = &cli.Command{
	Name:  "gas",
	Usage: "打印链当前的费用估计",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "chain", Usage: "链名称，默认使用 web3.default_chain"},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		defer logger.Sync()

		registry, err := provider.NewRegistry(cctx.Context, cfg.Web3)
		if err != nil {
			return err
		}
		defer registry.Close()
		chain, err := registry.Chain(cctx.String("chain"))
		if err != nil {
			return err
		}
		oracle := newOracle(cfg, nil)
		fees, err := oracle.Refresh(cctx.Context, chain)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cctx.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"chain":                chain.Name(),
			"maxFeePerGas":         fees.MaxFeePerGas.String(),
			"maxPriorityFeePerGas": fees.MaxPriorityFeePerGas.String(),
			"gasPrice":             fees.GasPrice.String(),
			"source":               fees.Source,
		})
	},
}

var tokenCmd = &cli.Command{
	Name:  "token",
	Usage: "签发运营接口使用的 JWT",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "subject", Usage: "令牌主体", Required: true},
		&cli.StringSliceFlag{Name: "perm", Usage: "授予的权限，可重复；缺省时授予全部权限"},
		&cli.DurationFlag{Name: "ttl", Usage: "有效期，缺省使用 auth.ttl_seconds"},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		defer logger.Sync()

		svc, err := auth.NewService(auth.Config{
			Mode:       auth.Mode(cfg.Auth.Mode),
			Secret:     cfg.Auth.Secret,
			Issuer:     cfg.Auth.Issuer,
			TTLSeconds: cfg.Auth.TTLSeconds,
		})
		if err != nil {
			return err
		}
		perms := cctx.StringSlice("perm")
		if len(perms) == 0 {
			perms = auth.AllPermissions
		}
		for _, p := range perms {
			if !knownPermission(p) {
				return fmt.Errorf("未知的权限: %s", p)
			}
		}
		token, expires, err := svc.Issue(cctx.String("subject"), perms, cctx.Duration("ttl"))
		if err != nil {
			return err
		}
		fmt.Fprintln(cctx.App.Writer, token)
		fmt.Fprintf(cctx.App.ErrWriter, "expires at %s, permissions %s\n", expires.Format(time.RFC3339), strings.Join(perms, ","))
		return nil
	},
}

var migrateCmd = &cli.Command{
	Name:  "migrate",
	Usage: "执行 MySQL 数据库迁移",
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		defer logger.Sync()

		db, err := mysql.Open(cctx.Context, cfg.Storage)
		if err != nil {
			return err
		}
		defer db.Close()
		applied, err := mysql.Migrate(cctx.Context, db)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Fprintln(cctx.App.Writer, "数据库已是最新版本")
			return nil
		}
		fmt.Fprintf(cctx.App.Writer, "已应用迁移: %s\n", strings.Join(applied, ", "))
		return nil
	},
}

func knownPermission(p string) bool {
	for _, known := range auth.AllPermissions {
		if p == known {
			return true
		}
	}
	return false
}
