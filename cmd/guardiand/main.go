// guardiand 联邦 guardian 进程：生成配置、分布式密钥生成、运行节点与闪电网关、本地演示与数据检查。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/natto1784/fedimint/logs"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCommand().ExecuteContext(ctx)
	stop()
	logs.Sync()
	if err != nil {
		os.Exit(1)
	}
}

// 命令行指定的日志级别优先于配置文件
var level string

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "guardiand",
		Short:        "Runs a guardian of a federated e-cash mint",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if level == "" {
				return nil
			}
			l, err := logs.ParseLevel(level)
			if err != nil {
				return err
			}
			logs.SetLevel(l)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&level, "log-level", "", "override the configured log level (trace, debug, verbose, info, warn, error)")
	root.AddCommand(
		initCommand(),
		dkgCommand(),
		runCommand(),
		demoCommand(),
		inspectCommand(),
		gatewayCommand(),
	)
	return root
}
