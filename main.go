package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/git-graph/graphstate/internal/config"
	"github.com/git-graph/graphstate/internal/server"
	"github.com/git-graph/graphstate/internal/state"
)

// configEnvVar 在未显式传入 --config 时提供配置路径。
const configEnvVar = "GRAPHSTATE_CONFIG"

// cliOptions 汇总全局标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configFlag string
	jsonOutput bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run 执行命令行并返回退出码，方便测试。
func run(args []string) int {
	root := newRootCmd(&cliOptions{})
	root.SetArgs(args)
	root.SetOut(stdOut)
	root.SetErr(stdErr)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(stdErr, err.Error())
		return 1
	}
	return 0
}

func newRootCmd(opts *cliOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "graphstate",
		Short: "Inspect and maintain repository state and the avatar cache",
		Long: `graphstate manages the persisted repository state of a workspace and the
global avatar cache shared across workspaces.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	root.PersistentFlags().StringVar(&opts.configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnvVar+" 覆盖）")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "以 JSON 输出")

	root.AddCommand(
		newVersionCmd(),
		newCheckConfigCmd(opts),
		newReposCmd(opts),
		newIgnoredCmd(opts),
		newLastActiveCmd(opts),
		newGitPathCmd(opts),
		newAvatarsCmd(opts),
		newServeCmd(opts),
	)
	return root
}

// resolveConfigPath 按 flag > 环境变量 > 默认值 的优先级确定配置路径。
func resolveConfigPath(flagValue string) string {
	if path := strings.TrimSpace(flagValue); path != "" {
		return path
	}
	if path := strings.TrimSpace(os.Getenv(configEnvVar)); path != "" {
		return path
	}
	return "config.toml"
}

func startHTTPServer(cfg *config.Config, store *state.Store, logger *logrus.Logger) error {
	app, err := server.NewApp(server.AppOptions{
		Logger: logger,
		State:  store,
	})
	if err != nil {
		return err
	}

	port := cfg.Global.ListenPort
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
