package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/git-graph/graphstate/internal/logging"
	"github.com/git-graph/graphstate/internal/state"
	"github.com/git-graph/graphstate/internal/version"
)

// provisionTimeout 限制 CLI 等待头像目录供应的时间。
const provisionTimeout = 5 * time.Second

var (
	headerColor  = color.New(color.FgBlue, color.Bold)
	successColor = color.New(color.FgGreen, color.Bold)
	warningColor = color.New(color.FgYellow, color.Bold)
	dimColor     = color.New(color.FgHiBlack)
)

// withState 打开运行时组件，执行 fn 后关闭存储。
func withState(opts *cliOptions, fn func(env *runtimeEnv) error) error {
	env, err := openRuntime(opts)
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(env)
}

func newCheckConfigCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "仅校验配置后退出",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadRuntime(opts)
			if err != nil {
				return err
			}
			fields := logging.BaseFields("check_config", env.configPath)
			fields["backend"] = env.cfg.Global.Backend
			fields["global_storage"] = env.cfg.Global.StoragePath
			fields["workspace_storage"] = env.cfg.Workspace.StoragePath
			fields["result"] = "ok"
			env.logger.WithFields(fields).Info("配置校验通过")
			return nil
		},
	}
}

func newReposCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "repos",
		Short: "列出已发现的仓库及其状态",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withState(opts, func(env *runtimeEnv) error {
				repos, err := env.store.GetRepos()
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return outputJSON(repos)
				}
				if len(repos) == 0 {
					printEmpty("no repositories")
					return nil
				}

				paths := make([]string, 0, len(repos))
				for path := range repos {
					paths = append(paths, path)
				}
				sort.Strings(paths)

				rows := make([][]string, 0, len(paths))
				for _, path := range paths {
					repo := repos[path]
					rows = append(rows, []string{
						path,
						strconv.FormatBool(repo.ShowRemoteBranches),
						formatWidths(repo.ColumnWidths),
						strings.Join(repo.HideRemotes, ","),
					})
				}
				printTable([]string{"PATH", "REMOTE BRANCHES", "COLUMNS", "HIDDEN REMOTES"}, rows)
				return nil
			})
		},
	}
}

func newIgnoredCmd(opts *cliOptions) *cobra.Command {
	var clearList bool
	cmd := &cobra.Command{
		Use:   "ignored [paths...]",
		Short: "查看或整体替换被忽略的仓库列表",
		RunE: func(cmd *cobra.Command, args []string) error {
			if clearList && len(args) > 0 {
				return errors.New("--clear 不能与 paths 同时使用")
			}
			return withState(opts, func(env *runtimeEnv) error {
				if clearList || len(args) > 0 {
					if err := env.store.SetIgnoredRepos(args); err != nil {
						return err
					}
					printSuccess(fmt.Sprintf("ignored repositories set (%d)", len(args)))
					return nil
				}

				ignored, err := env.store.GetIgnoredRepos()
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return outputJSON(ignored)
				}
				if len(ignored) == 0 {
					printEmpty("no ignored repositories")
					return nil
				}
				for _, path := range ignored {
					fmt.Fprintln(stdOut, path)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&clearList, "clear", false, "清空列表")
	return cmd
}

func newLastActiveCmd(opts *cliOptions) *cobra.Command {
	var clearRepo bool
	cmd := &cobra.Command{
		Use:   "last-active [path]",
		Short: "查看或设置上次激活的仓库",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if clearRepo && len(args) > 0 {
				return errors.New("--clear 不能与 path 同时使用")
			}
			return withState(opts, func(env *runtimeEnv) error {
				switch {
				case clearRepo:
					if err := env.store.SetLastActiveRepo(""); err != nil {
						return err
					}
					printSuccess("last active repository cleared")
					return nil
				case len(args) == 1:
					if err := env.store.SetLastActiveRepo(args[0]); err != nil {
						return err
					}
					printSuccess("last active repository set")
					return nil
				}

				repo, err := env.store.GetLastActiveRepo()
				if err != nil {
					return err
				}
				return printOptional(opts, repo, "no last active repository")
			})
		},
	}
	cmd.Flags().BoolVar(&clearRepo, "clear", false, "清除记录")
	return cmd
}

func newGitPathCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "git-path [path]",
		Short: "查看或设置上次解析到的 git 可执行文件路径",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withState(opts, func(env *runtimeEnv) error {
				if len(args) == 1 {
					if err := env.store.SetLastKnownGitPath(args[0]); err != nil {
						return err
					}
					printSuccess("git path set")
					return nil
				}
				path, err := env.store.GetLastKnownGitPath()
				if err != nil {
					return err
				}
				return printOptional(opts, path, "no known git path")
			})
		},
	}
}

func newAvatarsCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "avatars",
		Short: "管理全局头像缓存",
	}
	cmd.AddCommand(newAvatarsLsCmd(opts), newAvatarsRmCmd(opts), newAvatarsClearCmd(opts))
	return cmd
}

func newAvatarsLsCmd(opts *cliOptions) *cobra.Command {
	var staleOnly bool
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "列出头像索引",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withState(opts, func(env *runtimeEnv) error {
				available := waitAvatarStorage(cmd.Context(), env.store)

				index, err := env.store.GetAvatarCache()
				if err != nil {
					return err
				}
				stale, err := env.store.StaleAvatars()
				if err != nil {
					return err
				}
				staleSet := make(map[string]bool, len(stale))
				for _, email := range stale {
					staleSet[email] = true
				}

				emails := make([]string, 0, len(index))
				for email := range index {
					if staleOnly && !staleSet[email] {
						continue
					}
					emails = append(emails, email)
				}
				sort.Strings(emails)

				if opts.jsonOutput {
					selected := make(state.AvatarCache, len(emails))
					for _, email := range emails {
						selected[email] = index[email]
					}
					return outputJSON(map[string]any{
						"available": available,
						"path":      env.store.AvatarStoragePath(),
						"avatars":   selected,
						"stale":     stale,
					})
				}

				printStorageStatus(available, env.store.AvatarStoragePath())
				if len(emails) == 0 {
					printEmpty("no cached avatars")
					return nil
				}
				rows := make([][]string, 0, len(emails))
				for _, email := range emails {
					avatar := index[email]
					rows = append(rows, []string{
						email,
						avatar.Image,
						time.UnixMilli(avatar.Timestamp).Format(time.RFC3339),
						strconv.FormatBool(avatar.Identicon),
						strconv.FormatBool(staleSet[email]),
					})
				}
				printTable([]string{"EMAIL", "IMAGE", "FETCHED", "IDENTICON", "STALE"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&staleOnly, "stale", false, "只显示需要刷新的条目")
	return cmd
}

func newAvatarsRmCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <email>",
		Short: "从索引中移除一个头像",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withState(opts, func(env *runtimeEnv) error {
				if err := env.store.RemoveAvatarFromCache(args[0]); err != nil {
					return err
				}
				printSuccess(fmt.Sprintf("removed %s", args[0]))
				return nil
			})
		},
	}
}

func newAvatarsClearCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "清空头像索引并删除全部头像文件",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withState(opts, func(env *runtimeEnv) error {
				// 先等待供应结束，否则目录列表可能为空。
				waitAvatarStorage(cmd.Context(), env.store)

				sweep, err := env.store.ClearAvatarCache()
				if err != nil {
					return err
				}
				result := sweep.Wait()
				if opts.jsonOutput {
					return outputJSON(result)
				}
				if result.Failed > 0 {
					printWarning(fmt.Sprintf("avatar cache cleared, %d of %d files could not be deleted", result.Failed, result.Requested))
					return nil
				}
				printSuccess(fmt.Sprintf("avatar cache cleared (%d files deleted)", result.Removed))
				return nil
			})
		},
	}
}

func newServeCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动诊断 HTTP 服务",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withState(opts, func(env *runtimeEnv) error {
				fields := logging.BaseFields("startup", env.configPath)
				fields["backend"] = env.cfg.Global.Backend
				fields["listen_port"] = env.cfg.Global.ListenPort
				env.logger.WithFields(fields).WithFields(version.Fields()).Info("配置加载完成")

				if err := startHTTPServer(env.cfg, env.store, env.logger); err != nil {
					return fmt.Errorf("HTTP 服务启动失败: %w", err)
				}
				return nil
			})
		},
	}
}

func waitAvatarStorage(parent context.Context, store *state.Store) bool {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, provisionTimeout)
	defer cancel()
	return store.WaitAvatarStorage(ctx)
}

func outputJSON(v any) error {
	encoder := json.NewEncoder(stdOut)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func printOptional(opts *cliOptions, value, empty string) error {
	if opts.jsonOutput {
		if value == "" {
			return outputJSON(nil)
		}
		return outputJSON(value)
	}
	if value == "" {
		printEmpty(empty)
		return nil
	}
	fmt.Fprintln(stdOut, value)
	return nil
}

// printTable 先按纯文本对齐，再为表头整行着色，颜色转义符不参与列宽计算。
func printTable(headers []string, rows [][]string) {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()

	header, body, _ := strings.Cut(buf.String(), "\n")
	_, _ = headerColor.Fprintln(stdOut, header)
	fmt.Fprint(stdOut, body)
}

func printStorageStatus(available bool, path string) {
	if available {
		_, _ = successColor.Fprintf(stdOut, "✓ avatar storage available: %s\n", path)
		return
	}
	_, _ = warningColor.Fprintf(stdOut, "⚠ avatar storage unavailable: %s\n", path)
}

func printSuccess(msg string) {
	_, _ = successColor.Fprintf(stdOut, "✓ %s\n", msg)
}

func printWarning(msg string) {
	_, _ = warningColor.Fprintf(stdOut, "⚠ %s\n", msg)
}

func printEmpty(msg string) {
	_, _ = dimColor.Fprintf(stdOut, "(%s)\n", msg)
}

func formatWidths(widths []int) string {
	if widths == nil {
		return "auto"
	}
	parts := make([]string, len(widths))
	for i, width := range widths {
		parts[i] = strconv.Itoa(width)
	}
	return strings.Join(parts, ",")
}
