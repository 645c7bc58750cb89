package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/msageha/postwatch/internal/archive"
	"github.com/msageha/postwatch/internal/audit"
	"github.com/msageha/postwatch/internal/control"
	"github.com/msageha/postwatch/internal/daemon"
	"github.com/msageha/postwatch/internal/model"
	"github.com/msageha/postwatch/internal/publish"
	"github.com/msageha/postwatch/internal/scanner"
	"github.com/msageha/postwatch/templates"
)

const version = "1.0.0"

var dataDirFlag string

func main() {
	rootCmd := &cobra.Command{
		Use:     "postwatch",
		Short:   "postwatch - filesystem queue scheduler for X posts",
		Version: version,
		Long: `postwatch watches a queue directory of post folders, schedules each one
by its slot or explicit publish time, and publishes it to X at the right
moment. Settled posts are moved to sent/ or failed/ with an audit trail.`,
	}

	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "data directory (default $XP_DATA_DIR or ./data)")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(dryRunCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(stopCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dataDir() string {
	if dataDirFlag != "" {
		return dataDirFlag
	}
	if env := os.Getenv("XP_DATA_DIR"); env != "" {
		return env
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "data"
	}
	return filepath.Join(cwd, "data")
}

func loadConfig(paths model.Paths) (model.Config, error) {
	return model.LoadConfig(paths.Config)
}

func setupLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the data directory layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := model.DataPaths(dataDir())
			for _, dir := range []string{paths.Queue, paths.Sent, paths.Failed, paths.LogDir, filepath.Dir(paths.LockFile)} {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return fmt.Errorf("create %s: %w", dir, err)
				}
			}
			if err := copyTemplateFile("config.yaml", paths.Config); err != nil {
				return err
			}
			// The example lives in a dot-dir so the scanner never picks it up.
			exampleDir := filepath.Join(paths.Queue, ".example")
			if err := os.MkdirAll(exampleDir, 0755); err != nil {
				return fmt.Errorf("create %s: %w", exampleDir, err)
			}
			if err := copyTemplateFile("post.yaml", filepath.Join(exampleDir, "post.yaml")); err != nil {
				return err
			}
			fmt.Printf("initialized data directories in %s\n", paths.Data)
			return nil
		},
	}
}

// copyTemplateFile writes an embedded template to dst unless it exists.
func copyTemplateFile(name, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Scan the queue and report malformed posts",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := model.DataPaths(dataDir())
			cfg, err := loadConfig(paths)
			if err != nil {
				return err
			}
			sc, err := scanner.New(paths.Queue, cfg)
			if err != nil {
				return err
			}
			posts, issues, err := sc.Scan()
			if err != nil {
				return err
			}

			if len(issues) > 0 {
				color.Red("validation errors:")
				for _, issue := range issues {
					fmt.Printf("  %s\n", issue)
				}
				return fmt.Errorf("%d invalid post(s)", len(issues))
			}

			color.Green("validation OK, %d valid post(s)", len(posts))
			for _, p := range posts {
				fmt.Printf("  %s (%s, %s)\n", p.ID, p.Slot, p.ScheduledAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
}

func dryRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dry-run",
		Short: "Show what a run would publish, without publishing",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := model.DataPaths(dataDir())
			cfg, err := loadConfig(paths)
			if err != nil {
				return err
			}
			sc, err := scanner.New(paths.Queue, cfg)
			if err != nil {
				return err
			}
			posts, issues, err := sc.Scan()
			if err != nil {
				return err
			}
			for _, issue := range issues {
				color.Yellow("skipping %s", issue)
			}

			due := duePosts(posts)
			if len(due) == 0 {
				fmt.Println("no due posts to process")
				return nil
			}

			fmt.Printf("would process %d post(s):\n\n", len(due))
			for _, p := range due {
				text := truncate(p.Text, 50)
				fmt.Printf("post: %s\n", p.ID)
				fmt.Printf("  text: %s\n", text)
				fmt.Printf("  slot: %s\n", p.Slot)
				fmt.Printf("  scheduled: %s\n", p.ScheduledAt.Format("2006-01-02 15:04"))
				fmt.Printf("  images: %d\n", len(p.Images))
				fmt.Println()
			}
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Publish every currently due post once, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := model.DataPaths(dataDir())
			cfg, err := loadConfig(paths)
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.Logging.Level, os.Stderr)

			sc, err := scanner.New(paths.Queue, cfg)
			if err != nil {
				return err
			}
			posts, issues, err := sc.Scan()
			if err != nil {
				return err
			}
			for _, issue := range issues {
				color.Yellow("skipping %s", issue)
			}

			due := duePosts(posts)
			if len(due) == 0 {
				fmt.Println("no due posts to process")
				return nil
			}

			pub, err := newPublisher(paths, cfg)
			if err != nil {
				return err
			}
			auditLog, err := audit.NewLogger(paths.AuditLog)
			if err != nil {
				return err
			}
			defer auditLog.Close()
			archiver := archive.New(paths.Sent, paths.Failed, auditLog)

			for _, post := range due {
				fmt.Printf("processing %s\n", post.ID)

				ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Publish.Timeout())
				ref, pubErr := pub.Publish(ctx, post)
				cancel()

				outcome := archive.OutcomeSent
				detail := ""
				if pubErr != nil {
					outcome = archive.OutcomeFailed
					detail = pubErr.Error()
				}

				dest, err := archiver.Settle(post, outcome, ref, detail)
				if err != nil {
					logger.Error("settlement failed", "post", post.ID, "error", err)
					continue
				}
				if pubErr != nil {
					color.Red("  failed -> %s (%s)", dest, detail)
				} else {
					color.Green("  sent -> %s", dest)
				}
			}
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the scheduling daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := model.DataPaths(dataDir())
			cfg, err := loadConfig(paths)
			if err != nil {
				return err
			}

			if err := os.MkdirAll(paths.LogDir, 0755); err != nil {
				return fmt.Errorf("create log dir: %w", err)
			}
			logFile, err := os.OpenFile(filepath.Join(paths.LogDir, "watcher.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				return fmt.Errorf("open watcher log: %w", err)
			}
			defer logFile.Close()
			logger := setupLogger(cfg.Logging.Level, io.MultiWriter(os.Stderr, logFile))

			pub, err := newPublisher(paths, cfg)
			if err != nil {
				return err
			}

			d, err := daemon.New(paths.Data, cfg, pub, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			// Second signal forces exit without waiting for the loop.
			go func() {
				<-ctx.Done()
				stop()
				sigCh := make(chan os.Signal, 1)
				signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
				<-sigCh
				logger.Warn("second signal received, forcing exit")
				os.Exit(1)
			}()

			return d.Run(ctx)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the running watcher's schedule state",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := model.DataPaths(dataDir())
			var info daemon.StatusInfo
			if err := control.NewClient(paths.Socket).Send("status", nil, &info); err != nil {
				return fmt.Errorf("is the watcher running? %w", err)
			}

			color.Green("watcher running (pid %d, up since %s)", info.PID, info.StartedAt.Format("2006-01-02 15:04:05"))
			fmt.Printf("  state:   %s\n", info.State)
			fmt.Printf("  queue:   %s\n", info.Queue)
			fmt.Printf("  pending: %d\n", info.Pending)
			if info.NextAt != nil {
				fmt.Printf("  next:    %s (in %s)\n",
					info.NextAt.Local().Format("2006-01-02 15:04"),
					time.Until(*info.NextAt).Round(time.Second))
			}
			return nil
		},
	}
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Ask the running watcher to rescan the queue now",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := model.DataPaths(dataDir())
			if err := control.NewClient(paths.Socket).Send("scan", nil, nil); err != nil {
				return fmt.Errorf("is the watcher running? %w", err)
			}
			fmt.Println("rescan queued")
			return nil
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running watcher gracefully",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := model.DataPaths(dataDir())
			if err := control.NewClient(paths.Socket).Send("shutdown", nil, nil); err != nil {
				return fmt.Errorf("is the watcher running? %w", err)
			}
			fmt.Println("watcher stopping")
			return nil
		},
	}
}

// newPublisher builds the X API client from the token file and config.
func newPublisher(paths model.Paths, cfg model.Config) (publish.Publisher, error) {
	tokens, err := publish.LoadTokens(paths.Tokens)
	if err != nil {
		return nil, err
	}
	baseURL := cfg.Publish.BaseURL
	if tokens.BaseURL != "" {
		baseURL = tokens.BaseURL
	}
	return publish.NewClient(baseURL, tokens.AccessToken), nil
}

// truncate shortens s to max characters, never splitting a rune.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

func duePosts(posts []*model.Post) []*model.Post {
	now := time.Now()
	var due []*model.Post
	for _, p := range posts {
		if p.Due(now) {
			due = append(due, p)
		}
	}
	model.SortPosts(due)
	return due
}
