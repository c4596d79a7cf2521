package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bilbo-22/familist/pkg/auth"
	"github.com/bilbo-22/familist/pkg/cache"
	"github.com/bilbo-22/familist/pkg/client"
	"github.com/bilbo-22/familist/pkg/config"
	"github.com/bilbo-22/familist/pkg/model"
	"github.com/bilbo-22/familist/pkg/tui"
)

// sessionKey marks the device as logged in inside the local cache.
const sessionKey = "session"

func main() {
	if err := rootCmd().Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

type flags struct {
	configPath string
	serverURL  string
	cachePath  string
	logLevel   string
}

func rootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:           "familist",
		Short:         "Shared family lists in the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTUI(cmd.Context(), f)
		},
	}
	cmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&f.serverURL, "server", "", "Server URL (overrides config)")
	cmd.PersistentFlags().StringVar(&f.cachePath, "cache", "", "Path of the local cache (overrides config)")
	cmd.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")

	cmd.AddCommand(loginCmd(&f), logoutCmd(&f), lsCmd(&f), addCmd(&f), syncCmd(&f))
	return cmd
}

type app struct {
	cache  *cache.Cache
	client *client.Client
	gate   *auth.Gate
	logger *slog.Logger
}

func (a *app) Close() {
	if err := a.cache.Close(); err != nil {
		a.logger.Error("failed to close cache", "err", err)
	}
}

func loadConfig(f flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.serverURL != "" {
		cfg.Client.ServerURL = f.serverURL
	}
	if f.cachePath != "" {
		cfg.Client.CachePath = f.cachePath
	}
	if f.logLevel != "" {
		if _, err := config.ParseLevel(f.logLevel); err != nil {
			return nil, err
		}
		cfg.Log.Level = f.logLevel
	}
	return cfg, nil
}

// open loads the config and the local cache. Logs go to logOut.
func open(f flags, logOut io.Writer) (*app, error) {
	cfg, err := loadConfig(f)
	if err != nil {
		return nil, err
	}
	return newApp(cfg, logOut)
}

func newApp(cfg *config.Config, logOut io.Writer) (*app, error) {
	logger := cfg.Log.NewLogger(logOut)
	slog.SetDefault(logger)

	gate, err := auth.NewGate(cfg.Auth.Password, cfg.Auth.PasswordHash)
	if err != nil {
		return nil, err
	}
	c, err := cache.Open(cfg.Client.CachePath)
	if err != nil {
		return nil, err
	}
	cl, err := client.New(client.Options{
		ServerURL:         cfg.Client.ServerURL,
		Cache:             c,
		ReconnectInterval: cfg.Client.ReconnectInterval,
		Logger:            logger,
	})
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return &app{cache: c, client: cl, gate: gate, logger: logger}, nil
}

func (a *app) loggedIn(ctx context.Context) (bool, error) {
	_, ok, err := a.cache.Meta(ctx, sessionKey)
	return ok, err
}

func (a *app) requireLogin(ctx context.Context) error {
	ok, err := a.loggedIn(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("not logged in, run: familist login")
	}
	return nil
}

func runTUI(ctx context.Context, f flags) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	// the terminal belongs to the tui, so logs go next to the cache
	logFile, err := openLogFile(filepath.Join(filepath.Dir(cfg.Client.CachePath), "familist.log"))
	if err != nil {
		return err
	}
	defer logFile.Close()

	a, err := newApp(cfg, logFile)
	if err != nil {
		return err
	}
	defer a.Close()

	loggedIn, err := a.loggedIn(ctx)
	if err != nil {
		return err
	}
	if err := a.client.Load(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.client.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	return tui.Run(ctx, a.client, tui.Options{
		Gate:     a.gate,
		LoggedIn: loggedIn,
		OnLogin: func() error {
			return a.cache.SetMeta(ctx, sessionKey, "ok")
		},
		OnLogout: func() error {
			return a.cache.DeleteMeta(ctx, sessionKey)
		},
	})
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

func loginCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "login [password]",
		Short: "Unlock this device with the shared password",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(*f, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			var attempt string
			if len(args) == 1 {
				attempt = args[0]
			} else {
				fmt.Fprint(cmd.OutOrStdout(), "Password: ")
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return fmt.Errorf("failed to read password: %w", err)
				}
				attempt = strings.TrimSpace(line)
			}
			if err := a.gate.Check(attempt); err != nil {
				return err
			}
			if err := a.cache.SetMeta(cmd.Context(), sessionKey, "ok"); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged in.")
			return nil
		},
	}
}

func logoutCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Lock this device again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(*f, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			return a.cache.DeleteMeta(cmd.Context(), sessionKey)
		},
	}
}

// findList matches ref against list ids first, then names without regard to case.
func findList(lists []model.List, ref string) (model.List, error) {
	for _, l := range lists {
		if l.ID == ref {
			return l, nil
		}
	}
	for _, l := range lists {
		if strings.EqualFold(l.Name, ref) {
			return l, nil
		}
	}
	return model.List{}, fmt.Errorf("no list named %q", ref)
}

func lsCmd(f *flags) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "ls [list]",
		Short: "Print lists and their items",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(*f, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireLogin(cmd.Context()); err != nil {
				return err
			}
			if err := a.client.Load(cmd.Context()); err != nil {
				return err
			}
			state := a.client.View().State()
			lists := state.Lists
			if len(args) == 1 {
				l, err := findList(lists, args[0])
				if err != nil {
					return err
				}
				lists = []model.List{l}
			} else if !all && state.Selected != "" {
				l, _ := findList(lists, state.Selected)
				lists = []model.List{l}
			}
			out := cmd.OutOrStdout()
			for _, l := range lists {
				fmt.Fprintf(out, "%s\n", l.Name)
				for _, it := range model.ItemsOf(state.Items, l.ID) {
					mark := " "
					if it.Completed {
						mark = "x"
					}
					fmt.Fprintf(out, "  [%s] %s\n", mark, it.Text)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Print every list")
	return cmd
}

func addCmd(f *flags) *cobra.Command {
	var listRef string
	cmd := &cobra.Command{
		Use:   "add <text>...",
		Short: "Add items to a list",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := open(*f, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireLogin(ctx); err != nil {
				return err
			}
			if err := a.client.Load(ctx); err != nil {
				return err
			}
			if listRef != "" {
				l, err := findList(a.client.View().State().Lists, listRef)
				if err != nil {
					return err
				}
				a.client.View().Select(l.ID)
			}
			added, err := a.client.AddItems(ctx, args)
			for _, it := range added {
				fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", it.Text)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&listRef, "list", "l", "", "List name or id (defaults to the first list)")
	return cmd
}

func syncCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Send changes made while offline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := open(*f, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireLogin(ctx); err != nil {
				return err
			}
			n, err := a.client.Replay(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d change(s)\n", n)
			if err != nil {
				return err
			}
			return a.client.Load(ctx)
		},
	}
}
