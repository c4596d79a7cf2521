package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bilbo-22/familist/pkg/auth"
	"github.com/bilbo-22/familist/pkg/config"
	"github.com/bilbo-22/familist/pkg/hub"
	"github.com/bilbo-22/familist/pkg/journal"
	"github.com/bilbo-22/familist/pkg/metrics"
	"github.com/bilbo-22/familist/pkg/relay"
	"github.com/bilbo-22/familist/pkg/server"
	"github.com/bilbo-22/familist/pkg/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

type flags struct {
	configPath string
	addr       string
	storePath  string
	logLevel   string
}

func rootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:           "familist-server",
		Short:         "Serve the shared familist dataset and its live event stream",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(f)
		},
	}
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&f.addr, "addr", "", "The address to listen on (overrides config)")
	cmd.Flags().StringVar(&f.storePath, "store", "", "Path of the dataset file (overrides config)")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")

	cmd.AddCommand(hashPasswordCmd())
	return cmd
}

func hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print a bcrypt hash for auth.password_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := auth.Hash(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}
}

func loadConfig(f flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.addr != "" {
		cfg.Server.Addr = f.addr
	}
	if f.storePath != "" {
		cfg.Store.Path = f.storePath
	}
	if f.logLevel != "" {
		if _, err := config.ParseLevel(f.logLevel); err != nil {
			return nil, err
		}
		cfg.Log.Level = f.logLevel
	}
	return cfg, nil
}

func run(f flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	m := metrics.New()

	opts := store.Options{
		Path:              cfg.Store.Path,
		ValidateReorder:   cfg.Store.ValidateReorder,
		IdempotencyWindow: cfg.Store.IdempotencyWindow,
		Metrics:           m,
		Logger:            logger,
	}
	var jnl *journal.Journal
	if cfg.Journal.Path != "" {
		if jnl, err = journal.Open(cfg.Journal.Path); err != nil {
			return err
		}
		opts.Journal = jnl
		slog.Info("recording journal", "path", cfg.Journal.Path, "entries", jnl.Len())
	}

	slog.Info("opening store", "path", cfg.Store.Path)
	st, err := store.Open(opts)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	if cfg.Relay.NATSURL != "" {
		rl, err := relay.Dial(cfg.Relay.NATSURL, cfg.Relay.SubjectPrefix, logger)
		if err != nil {
			return err
		}
		defer rl.Close()
		st.AddSink(rl)
		slog.Info("relaying events", "url", cfg.Relay.NATSURL, "prefix", cfg.Relay.SubjectPrefix)
	}

	h := hub.New(st, hub.Options{
		SendBuffer:   cfg.Hub.SendBuffer,
		PingInterval: cfg.Hub.PingInterval,
		Metrics:      m,
		Logger:       logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.New(st, h, m, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := new(sync.WaitGroup)

	if jnl != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t := time.NewTicker(time.Second * 5)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					if err := jnl.Flush(); err != nil {
						slog.Error("failed to flush journal", "err", err)
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	listenErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- fmt.Errorf("server listen failed: %w", err)
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("signal caught", "sig", sig)
	case err = <-listenErr:
	}
	cancel()
	h.Close()
	_ = httpServer.Close()

	wg.Wait()

	if jnl != nil {
		if ferr := jnl.Flush(); ferr != nil {
			slog.Error("failed to flush journal", "err", ferr)
		} else {
			slog.Info("flushed journal", "path", cfg.Journal.Path, "entries", jnl.Len())
		}
	}
	return err
}
