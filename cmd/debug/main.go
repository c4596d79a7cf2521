package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/goccy/go-graphviz"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/bilbo-22/familist/pkg/event"
	"github.com/bilbo-22/familist/pkg/journal"
	"github.com/bilbo-22/familist/pkg/relay"
	"github.com/bilbo-22/familist/pkg/viz"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))
	if err := rootCmd().Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "familist-debug",
		Short:         "Inspect the familist server journal and event stream",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(dumpCmd(), renderCmd(), tailCmd())
	return cmd
}

func loadEntries(path string) ([]journal.Entry, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open input file: %w", err)
	}
	j, err := journal.Open(path)
	if err != nil {
		return nil, err
	}
	return j.Entries()
}

func dumpCmd() *cobra.Command {
	var payloads bool
	cmd := &cobra.Command{
		Use:   "dump <journal>",
		Short: "List every recorded change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := loadEntries(args[0])
			if err != nil {
				return err
			}
			slog.Info("loaded journal", "changes", len(entries))
			out := cmd.OutOrStdout()
			for i, e := range entries {
				fmt.Fprintf(out, "%4d %s actor=%s\n", i, viz.Label(e), e.Actor)
				if payloads {
					fmt.Fprintf(out, "     %s\n", e.Payload)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&payloads, "payloads", "p", false, "Also print each event envelope")
	return cmd
}

func renderCmd() *cobra.Command {
	var (
		output string
		format string
	)
	cmd := &cobra.Command{
		Use:   "render <journal>",
		Short: "Draw the journal as a graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := loadEntries(args[0])
			if err != nil {
				return err
			}
			if output == "" {
				tf, err := viz.RenderToTemp(entries)
				if err != nil {
					return err
				}
				slog.Info("rendered", "file", tf)
				return nil
			}
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", output, err)
			}
			defer f.Close()
			if err := viz.Render(entries, graphviz.Format(strings.ToLower(format)), f); err != nil {
				return err
			}
			slog.Info("rendered", "file", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: a temp svg)")
	cmd.Flags().StringVarP(&format, "format", "f", "svg", "Output format: svg, png, jpg or dot")
	return cmd
}

func tailCmd() *cobra.Command {
	var (
		url    string
		prefix string
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print events relayed over NATS as they happen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := nats.Connect(url, nats.Name("familist-debug"))
			if err != nil {
				return fmt.Errorf("failed to connect to nats: %w", err)
			}
			defer conn.Close()

			out := cmd.OutOrStdout()
			sub, err := relay.Subscribe(conn, prefix, slog.Default(), func(ev event.Event) {
				raw, err := ev.Encode()
				if err != nil {
					slog.Error("failed to encode event", "err", err)
					return
				}
				fmt.Fprintln(out, string(raw))
			})
			if err != nil {
				return err
			}
			defer func() { _ = sub.Unsubscribe() }()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
			sig := <-exit
			slog.Info("signal caught", "sig", sig)
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "nats-url", nats.DefaultURL, "NATS server URL")
	cmd.Flags().StringVar(&prefix, "prefix", relay.DefaultPrefix, "Subject prefix")
	return cmd
}
