// qrdrop: CLI entry point.
//
// This tool moves one file between two devices over a WebRTC DataChannel.
// The devices negotiate by relaying two short text blobs (scanned as QR codes,
// pasted, or exchanged through a rendezvous server under a six-digit code);
// the file itself never passes through a server.
//
// It can be launched interactively (no subcommand) or non-interactively via
// the send, receive, rendezvous and history subcommands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/qrdrop/internal/config"
	"github.com/1ureka/qrdrop/internal/tracing"
	"github.com/1ureka/qrdrop/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.Load()
	root := newRootCmd(cfg)

	if err := root.ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		stop()
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Flags override the environment
// defaults already loaded into cfg.
func newRootCmd(cfg *config.Config) *cobra.Command {
	var shutdownTracer func(context.Context) error

	root := &cobra.Command{
		Use:           "qrdrop",
		Short:         "peer-to-peer file drop negotiated with QR codes",
		Long:          `qrdrop sends one file directly between two devices. The devices exchange a connection request and a response, by QR code, by pasting, or through a rendezvous server, and then stream the file over WebRTC.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Debug {
				util.EnableDebug()
			}
			shutdown, err := tracing.InitTracer(cmd.Context(), cfg.ServiceName, cfg.OTLPEndpoint)
			if err != nil {
				return err
			}
			shutdownTracer = shutdown
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if shutdownTracer == nil {
				return nil
			}
			return shutdownTracer(context.WithoutCancel(cmd.Context()))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// No subcommand → interactive mode.
			return runInteractive(cmd.Context(), cfg)
		},
	}

	flags := root.PersistentFlags()
	flags.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")
	flags.StringVar(&cfg.RendezvousURL, "rendezvous", cfg.RendezvousURL, "rendezvous server URL, enables six-digit codes (e.g. ws://192.168.1.5:7788)")
	flags.StringVar(&cfg.OutputDir, "output", cfg.OutputDir, "directory received files are saved to")
	flags.StringVar(&cfg.HistoryPath, "history", cfg.HistoryPath, "transfer history database, empty disables it")
	flags.StringVar(&cfg.OTLPEndpoint, "otlp", cfg.OTLPEndpoint, "OTLP/HTTP collector endpoint, empty disables tracing")
	flags.DurationVar(&cfg.PollTimeout, "poll-timeout", cfg.PollTimeout, "how long a sender waits for an answer under a code")
	flags.BoolVar(&cfg.Loopback, "loopback", cfg.Loopback, "offer loopback candidates (both ends on one machine)")

	root.AddCommand(
		newSendCmd(cfg),
		newReceiveCmd(cfg),
		newRendezvousCmd(cfg),
		newHistoryCmd(cfg),
	)
	return root
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive asks for a direction and then for whatever that direction
// needs.
func runInteractive(ctx context.Context, cfg *config.Config) error {
	pterm.Info.Println(fmt.Sprintf("qrdrop — v%s", version))
	pterm.Println()

	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Send    — Offer a file", "Receive — Accept a file"}).
		WithDefaultText("What do you want to do").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Send") {
		path := askPath()
		useCode := false
		if cfg.RendezvousURL != "" {
			useCode, _ = pterm.DefaultInteractiveConfirm.
				WithDefaultText("Share a six-digit code instead of a connection blob?").
				Show()
			pterm.Println()
		}
		return runSend(ctx, cfg, path, useCode, "")
	}

	code := ""
	if cfg.RendezvousURL != "" {
		method, _ := pterm.DefaultInteractiveSelect.
			WithOptions([]string{"Code — Enter the sender's six-digit code", "Blob — Paste the sender's connection blob"}).
			WithDefaultText("How did the sender share the request").
			Show()
		pterm.Println()
		if strings.HasPrefix(method, "Code") {
			code = askCode()
		}
	}
	return runReceive(ctx, cfg, code, "")
}
