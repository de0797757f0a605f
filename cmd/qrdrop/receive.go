package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/qrdrop/internal/config"
	"github.com/1ureka/qrdrop/internal/rendezvous"
	"github.com/1ureka/qrdrop/internal/util"
)

func newReceiveCmd(cfg *config.Config) *cobra.Command {
	var code string

	cmd := &cobra.Command{
		Use:   "receive [request-blob | -]",
		Short: "accept a file",
		Long:  `receive answers a sender's connection request, given as an argument, read from stdin with "-", prompted for, or looked up with --code on the rendezvous server. The response blob is printed for the sender.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if code != "" && len(args) > 0 {
				return fmt.Errorf("--code and a request blob are exclusive")
			}
			if code != "" && cfg.RendezvousURL == "" {
				return fmt.Errorf("--code needs a rendezvous server (--rendezvous or QRDROP_RENDEZVOUS_URL)")
			}

			blob := ""
			if len(args) == 1 {
				blob = args[0]
				if blob == "-" {
					data, err := io.ReadAll(cmd.InOrStdin())
					if err != nil {
						return err
					}
					blob = string(data)
				}
			}
			return runReceive(cmd.Context(), cfg, code, blob)
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "six-digit code the sender published")
	return cmd
}

// runReceive executes the receiving side, by code when one is given and by
// blob otherwise. An empty blob is prompted for.
func runReceive(ctx context.Context, cfg *config.Config, code, blob string) error {
	d, err := open(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer d.Close()

	w := newWatcher()
	sess := d.newSession(cfg, w.OnChange)
	defer sess.Reset()

	if code != "" {
		if _, err := sess.JoinCode(ctx, code); err != nil {
			return fmt.Errorf("join code %s: %w", code, err)
		}
		util.LogInfo("answer published under code %s", code)
	} else {
		if blob == "" {
			blob = askBlob("Paste the sender's connection request")
		}
		response, err := sess.SubmitText(ctx, blob)
		if err != nil {
			return fmt.Errorf("answer request: %w", err)
		}
		showBlob("Connection response", response)
	}

	if meta, ok := sess.FileMeta(); ok {
		util.LogInfo("incoming %s (%s, %s)", meta.Name, strings.TrimSpace(util.FormatBytes(float64(meta.Size))), meta.Type)
	}

	snap, err := w.wait(ctx, sess)
	if err != nil {
		return err
	}
	return report(snap)
}

// askCode prompts until a well-formed code is entered.
func askCode() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Six-digit code").
			Show()

		pterm.Println()
		code := strings.TrimSpace(raw)
		if rendezvous.ValidID(code) {
			return code
		}
		util.LogWarning("invalid code: must be six digits")
	}
}
