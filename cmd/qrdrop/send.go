package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/pterm/pterm/putils"
	"github.com/spf13/cobra"

	"github.com/1ureka/qrdrop/internal/config"
	"github.com/1ureka/qrdrop/internal/protocol"
	"github.com/1ureka/qrdrop/internal/session"
	"github.com/1ureka/qrdrop/internal/util"
)

// closeGrace is how long a finished sender keeps the connection up so the
// receiver can read the last frames.
const closeGrace = 2 * time.Second

func newSendCmd(cfg *config.Config) *cobra.Command {
	var useCode bool
	var answer string

	cmd := &cobra.Command{
		Use:   "send file-path",
		Short: "offer a file",
		Long:  `send prints a connection request for the file and waits for the receiver's response, pasted back or, with --code, delivered through the rendezvous server.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if useCode && answer != "" {
				return fmt.Errorf("--code and --answer are exclusive")
			}
			if useCode && cfg.RendezvousURL == "" {
				return fmt.Errorf("--code needs a rendezvous server (--rendezvous or QRDROP_RENDEZVOUS_URL)")
			}
			return runSend(cmd.Context(), cfg, args[0], useCode, answer)
		},
	}
	cmd.Flags().BoolVar(&useCode, "code", false, "publish the request under a six-digit code")
	cmd.Flags().StringVar(&answer, "answer", "", "receiver's response blob, skips the prompt")
	return cmd
}

// runSend executes the sending side. An empty answer is prompted for unless
// a code is used.
func runSend(ctx context.Context, cfg *config.Config, path string, useCode bool, answer string) error {
	f, meta, err := openFile(path)
	if err != nil {
		return err
	}
	defer f.Close()

	d, err := open(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer d.Close()

	w := newWatcher()
	sess := d.newSession(cfg, w.OnChange)
	defer sess.Reset()

	blob, err := sess.StartSend(ctx, meta, f)
	if err != nil {
		return fmt.Errorf("prepare request: %w", err)
	}

	if useCode {
		code, err := sess.PublishCode(ctx)
		if err != nil {
			return fmt.Errorf("publish code: %w", err)
		}
		showCode(code)
		util.LogInfo("waiting up to %s for the receiver to enter the code", cfg.PollTimeout)
	} else {
		showBlob("Connection request", blob)
		if answer == "" {
			answer = askBlob("Paste the receiver's response")
		}
		if _, err := sess.SubmitText(ctx, answer); err != nil {
			return fmt.Errorf("apply response: %w", err)
		}
	}

	snap, err := w.wait(ctx, sess)
	if err != nil {
		return err
	}
	if snap.Status == session.StatusComplete {
		// Let the receiver drain the last frames before the channel closes.
		select {
		case <-ctx.Done():
		case <-time.After(closeGrace):
		}
	}
	return report(snap)
}

// openFile opens path and describes it for the request.
func openFile(path string) (*os.File, protocol.FileMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, protocol.FileMeta{}, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, protocol.FileMeta{}, err
	}
	if st.IsDir() {
		f.Close()
		return nil, protocol.FileMeta{}, fmt.Errorf("%s is a directory", path)
	}
	if st.Size() == 0 {
		f.Close()
		return nil, protocol.FileMeta{}, fmt.Errorf("%s is empty", path)
	}

	meta := protocol.FileMeta{
		Name: filepath.Base(path),
		Size: st.Size(),
		Type: mime.TypeByExtension(strings.ToLower(filepath.Ext(path))),
	}
	if meta.Type == "" {
		meta.Type = "application/octet-stream"
	}
	return f, meta, nil
}

// ---------------------------------------------------------------------------
// Output and prompts
// ---------------------------------------------------------------------------

func showBlob(title, blob string) {
	pterm.DefaultBox.WithTitle(title).Println(blob)
	pterm.Println()
}

func showCode(code string) {
	big, _ := pterm.DefaultBigText.WithLetters(putils.LettersFromString(code)).Srender()
	pterm.DefaultBox.WithTitle("Code").Println(big)
	pterm.Println()
}

// askBlob prompts until something non-empty is entered. Validation is left
// to the session, which reports malformed input as an error status.
func askBlob(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		pterm.Println()
		if raw = strings.TrimSpace(raw); raw != "" {
			return raw
		}
		util.LogWarning("nothing was entered")
	}
}

// askPath prompts for a readable file.
func askPath() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("File to send").
			Show()

		pterm.Println()
		path := strings.Trim(strings.TrimSpace(raw), `"'`)
		if st, err := os.Stat(path); err == nil && !st.IsDir() && st.Size() > 0 {
			return path
		}
		util.LogWarning("not a readable, non-empty file: %s", path)
	}
}
