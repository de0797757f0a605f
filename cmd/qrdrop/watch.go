package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/schollz/progressbar/v3"

	"github.com/1ureka/qrdrop/internal/session"
	"github.com/1ureka/qrdrop/internal/util"
)

// watcher follows session snapshots, draws the progress bar and reports when
// the session settles.
type watcher struct {
	updates chan session.Snapshot
	bar     *progressbar.ProgressBar
	last    session.Status
}

func newWatcher() *watcher {
	return &watcher{updates: make(chan session.Snapshot, 64)}
}

// OnChange is handed to the session. Snapshots are dropped rather than
// blocking the session when the watcher falls behind; the terminal one is
// re-read in wait.
func (w *watcher) OnChange(snap session.Snapshot) {
	select {
	case w.updates <- snap:
	default:
	}
}

// wait returns the first terminal snapshot, or ctx's error.
func (w *watcher) wait(ctx context.Context, sess *session.Session) (session.Snapshot, error) {
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()

	for {
		var snap session.Snapshot
		select {
		case <-ctx.Done():
			w.finish()
			return sess.Snapshot(), ctx.Err()
		case snap = <-w.updates:
		case <-tick.C:
			snap = sess.Snapshot()
		}

		w.show(snap)
		if snap.Status.Terminal() {
			w.finish()
			return snap, nil
		}
	}
}

func (w *watcher) show(snap session.Snapshot) {
	if snap.Status != w.last {
		w.last = snap.Status
		util.LogDebug("status: %s", snap.Status)
		if snap.Status == session.StatusConnected {
			util.LogSuccess("peer connected")
		}
	}

	switch snap.Status {
	case session.StatusSending, session.StatusReceiving, session.StatusComplete:
	default:
		return
	}
	if w.bar == nil {
		desc := string(snap.Status)
		if snap.File != nil {
			desc = fmt.Sprintf("%s %s", snap.Status, snap.File.Name)
		}
		w.bar = progressbar.NewOptions(100,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription(desc),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(30),
			progressbar.OptionClearOnFinish(),
		)
	}
	_ = w.bar.Set(snap.Progress)
}

func (w *watcher) finish() {
	if w.bar != nil {
		_ = w.bar.Finish()
		w.bar = nil
	}
}

// report prints the outcome of a settled session.
func report(snap session.Snapshot) error {
	pterm.Println()
	util.LogDebug("channel traffic: %s", util.Stats.Summary())
	if snap.Status == session.StatusComplete {
		name := ""
		if snap.File != nil {
			name = snap.File.Name
		}
		util.LogSuccess("transfer of %s complete", name)
		return nil
	}
	if snap.Err != nil {
		return fmt.Errorf("transfer %s: %w", snap.Status, snap.Err)
	}
	return fmt.Errorf("transfer %s", snap.Status)
}
