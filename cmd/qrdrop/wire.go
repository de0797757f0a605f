package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/1ureka/qrdrop/internal/config"
	"github.com/1ureka/qrdrop/internal/rendezvous"
	"github.com/1ureka/qrdrop/internal/session"
	"github.com/1ureka/qrdrop/internal/storage"
	"github.com/1ureka/qrdrop/internal/transfer"
	"github.com/1ureka/qrdrop/internal/util"
)

// deps holds what a transfer command opened and must close.
type deps struct {
	store   *rendezvous.Client
	sink    transfer.Sink
	history *storage.History
}

// open connects the collaborators cfg asks for. Receiving needs a sink;
// sending does not.
func open(ctx context.Context, cfg *config.Config, receiving bool) (*deps, error) {
	d := &deps{}

	if cfg.RendezvousURL != "" {
		wsURL, err := normalizeWSURL(cfg.RendezvousURL)
		if err != nil {
			return nil, err
		}
		c, err := rendezvous.Dial(ctx, wsURL)
		if err != nil {
			return nil, fmt.Errorf("rendezvous server: %w", err)
		}
		d.store = c
	}

	if receiving {
		sink, err := openSink(ctx, cfg)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.sink = sink
		if ds, ok := sink.(*storage.DirSink); ok {
			util.LogInfo("received files are saved to %s", ds.Dir())
		}
	}

	if cfg.HistoryPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.HistoryPath), 0o755); err != nil {
			util.LogWarning("history disabled: %v", err)
		} else if h, err := storage.OpenHistory(cfg.HistoryPath); err != nil {
			util.LogWarning("history disabled: %v", err)
		} else {
			d.history = h
		}
	}
	return d, nil
}

func openSink(ctx context.Context, cfg *config.Config) (transfer.Sink, error) {
	if cfg.UseMinIO() {
		return storage.NewMinioSink(ctx, cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey, cfg.MinIOBucketName, cfg.MinIOUseSSL)
	}
	return storage.NewDirSink(cfg.OutputDir)
}

// newSession builds a Session over d. A nil store or history must stay an
// untyped nil in the interface fields.
func (d *deps) newSession(cfg *config.Config, onChange func(session.Snapshot)) *session.Session {
	sc := session.Config{
		Sink:          d.sink,
		Loopback:      cfg.Loopback,
		GatherTimeout: cfg.GatherTimeout,
		PollInterval:  cfg.PollInterval,
		PollTimeout:   cfg.PollTimeout,
		ChunkPause:    cfg.ChunkPause,
		OnChange:      onChange,
	}
	if d.store != nil {
		sc.Store = d.store
	}
	if d.history != nil {
		sc.History = d.history
	}
	return session.New(sc)
}

func (d *deps) Close() error {
	var errs []error
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	if d.history != nil {
		errs = append(errs, d.history.Close())
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// normalizeWSURL validates a rendezvous address and turns it into the
// server's WebSocket endpoint. A bare host:port is taken as plain ws.
func normalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid rendezvous URL: %s", raw)
	}
	scheme := "ws"
	switch u.Scheme {
	case "wss", "https":
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}
