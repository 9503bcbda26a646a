package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/fieldsync/internal/offline"
)

const rejectedDir = "rejected"

type Submitter interface {
	Submit(ctx context.Context, storeName string, action offline.Action, payload offline.Record) (offline.Operation, error)
}

// SpoolWatcher submits operations dropped as *.json files into a directory.
// Writers should create files under a dot-prefixed name and rename them into
// place; dotfiles are ignored.
type SpoolWatcher struct {
	dir       string
	submitter Submitter
	logger    *slog.Logger
}

func NewSpoolWatcher(dir string, submitter Submitter, logger *slog.Logger) *SpoolWatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SpoolWatcher{dir: dir, submitter: submitter, logger: logger}
}

func (w *SpoolWatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(w.dir, rejectedDir), 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create spool watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch spool directory %s: %w", w.dir, err)
	}
	if _, err := w.ScanOnce(ctx); err != nil {
		w.logger.Warn("initial spool scan failed", "dir", w.dir, "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !spoolCandidate(event.Name) {
				continue
			}
			if err := w.processFile(ctx, event.Name); err != nil {
				w.logger.Warn("spool file not submitted", "file", event.Name, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("spool watcher error", "error", err)
		}
	}
}

// ScanOnce processes every spool file already present, oldest name first.
func (w *SpoolWatcher) ScanOnce(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !spoolCandidate(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	submitted := 0
	for _, name := range names {
		if err := w.processFile(ctx, filepath.Join(w.dir, name)); err != nil {
			w.logger.Warn("spool file not submitted", "file", name, "error", err)
			continue
		}
		submitted++
	}
	return submitted, nil
}

func spoolCandidate(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".json") && !strings.HasPrefix(base, ".")
}

func (w *SpoolWatcher) processFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var req SubmitRequest
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&req); err != nil {
		return w.reject(path, fmt.Errorf("decode: %w", err))
	}
	op, err := w.submitter.Submit(ctx, req.StoreName, req.Action, req.Payload)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) || errors.Is(err, offline.ErrInvalidInput) {
			return w.reject(path, err)
		}
		return err
	}
	w.logger.Info("spool file submitted", "file", filepath.Base(path), "operation", op.ID, "store", op.StoreName, "action", op.Action)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (w *SpoolWatcher) reject(path string, cause error) error {
	if err := os.MkdirAll(filepath.Join(w.dir, rejectedDir), 0o755); err != nil {
		return err
	}
	target := filepath.Join(w.dir, rejectedDir, filepath.Base(path))
	if err := os.Rename(path, target); err != nil {
		return fmt.Errorf("reject %s: %w", filepath.Base(path), err)
	}
	return fmt.Errorf("rejected %s: %w", filepath.Base(path), cause)
}
