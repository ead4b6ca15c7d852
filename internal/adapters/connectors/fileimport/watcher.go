// Package fileimport feeds receipts dropped into a watched directory
// through the ingest pipeline. Scanner uploads and bulk exports land
// here as plain files.
package fileimport

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/receipthq/reconcile/internal/adapters/connectors"
	"github.com/receipthq/reconcile/internal/infrastructure/storage"
	"github.com/receipthq/reconcile/internal/ingest"
)

// importable file extensions
var allowedExt = map[string]bool{
	".pdf":  true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".heic": true,
}

// settleDelay gives the writer time to finish before we read. Scanner
// software writes files in chunks; reading on the first event truncates.
const settleDelay = 500 * time.Millisecond

// Ingestor is the slice of the ingest service the watcher needs.
type Ingestor interface {
	Ingest(doc connectors.Document) (*ingest.Outcome, error)
}

// Watcher monitors an import directory and ingests every receipt file
// that appears. Processed files move to a processed/ subdirectory;
// dedup upstream makes reprocessing after a crash harmless.
type Watcher struct {
	dir      string
	ingestor Ingestor
	logger   *slog.Logger
}

// NewWatcher creates a directory watcher. The directory and its
// processed/ subdirectory are created if missing.
func NewWatcher(dir string, ingestor Ingestor, logger *slog.Logger) (*Watcher, error) {
	if err := os.MkdirAll(filepath.Join(dir, "processed"), 0o755); err != nil {
		return nil, err
	}
	return &Watcher{dir: dir, ingestor: ingestor, logger: logger}, nil
}

// Run watches until the context is cancelled. Files already present at
// startup are processed first, so nothing dropped while the service
// was down is missed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()

	if err := fw.Add(w.dir); err != nil {
		return err
	}

	w.sweepExisting()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.process(event.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watch error", "dir", w.dir, "error", err)
		}
	}
}

func (w *Watcher) sweepExisting() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Error("sweep import dir", "dir", w.dir, "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.process(filepath.Join(w.dir, entry.Name()))
	}
}

func (w *Watcher) process(path string) {
	ext := strings.ToLower(filepath.Ext(path))
	if !allowedExt[ext] {
		return
	}

	time.Sleep(settleDelay)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Error("read import file", "path", path, "error", err)
		}
		return
	}
	if len(data) == 0 {
		return
	}

	out, err := w.ingestor.Ingest(connectors.Document{
		Filename: filepath.Base(path),
		Data:     data,
		Origin:   storage.OriginImported,
	})
	if err != nil {
		w.logger.Error("ingest import file", "path", path, "error", err)
		return
	}

	dest := filepath.Join(w.dir, "processed", filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		w.logger.Warn("move processed file", "path", path, "error", err)
	}

	w.logger.Info("imported receipt file",
		"path", path, "receipt_id", out.Receipt.ID, "created", out.Created)
}
