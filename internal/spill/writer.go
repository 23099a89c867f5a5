// Package spill keeps envelopes that could not be processed because of an
// infrastructure failure, so the queue can be acknowledged and the work
// replayed once the store is back.
package spill

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/example/eventstream-ingest/internal/ingestcfg"
	"github.com/example/eventstream-ingest/internal/logging"
	"github.com/example/eventstream-ingest/internal/metrics"
)

const (
	filePrefix = "spill_"
	fileSuffix = ".ndjson"
)

// Record is one spilled queue message.
type Record struct {
	ID        string    `json:"id"`
	Payload   []byte    `json:"payload"`
	Source    string    `json:"source,omitempty"`
	SpilledAt time.Time `json:"spilled_at"`
}

// Writer appends records to NDJSON files named by ULID, so lexical order is
// write order. A file is sealed when it reaches RotateMB or when the replayer
// asks for it.
type Writer struct {
	cfg    ingestcfg.SpillConfig
	events *logging.EventLogger

	mu   sync.Mutex
	f    *os.File
	buf  *bufio.Writer
	path string
	size int64
}

func NewWriter(cfg ingestcfg.SpillConfig) (*Writer, error) {
	if strings.TrimSpace(cfg.Directory) == "" {
		cfg.Directory = "./spill"
	}
	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, err
	}
	return &Writer{cfg: cfg, events: logging.NewEventLogger()}, nil
}

func (w *Writer) Dir() string { return w.cfg.Directory }

func (w *Writer) open() error {
	name := filePrefix + ulid.Make().String() + fileSuffix
	path := filepath.Join(w.cfg.Directory, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	w.f, w.buf, w.path, w.size = f, bufio.NewWriterSize(f, 64<<10), path, 0
	updateFilesGauge(w.cfg.Directory)
	return nil
}

func (w *Writer) sealLocked() error {
	if w.f == nil {
		return nil
	}
	err := w.buf.Flush()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	w.f, w.buf, w.path = nil, nil, ""
	return err
}

// Seal closes the active file so it becomes eligible for replay.
func (w *Writer) Seal() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sealLocked()
}

// Write appends one record and flushes it to the file.
func (w *Writer) Write(rec Record) error {
	if rec.SpilledAt.IsZero() {
		rec.SpilledAt = time.Now().UTC()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f != nil && w.cfg.RotateMB > 0 && w.size+int64(len(b)+1) > int64(w.cfg.RotateMB)<<20 {
		if err := w.sealLocked(); err != nil {
			return err
		}
	}
	if w.f == nil {
		if err := w.open(); err != nil {
			w.events.Infra("write", "spill", "failed", fmt.Sprintf("open spill file: %v", err))
			return err
		}
	}
	if _, err := w.buf.Write(append(b, '\n')); err != nil {
		return err
	}
	if err := w.buf.Flush(); err != nil {
		w.events.Infra("write", "spill", "failed", fmt.Sprintf("file=%s error=%v", filepath.Base(w.path), err))
		return err
	}
	w.size += int64(len(b) + 1)
	metrics.SpillWriteTotal.Inc()
	metrics.SpillBytesTotal.Add(float64(len(b) + 1))
	w.events.Infra("write", "spill", "success", fmt.Sprintf("file=%s id=%s", filepath.Base(w.path), rec.ID))
	return nil
}

func (w *Writer) Close() error {
	return w.Seal()
}

func isSpillFile(name string) bool {
	return strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix)
}

func updateFilesGauge(dir string) {
	var n int64
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if isSpillFile(d.Name()) {
			n++
		}
		return nil
	})
	metrics.SpillFilesGauge.Set(float64(n))
}
