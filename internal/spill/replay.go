package spill

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/example/eventstream-ingest/internal/logging"
	"github.com/example/eventstream-ingest/internal/metrics"
)

// Handler re-runs one spilled record. A non-nil error keeps the record for
// the next pass.
type Handler func(ctx context.Context, rec Record) error

// Replayer periodically feeds sealed spill files back through a Handler.
type Replayer struct {
	w        *Writer
	handle   Handler
	interval time.Duration
	events   *logging.EventLogger
}

func NewReplayer(w *Writer, interval time.Duration, handle Handler) *Replayer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Replayer{w: w, handle: handle, interval: interval, events: logging.NewEventLogger()}
}

// Run replays until ctx is done.
func (r *Replayer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ReplayOnce(ctx); err != nil {
				logging.Warn("spill_replay_error", logging.Err(err))
			}
		}
	}
}

// ReplayOnce seals the active file and replays every spill file in write
// order. It returns the number of records that were handled successfully.
func (r *Replayer) ReplayOnce(ctx context.Context) (int, error) {
	if err := r.w.Seal(); err != nil {
		return 0, err
	}
	dir := r.w.Dir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && isSpillFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	total := 0
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		n, err := r.replayFile(ctx, filepath.Join(dir, name))
		total += n
		if err != nil {
			r.events.Infra("read", "spill", "failed", fmt.Sprintf("file=%s error=%v", name, err))
		}
	}
	updateFilesGauge(dir)
	return total, nil
}

// replayFile handles each line; the file is removed when all succeed and
// rewritten with the remaining lines otherwise. Lines that do not parse are
// dropped.
func (r *Replayer) replayFile(ctx context.Context, path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var keep [][]byte
	done := 0
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 1<<20), 8<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			logging.Warn("spill_line_invalid", logging.F("file", filepath.Base(path)), logging.Err(err))
			continue
		}
		if ctx.Err() != nil {
			keep = append(keep, append([]byte(nil), line...))
			continue
		}
		if err := r.handle(ctx, rec); err != nil {
			keep = append(keep, append([]byte(nil), line...))
			continue
		}
		done++
		metrics.SpillReplayTotal.Inc()
	}
	if err := sc.Err(); err != nil {
		return done, err
	}
	if len(keep) == 0 {
		if err := os.Remove(path); err != nil {
			return done, err
		}
		if done > 0 {
			r.events.Infra("write", "spill", "success", fmt.Sprintf("replayed file=%s records=%d", filepath.Base(path), done))
		}
		return done, nil
	}
	if done == 0 {
		return 0, nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(bytes.Join(keep, []byte{'\n'}), '\n'), 0o640); err != nil {
		return done, err
	}
	return done, os.Rename(tmp, path)
}
