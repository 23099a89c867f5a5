package logging

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/example/eventstream-ingest/internal/ingestcfg"
)

type Level int32

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

type Field struct {
	Key   string
	Value any
}

func F(key string, value any) Field { return Field{Key: key, Value: value} }

func Err(err error) Field {
	if err == nil {
		return Field{Key: "err", Value: nil}
	}
	return Field{Key: "err", Value: err.Error()}
}

type event struct {
	TS     int64          `json:"ts"`
	Level  string         `json:"level"`
	Msg    string         `json:"msg"`
	Fields map[string]any `json:"fields,omitempty"`
}

var (
	logLevel atomic.Int32
	logCh    atomic.Pointer[chan event]
	dropped  atomic.Int64
)

func parseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Init starts the drain goroutine and returns a stop function that flushes
// buffered lines before returning.
func Init(cfg ingestcfg.LoggingConfig) func() {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 4096
	}
	var w io.Writer = os.Stdout
	var closer io.Closer
	switch cfg.Output {
	case "stderr":
		w = os.Stderr
	case "stdout", "":
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			w, closer = f, f
		}
	}
	ch := make(chan event, cfg.Buffer)
	logLevel.Store(int32(parseLevel(cfg.Level)))
	logCh.Store(&ch)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		drain(ch, stop, w)
	}()
	return func() {
		logCh.CompareAndSwap(&ch, nil)
		close(stop)
		<-done
		if closer != nil {
			_ = closer.Close()
		}
	}
}

func drain(ch <-chan event, stop <-chan struct{}, w io.Writer) {
	flushTicker := time.NewTicker(10 * time.Second)
	defer flushTicker.Stop()
	enc := json.NewEncoder(w)
	reportDropped := func() {
		if n := dropped.Swap(0); n > 0 {
			_ = enc.Encode(event{TS: time.Now().UnixNano(), Level: "warn", Msg: "logs_dropped", Fields: map[string]any{"count": n}})
		}
	}
	for {
		select {
		case ev := <-ch:
			_ = enc.Encode(ev)
		case <-flushTicker.C:
			reportDropped()
		case <-stop:
			for {
				select {
				case ev := <-ch:
					_ = enc.Encode(ev)
				default:
					reportDropped()
					return
				}
			}
		}
	}
}

func allowed(l Level) bool { return l >= Level(logLevel.Load()) }

func log(lvl Level, msg string, fields ...Field) {
	chp := logCh.Load()
	if chp == nil || !allowed(lvl) {
		return
	}
	ev := event{TS: time.Now().UnixNano(), Level: lvl.String(), Msg: msg}
	if len(fields) > 0 {
		ev.Fields = make(map[string]any, len(fields))
		for _, f := range fields {
			ev.Fields[f.Key] = f.Value
		}
	}
	select {
	case *chp <- ev:
	default:
		dropped.Add(1)
	}
}

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "info"
	}
}

func Debug(msg string, fields ...Field) { log(DebugLevel, msg, fields...) }
func Info(msg string, fields ...Field)  { log(InfoLevel, msg, fields...) }
func Warn(msg string, fields ...Field)  { log(WarnLevel, msg, fields...) }
func Error(msg string, fields ...Field) { log(ErrorLevel, msg, fields...) }
