// Package kernel runs the ingest daemon: it opens the store and queues,
// feeds queue messages through the ingest pipeline with retries, and serves
// health and metrics over HTTP.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/eventstream-ingest/internal/auth"
	"github.com/example/eventstream-ingest/internal/data"
	"github.com/example/eventstream-ingest/internal/ingest"
	"github.com/example/eventstream-ingest/internal/ingestcfg"
	"github.com/example/eventstream-ingest/internal/logging"
	"github.com/example/eventstream-ingest/internal/metrics"
	"github.com/example/eventstream-ingest/internal/spill"
)

type Kernel struct {
	cfg      *ingestcfg.Config
	store    data.Store
	rd       *data.Redis
	nc       *data.NATS
	pipeline *ingest.Pipeline
	breaker  *circuitBreaker
	spill    *spill.Writer
	events   *logging.EventLogger
	consumer string
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option injects a component instead of opening it from config.
type Option func(*Kernel)

func WithStore(s data.Store) Option { return func(k *Kernel) { k.store = s } }

func WithRedis(r *data.Redis) Option { return func(k *Kernel) { k.rd = r } }

func WithNATS(n *data.NATS) Option { return func(k *Kernel) { k.nc = n } }

func NewKernel(configPath string) (*Kernel, error) {
	cfg, err := ingestcfg.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return New(cfg), nil
}

func New(cfg *ingestcfg.Config, opts ...Option) *Kernel {
	k := &Kernel{
		cfg:     cfg,
		breaker: newCircuitBreaker(cfg.Ingest.BreakerFailures, cfg.Ingest.BreakerCooldown()),
		events:  logging.NewEventLogger(),
		sleep:   sleepCtx,
	}
	for _, o := range opts {
		o(k)
	}
	k.consumer = cfg.Redis.ConsumerName
	if k.consumer == "" {
		k.consumer = "ingestd-" + uuid.NewString()
	}
	return k
}

// open connects every component that was not injected and builds the
// pipeline.
func (k *Kernel) open(ctx context.Context) error {
	if k.store == nil {
		if k.cfg.Postgres.Enabled {
			pg, err := data.NewPostgres(ctx, k.cfg.Postgres)
			if err != nil {
				k.events.Infra("connect", "postgres", "failed", err.Error())
				return fmt.Errorf("open postgres: %w", err)
			}
			k.events.Infra("connect", "postgres", "success", "")
			k.store = pg
		} else {
			logging.Warn("store_in_memory", logging.F("reason", "postgres disabled"))
			k.store = data.NewMemory()
		}
	}
	if k.rd == nil && k.cfg.Redis.Enabled {
		rd, err := data.NewRedis(k.cfg.Redis)
		if err != nil {
			return fmt.Errorf("open redis: %w", err)
		}
		k.rd = rd
	}
	if k.nc == nil && k.cfg.NATS.Enabled {
		nc, err := data.NewNATS(k.cfg.NATS)
		if err != nil {
			k.events.Infra("connect", "nats", "failed", err.Error())
			return fmt.Errorf("open nats: %w", err)
		}
		k.events.Infra("connect", "nats", "success", k.cfg.NATS.URL)
		k.nc = nc
	}
	if k.spill == nil && k.cfg.Spill.Enabled {
		w, err := spill.NewWriter(k.cfg.Spill)
		if err != nil {
			return fmt.Errorf("open spill: %w", err)
		}
		k.spill = w
	}
	if k.pipeline == nil {
		var cache ingest.Cache
		if k.rd != nil {
			cache = k.rd
		}
		registry := ingest.NewTransportRegistry(k.store, cache, k.cfg.Ingest.RegistryCacheTTL())
		k.pipeline = ingest.NewPipeline(k.store, registry, auth.NewVerifier(), ingest.Config{
			SigningMode:    k.cfg.Ingest.SigningMode,
			EphemeralTypes: k.cfg.Ingest.EphemeralTypes,
		})
	}
	return nil
}

func (k *Kernel) Start(ctx context.Context) error {
	stopLog := logging.Init(k.cfg.Logging)
	defer stopLog()
	logging.Info("kernel_start", logging.F("listen", k.cfg.Server.Listen), logging.F("config", k.cfg.String()))

	if err := k.open(ctx); err != nil {
		return err
	}
	defer k.close()

	server := &http.Server{Addr: k.cfg.Server.Listen, Handler: k.routes(), ReadHeaderTimeout: 5 * time.Second}

	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	if k.rd != nil {
		if err := k.rd.EnsureGroup(ctx); err != nil {
			return fmt.Errorf("ensure consumer group: %w", err)
		}
		run(k.consumeRedis)
		run(k.claimLoop)
	}
	if k.nc != nil {
		run(k.consumeNATS)
	}
	if k.spill != nil {
		interval := time.Duration(k.cfg.Spill.ReplayIntervalMs) * time.Millisecond
		run(spill.NewReplayer(k.spill, interval, k.replaySpilled).Run)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	err := server.ListenAndServe()
	wg.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logging.Info("kernel_stop")
	return nil
}

func (k *Kernel) close() {
	if k.spill != nil {
		_ = k.spill.Close()
	}
	if k.rd != nil {
		_ = k.rd.Close()
	}
	if k.nc != nil {
		k.nc.Close()
	}
	if k.store != nil {
		_ = k.store.Close()
	}
}

func (k *Kernel) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if k.store == nil || k.store.Ping(ctx) != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("store unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// process runs the pipeline, retrying internal errors with doubling backoff
// while the breaker allows it. Drops are returned as outcomes and never
// retried.
func (k *Kernel) process(ctx context.Context, payload []byte) (ingest.Outcome, error) {
	attempts := k.cfg.Ingest.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := k.cfg.Ingest.RetryBackoff()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if !k.breaker.canExecute() {
			if lastErr == nil {
				return ingest.Outcome{}, ErrBreakerOpen
			}
			return ingest.Outcome{}, fmt.Errorf("%w: %v", ErrBreakerOpen, lastErr)
		}
		out, err := k.pipeline.ProcessRaw(ctx, payload)
		if err == nil {
			k.breaker.onSuccess()
			return out, nil
		}
		k.breaker.onFailure()
		lastErr = err
		if attempt == attempts || ctx.Err() != nil {
			break
		}
		metrics.RetriesTotal.Inc()
		k.events.Infra("retry", "postgres", "failed", fmt.Sprintf("attempt=%d error=%v", attempt, err))
		if err := k.sleep(ctx, backoff); err != nil {
			break
		}
		backoff *= 2
	}
	return ingest.Outcome{}, lastErr
}

// spillPayload keeps a payload that exhausted its retries. It reports
// whether the payload is safe to acknowledge.
func (k *Kernel) spillPayload(id string, payload []byte, source string) bool {
	if k.spill == nil {
		return false
	}
	if err := k.spill.Write(spill.Record{ID: id, Payload: payload, Source: source}); err != nil {
		logging.Error("spill_write_error", logging.F("id", id), logging.Err(err))
		return false
	}
	return true
}

// replaySpilled is the spill replay handler. Drops of replayed Redis
// messages still reach the DLQ.
func (k *Kernel) replaySpilled(ctx context.Context, rec spill.Record) error {
	out, err := k.process(ctx, rec.Payload)
	if err != nil {
		return err
	}
	if out.Dropped() && rec.Source == sourceRedis && k.rd != nil {
		k.toDLQ(ctx, rec.ID, rec.Payload, out.Reason)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
