//go:build integration

// Package itutil starts the containers and processes integration tests share.
package itutil

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	psqlmod "github.com/testcontainers/testcontainers-go/modules/postgres"
	redismod "github.com/testcontainers/testcontainers-go/modules/redis"
	yaml "gopkg.in/yaml.v3"

	"github.com/example/eventstream-ingest/internal/ingestcfg"
	"github.com/example/eventstream-ingest/internal/kernel"
)

// RequireIT skips the test unless RUN_IT is set.
func RequireIT(t *testing.T) {
	t.Helper()
	if os.Getenv("RUN_IT") == "" {
		t.Skip("integration test; set RUN_IT=1 to run")
	}
}

// StartPostgres launches a Postgres container and returns its DSN. The
// container is terminated when the test ends.
func StartPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	pg, err := psqlmod.Run(ctx, "postgres:16-alpine",
		psqlmod.WithDatabase("testdb"),
		psqlmod.WithUsername("test"),
		psqlmod.WithPassword("test"),
		psqlmod.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, pg)
	if err != nil {
		t.Fatalf("pg up: %v", err)
	}
	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pg dsn: %v", err)
	}
	WaitPostgresReady(t, dsn, 15*time.Second)
	return dsn
}

// StartRedis launches a Redis container and returns its address.
func StartRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	r, err := redismod.Run(ctx, "redis:7-alpine")
	testcontainers.CleanupContainer(t, r)
	if err != nil {
		t.Fatalf("redis up: %v", err)
	}
	host, err := r.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := r.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	return fmt.Sprintf("%s:%s", host, port.Port())
}

// FreePort finds a free TCP port on localhost.
func FreePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen :0: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// WriteConfig writes cfg as YAML to a temp file and returns its path.
func WriteConfig(t *testing.T, cfg ingestcfg.Config) string {
	t.Helper()
	b, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal cfg: %v", err)
	}
	p := filepath.Join(t.TempDir(), "ingest.yaml")
	if err := os.WriteFile(p, b, 0o644); err != nil {
		t.Fatalf("write cfg: %v", err)
	}
	return p
}

// StartKernel runs the daemon from cfg until the test ends and waits for
// /readyz.
func StartKernel(t *testing.T, cfg ingestcfg.Config) {
	t.Helper()
	k, err := kernel.NewKernel(WriteConfig(t, cfg))
	if err != nil {
		t.Fatalf("kernel new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := k.Start(ctx); err != nil {
			t.Logf("kernel stopped: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	WaitHTTPReady(t, "http://"+cfg.Server.Listen+"/readyz", 15*time.Second)
}

// WaitHTTPReady polls url until it returns 200.
func WaitHTTPReady(t *testing.T, url string, deadline time.Duration) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("ready timeout for %s", url)
}

// WaitStreamLen waits until the stream has at least want entries.
func WaitStreamLen(t *testing.T, r *redis.Client, stream string, want int64, deadline time.Duration) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		l, _ := r.XLen(context.Background(), stream).Result()
		if l >= want {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("stream %s did not reach len %d", stream, want)
}

// WaitFor polls fn until it reports true.
func WaitFor(t *testing.T, deadline time.Duration, what string, fn func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if fn() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// WaitPostgresReady connects and runs a trivial query until it succeeds.
func WaitPostgresReady(t *testing.T, dsn string, deadline time.Duration) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		pool, err := pgxpool.New(context.Background(), dsn)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			var one int
			e := pool.QueryRow(ctx, "SELECT 1").Scan(&one)
			cancel()
			pool.Close()
			if e == nil && one == 1 {
				return
			}
		}
		time.Sleep(150 * time.Millisecond)
	}
	t.Fatalf("postgres not ready: %s", dsn)
}
