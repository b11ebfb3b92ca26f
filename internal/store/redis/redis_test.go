package redis

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/goartstore/reload-coordinator/internal/store"
)

// setupTestRedis запускает Redis в Docker-контейнере через testcontainers.
func setupTestRedis(t *testing.T) *Backend {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := tcredis.Run(ctx,
		"docker.io/redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить Redis контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	url, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить адрес Redis: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	b, err := Open(ctx, url, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения к Redis: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	return b
}

// TestRedis_Operations — Get/Set/Remove/Incr на реальном Redis.
func TestRedis_Operations(t *testing.T) {
	b := setupTestRedis(t)
	ctx := context.Background()

	a, _ := b.Open("a")

	if _, err := a.Get(ctx, "k"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Ожидалась ErrNotFound, получена %v", err)
	}
	if err := a.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Ошибка Set: %v", err)
	}
	if got, err := a.Get(ctx, "k"); err != nil || string(got) != "v" {
		t.Errorf("Get вернул %q, %v", got, err)
	}
	if err := a.Remove(ctx, "k"); err != nil {
		t.Fatalf("Ошибка Remove: %v", err)
	}
	if err := a.Remove(ctx, "k"); err != nil {
		t.Errorf("Повторный Remove вернул ошибку: %v", err)
	}

	for want := int64(1); want <= 2; want++ {
		n, err := a.Incr(ctx, store.KeyReloadCount)
		if err != nil {
			t.Fatalf("Ошибка Incr: %v", err)
		}
		if n != want {
			t.Errorf("Ожидалось %d, получено %d", want, n)
		}
	}

	if err := a.Ping(ctx); err != nil {
		t.Errorf("Ошибка Ping: %v", err)
	}
}

// TestRedis_Notifications — уведомления приходят только чужим клиентам.
func TestRedis_Notifications(t *testing.T) {
	b := setupTestRedis(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, _ := b.Open("a")
	c, _ := b.Open("c")

	chA, err := a.Subscribe(ctx, store.KeyLeaderRecord)
	if err != nil {
		t.Fatalf("Ошибка Subscribe: %v", err)
	}
	chC, err := c.Subscribe(ctx, store.KeyLeaderRecord)
	if err != nil {
		t.Fatalf("Ошибка Subscribe: %v", err)
	}

	if err := a.Set(ctx, store.KeyLeaderRecord, []byte("rec")); err != nil {
		t.Fatalf("Ошибка Set: %v", err)
	}

	select {
	case ev := <-chC:
		if string(ev.Value) != "rec" {
			t.Errorf("Ожидалось rec, получено %q", ev.Value)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Уведомление не доставлено")
	}

	select {
	case ev := <-chA:
		t.Errorf("Писатель получил собственное уведомление: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}
