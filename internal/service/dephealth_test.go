package service

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewDephealthService_ValidURL(t *testing.T) {
	// Создаём mock HTTP-сервер сайта
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`<html></html>`))
	}))
	defer mockServer.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	// Используем изолированный Prometheus registry для тестов
	reg := prometheus.NewRegistry()

	ds, err := NewDephealthServiceWithRegisterer(
		"test-rc-01",
		"reload-coordinator",
		"site",
		mockServer.URL,
		5*time.Second,
		false,
		logger,
		reg,
	)

	if err != nil {
		t.Fatalf("Ошибка создания DephealthService: %v", err)
	}
	if ds == nil {
		t.Fatal("DephealthService nil")
	}
}

func TestDephealthService_StartStop(t *testing.T) {
	// Создаём mock HTTP-сервер сайта
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`<html></html>`))
	}))
	defer mockServer.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	reg := prometheus.NewRegistry()

	ds, err := NewDephealthServiceWithRegisterer(
		"test-rc-02",
		"reload-coordinator",
		"site",
		mockServer.URL,
		1*time.Second,
		false,
		logger,
		reg,
	)
	if err != nil {
		t.Fatalf("Ошибка создания DephealthService: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start не должен блокировать
	if err := ds.Start(ctx); err != nil {
		t.Fatalf("Ошибка запуска: %v", err)
	}

	// Даём время на первую проверку (интервал 1s + запас)
	time.Sleep(3 * time.Second)

	// Health возвращает map с ключами формата "dependency:host:port"
	health := ds.Health()
	if health == nil {
		t.Fatal("Health() вернул nil")
	}

	// Ищем запись, содержащую "site"
	found := false
	for key, val := range health {
		if strings.HasPrefix(key, "site:") {
			found = true
			if !val {
				t.Errorf("site health = false для ключа %q, ожидалось true", key)
			}
			break
		}
	}
	if !found {
		t.Errorf("Нет записи для site в Health(), keys=%v", healthKeys(health))
	}

	if healthy, known := ds.SiteHealthy(); !known || !healthy {
		t.Errorf("SiteHealthy() = %v, %v, ожидалось true, true", healthy, known)
	}

	// Stop не должен паниковать
	ds.Stop()
}

func TestDephealthService_UnhealthyDependency(t *testing.T) {
	// Сервер, который возвращает 500
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer mockServer.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	reg := prometheus.NewRegistry()

	ds, err := NewDephealthServiceWithRegisterer(
		"test-rc-03",
		"reload-coordinator",
		"site",
		mockServer.URL,
		1*time.Second,
		false,
		logger,
		reg,
	)
	if err != nil {
		t.Fatalf("Ошибка создания DephealthService: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ds.Start(ctx); err != nil {
		t.Fatalf("Ошибка запуска: %v", err)
	}

	// Даём время на первую проверку
	time.Sleep(3 * time.Second)

	health := ds.Health()

	// Ищем запись site
	found := false
	for key, val := range health {
		if strings.HasPrefix(key, "site:") {
			found = true
			if val {
				t.Errorf("site health = true для ключа %q, ожидалось false (сервер 500)", key)
			}
			break
		}
	}
	if !found {
		t.Errorf("Нет записи для site в Health(), keys=%v", healthKeys(health))
	}

	ds.Stop()
}

// healthKeys возвращает ключи карты health для вывода в сообщениях об ошибках.
func healthKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
