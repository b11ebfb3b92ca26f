package api

import (
	"context"
	"testing"
)

// TestLoad — встроенный контракт корректен и содержит все пути API.
func TestLoad(t *testing.T) {
	doc, err := Load(context.Background())
	if err != nil {
		t.Fatalf("Ошибка загрузки контракта: %v", err)
	}

	for _, path := range []string{
		"/health/live", "/health/ready", "/metrics",
		"/api/v1/status", "/api/v1/activity", "/api/v1/connectivity",
		"/api/v1/scheduler/pause", "/api/v1/scheduler/resume", "/api/v1/scheduler/auto-reload",
		"/api/v1/settings", "/api/v1/reloads",
	} {
		if doc.Paths.Find(path) == nil {
			t.Errorf("Путь %s отсутствует в контракте", path)
		}
	}
}
