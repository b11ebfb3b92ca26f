package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestRequestLogger_Levels проверяет уровень записи в зависимости от статуса.
func TestRequestLogger_Levels(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		status int
		want   string
	}{
		{"успех", "/api/v1/status", http.StatusOK, "level=INFO"},
		{"ошибка клиента", "/api/v1/settings", http.StatusBadRequest, "level=WARN"},
		{"ошибка сервера", "/api/v1/settings", http.StatusServiceUnavailable, "level=ERROR"},
		{"проба", "/health/live", http.StatusOK, "level=DEBUG"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

			handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("ok"))
			}))
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tt.path, nil))

			out := buf.String()
			if !strings.Contains(out, tt.want) {
				t.Errorf("ожидался %s, получено: %s", tt.want, out)
			}
			if !strings.Contains(out, "bytes=2") {
				t.Errorf("ожидался размер ответа 2, получено: %s", out)
			}
			if !strings.Contains(out, "component=http") {
				t.Errorf("ожидался атрибут component, получено: %s", out)
			}
		})
	}
}
