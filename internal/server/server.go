// Пакет server — HTTP-сервер управления Reload Coordinator с TLS и graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apierrors "github.com/bigkaa/goartstore/reload-coordinator/internal/api/errors"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/api/handlers"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/api/middleware"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/config"
)

// Server — HTTP-сервер управления.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// Options — необязательные middleware сервера.
type Options struct {
	// JWTAuth — проверка токенов на изменяющих маршрутах (nil — без аутентификации).
	JWTAuth *middleware.JWTAuth
	// Validator — проверка запросов по OpenAPI контракту (nil — без проверки).
	Validator func(http.Handler) http.Handler
}

// New создаёт HTTP-сервер с настроенными маршрутами и middleware.
func New(cfg *config.Config, logger *slog.Logger, handler handlers.ServerInterface, opts Options) *Server {
	router := chi.NewRouter()

	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	// Контракт проверяется до аутентификации: некорректный запрос
	// получает 400 независимо от токена
	if opts.Validator != nil {
		router.Use(opts.Validator)
	}

	// Чтение открыто; изменяющие маршруты требуют токен с нужным scope
	if opts.JWTAuth != nil {
		router.Use(opts.JWTAuth.Protect(middleware.DefaultRouteScopes()))
	}

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apierrors.NotFound(w, "Маршрут не найден: "+r.URL.Path)
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apierrors.MethodNotAllowed(w, fmt.Sprintf("Метод %s не поддерживается для %s", r.Method, r.URL.Path))
	})

	handlers.HandlerFromMux(handler, router)

	srv := &http.Server{
		Addr:         net.JoinHostPort("", strconv.Itoa(cfg.Port)),
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	if cfg.TLSEnabled() {
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "server")),
		cfg:        cfg,
	}
}

// Handler возвращает корневой HTTP handler (для тестов).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// NewMetricsHandler создаёт обработчик Prometheus метрик для /metrics.
func NewMetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Run запускает сервер и блокирует до отмены ctx или ошибки сервера.
// После отмены ctx выполняется graceful shutdown с таймаутом ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
			slog.Bool("tls", s.cfg.TLSEnabled()),
		)

		var err error
		if s.cfg.TLSEnabled() {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
