// Точка входа Reload Coordinator — координатора автоперезагрузки страниц
// между несколькими клиентами одного сайта.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/goartstore/reload-coordinator/api"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/api/handlers"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/api/middleware"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/config"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/navigator"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/scheduler"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/server"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/service"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/settings"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/signals"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/store"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/store/bolt"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/store/memory"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/store/postgres"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/store/redis"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/tab"
)

// jwksClientTimeout — таймаут HTTP-клиента JWKS.
const jwksClientTimeout = 10 * time.Second

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("Reload Coordinator запускается",
		slog.String("version", config.Version),
		slog.String("site", cfg.SiteOrigin.String()),
		slog.String("canonical", cfg.CanonicalURL()),
		slog.Int("contexts", cfg.Contexts),
		slog.String("client", cfg.ClientName),
		slog.String("store", cfg.StoreBackend),
		slog.Int("port", cfg.Port),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Reload Coordinator завершился с ошибкой", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Reload Coordinator остановлен")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Инициализация компонентов ---

	// 1. Начальные настройки: переменные окружения + файл
	seed, err := cfg.SeedSettings()
	if err != nil {
		return fmt.Errorf("начальные настройки: %w", err)
	}

	// 2. Общее хранилище
	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("хранилище %s: %w", cfg.StoreBackend, err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Warn("Ошибка закрытия хранилища", slog.String("error", err.Error()))
		}
	}()
	logger.Info("Хранилище открыто", slog.String("backend", backend.Name()))

	// 3. HTTP-клиенты сайта
	probeClient, err := newSiteClient(cfg, cfg.ProbeInterval)
	if err != nil {
		return err
	}
	navClient, err := newSiteClient(cfg, cfg.NavigateTimeout)
	if err != nil {
		return err
	}

	// 4. Сигналы окружения: сеть считается недоступной до первой проверки
	sig := signals.New(false, nil)
	prober := signals.NewProber(sig, probeClient, cfg.ProbeURL, cfg.ProbeInterval, logger)
	prober.Start(ctx)
	defer prober.Stop()

	// 5. Пауза и отключение автоперезагрузки (общие для всех слотов)
	control := scheduler.NewControl(cfg.PauseTimeout, nil, logger)
	defer control.Close()

	// 6. Пул контекстов
	history := tab.NewHistory(tab.DefaultHistorySize)
	pool := tab.NewPool(cfg.Contexts, tab.Config{
		ClientName:        cfg.ClientName,
		Origin:            cfg.SiteOrigin,
		CanonicalURL:      cfg.CanonicalURL(),
		HeartbeatInterval: cfg.HeartbeatInterval,
		ActivityCooldown:  cfg.ActivityCooldown,
		Defaults:          seed,
	}, tab.Deps{
		Backend:   backend,
		Signals:   sig,
		Control:   control,
		Navigator: navigator.NewHTTPNavigator(navClient, cfg.UserAgent, logger),
		Notifier:  tab.NewLogNotifier(logger),
		History:   history,
	}, logger)

	// 7. Клиент хранилища API: настройки и счётчик
	apiStore, err := backend.Open("api-" + uuid.NewString())
	if err != nil {
		return fmt.Errorf("клиент хранилища API: %w", err)
	}
	defer func() { _ = apiStore.Close() }()

	provider := settings.NewProvider(apiStore, seed, logger)
	if _, err := provider.Load(ctx); err != nil {
		logger.Warn("Ошибка загрузки настроек", slog.String("error", err.Error()))
	}
	go func() {
		if err := provider.Watch(ctx); err != nil {
			logger.Warn("Отслеживание настроек API недоступно", slog.String("error", err.Error()))
		}
	}()

	// 8. topologymetrics: доступность сайта
	dephealthSvc := startDephealth(ctx, cfg, logger)
	if dephealthSvc != nil {
		defer dephealthSvc.Stop()
	}

	// 9. HTTP API
	var site handlers.SiteHealthChecker
	if dephealthSvc != nil {
		site = dephealthSvc
	}
	apiHandler := handlers.NewAPIHandler(
		handlers.NewHealthHandler(config.Version, backend.Name(), apiStore, pool, site),
		handlers.NewStatusHandler(cfg.ClientName, backend.Name(), config.Version, pool, sig, control, apiStore, logger),
		handlers.NewControlHandler(sig, control, provider, logger),
		handlers.NewSettingsHandler(provider, logger),
		handlers.NewReloadsHandler(history),
		server.NewMetricsHandler(),
	)

	doc, err := api.Load(ctx)
	if err != nil {
		return err
	}
	validator, err := middleware.OpenAPIValidator(doc, logger)
	if err != nil {
		return err
	}
	opts := server.Options{Validator: validator}

	if cfg.AuthEnabled() {
		jwksClient, err := newSiteClient(cfg, jwksClientTimeout)
		if err != nil {
			return fmt.Errorf("HTTP-клиент JWKS: %w", err)
		}
		jwtAuth, err := middleware.NewJWTAuth(middleware.JWTAuthConfig{
			JWKSURL:         cfg.JWKSUrl,
			HTTPClient:      jwksClient,
			RefreshInterval: cfg.JWKSRefreshInterval,
			Leeway:          cfg.JWTLeeway,
		}, logger)
		if err != nil {
			return fmt.Errorf("JWT аутентификация: %w", err)
		}
		opts.JWTAuth = jwtAuth
		logger.Info("JWT аутентификация настроена", slog.String("jwks_url", cfg.JWKSUrl))
	} else {
		logger.Warn("RC_JWKS_URL не задан, API управления работает без аутентификации")
	}

	srv := server.New(cfg, logger, apiHandler, opts)

	// --- Запуск ---

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pool.Run(gctx)
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})

	err = g.Wait()
	logger.Info("Остановка фоновых процессов...")
	return err
}

// openBackend открывает общее хранилище по RC_STORE_BACKEND.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Backend, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		logger.Warn("Хранилище memory: координация только внутри процесса")
		return memory.New(), nil
	case config.BackendBolt:
		b, err := bolt.Open(cfg.BoltPath, cfg.BoltPollInterval, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BackendRedis:
		b, err := redis.Open(ctx, cfg.RedisURL, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BackendPostgres:
		b, err := postgres.Open(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, errors.New("неизвестный бэкенд")
	}
}

// startDephealth запускает topologymetrics. Ошибка не останавливает
// процесс: координатор работает и без мониторинга зависимостей.
func startDephealth(ctx context.Context, cfg *config.Config, logger *slog.Logger) *service.DephealthService {
	name := cfg.DephealthName
	if name == "" {
		hostname, _ := os.Hostname()
		name = parseOwnerName(hostname)
	}

	svc, err := service.NewDephealthService(
		name,
		cfg.DephealthGroup,
		cfg.DephealthDepName,
		cfg.SiteOrigin.String(),
		cfg.DephealthCheckInterval,
		cfg.TLSSkipVerify,
		logger,
	)
	if err != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if err := svc.Start(ctx); err != nil {
		logger.Warn("Ошибка запуска topologymetrics",
			slog.String("error", err.Error()),
		)
		return nil
	}

	logger.Info("topologymetrics запущен",
		slog.String("name", name),
		slog.String("site", cfg.SiteOrigin.String()),
		slog.String("check_interval", cfg.DephealthCheckInterval.String()),
	)
	return svc
}
