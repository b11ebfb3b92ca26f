// Пакет config — загрузка и валидация конфигурации Reload Coordinator
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bigkaa/goartstore/reload-coordinator/internal/settings"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Бэкенды общего хранилища.
const (
	BackendMemory   = "memory"
	BackendBolt     = "bolt"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// maxContexts — верхняя граница числа слотов в одном процессе.
const maxContexts = 64

// Config содержит все параметры конфигурации Reload Coordinator.
type Config struct {
	// Порт HTTP-сервера управления
	Port int
	// Origin сайта (схема и хост), например https://news.example.org
	SiteOrigin *url.URL
	// Путь канонической страницы относительно origin
	CanonicalPath string
	// Число слотов контекстов в процессе
	Contexts int
	// Имя локального клиента для адресных уведомлений
	ClientName string

	// Бэкенд общего хранилища (memory, bolt, redis, postgres)
	StoreBackend string
	// Путь к файлу bbolt
	BoltPath string
	// Интервал опроса файла bbolt
	BoltPollInterval time.Duration
	// URL Redis (redis://...)
	RedisURL string
	// DSN PostgreSQL
	PostgresDSN string

	// Интервал heartbeat записи leader
	HeartbeatInterval time.Duration
	// Окно недавней активности пользователя
	ActivityCooldown time.Duration
	// Время до автоматического снятия паузы
	PauseTimeout time.Duration

	// Начальные настройки (перекрываются файлом и хранилищем)
	MinDelay        time.Duration
	MaxDelay        time.Duration
	Pages           []string
	TargetedClients []string
	// Путь к JSON-файлу начальных настроек (опционально)
	SettingsFile string

	// URL проверки связности (по умолчанию origin сайта)
	ProbeURL string
	// Интервал проверки связности
	ProbeInterval time.Duration
	// Таймаут перехода на страницу
	NavigateTimeout time.Duration
	// User-Agent запросов к сайту
	UserAgent string

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// Путь к TLS сертификату (опционально, вместе с TLSKey)
	TLSCert string
	// Путь к TLS приватному ключу
	TLSKey string
	// URL JWKS endpoint (пусто — аутентификация отключена)
	JWKSUrl string
	// Путь к CA-сертификату для исходящих TLS-соединений (опционально)
	CACertPath string
	// Пропуск проверки TLS-сертификатов исходящих соединений
	TLSSkipVerify bool
	// Интервал обновления JWKS
	JWKSRefreshInterval time.Duration
	// Допустимое расхождение часов при проверке JWT
	JWTLeeway time.Duration

	// Таймауты HTTP-сервера
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics (RC_DEPHEALTH_GROUP)
	DephealthGroup string
	// Имя зависимости (сайта) в метриках topologymetrics (RC_DEPHEALTH_DEP_NAME)
	DephealthDepName string
	// Имя владельца пода для метки name в topologymetrics (DEPHEALTH_NAME)
	DephealthName string

	// Таймаут graceful shutdown: за это время контексты освобождают запись leader
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}

	// RC_PORT — порт HTTP-сервера (по умолчанию 8020)
	port, err := getEnvInt("RC_PORT", 8020)
	if err != nil {
		return nil, fmt.Errorf("RC_PORT: %w", err)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("RC_PORT: значение %d вне допустимого диапазона 1-65535", port)
	}
	cfg.Port = port

	// RC_SITE_ORIGIN — обязательный
	origin, err := getEnvRequired("RC_SITE_ORIGIN")
	if err != nil {
		return nil, err
	}
	cfg.SiteOrigin, err = parseOrigin(origin)
	if err != nil {
		return nil, fmt.Errorf("RC_SITE_ORIGIN: %w", err)
	}

	// RC_CANONICAL_PATH — путь канонической страницы (по умолчанию "/")
	cfg.CanonicalPath = getEnvDefault("RC_CANONICAL_PATH", "/")
	if !strings.HasPrefix(cfg.CanonicalPath, "/") {
		return nil, fmt.Errorf("RC_CANONICAL_PATH: путь должен начинаться с '/', получено %q", cfg.CanonicalPath)
	}

	// RC_CONTEXTS — число слотов (по умолчанию 1)
	cfg.Contexts, err = getEnvInt("RC_CONTEXTS", 1)
	if err != nil {
		return nil, fmt.Errorf("RC_CONTEXTS: %w", err)
	}
	if cfg.Contexts < 1 || cfg.Contexts > maxContexts {
		return nil, fmt.Errorf("RC_CONTEXTS: значение %d вне допустимого диапазона 1-%d", cfg.Contexts, maxContexts)
	}

	// RC_CLIENT_NAME — имя клиента (по умолчанию имя хоста)
	hostname, _ := os.Hostname()
	cfg.ClientName = getEnvDefault("RC_CLIENT_NAME", hostname)

	// RC_STORE_BACKEND — бэкенд хранилища (по умолчанию bolt)
	cfg.StoreBackend = getEnvDefault("RC_STORE_BACKEND", BackendBolt)
	switch cfg.StoreBackend {
	case BackendMemory, BackendBolt:
	case BackendRedis:
		if cfg.RedisURL, err = getEnvRequired("RC_REDIS_URL"); err != nil {
			return nil, err
		}
	case BackendPostgres:
		if cfg.PostgresDSN, err = getEnvRequired("RC_POSTGRES_DSN"); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("RC_STORE_BACKEND: недопустимое значение %q, допустимые: memory, bolt, redis, postgres", cfg.StoreBackend)
	}

	// RC_BOLT_PATH — файл bbolt (по умолчанию ./reload-coordinator.db)
	cfg.BoltPath = getEnvDefault("RC_BOLT_PATH", "reload-coordinator.db")

	// RC_BOLT_POLL_INTERVAL — интервал опроса bbolt (по умолчанию 250ms)
	cfg.BoltPollInterval, err = getEnvDurationPositive("RC_BOLT_POLL_INTERVAL", 250*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("RC_BOLT_POLL_INTERVAL: %w", err)
	}

	// RC_HEARTBEAT_INTERVAL — интервал heartbeat (по умолчанию 5s)
	cfg.HeartbeatInterval, err = getEnvDurationPositive("RC_HEARTBEAT_INTERVAL", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RC_HEARTBEAT_INTERVAL: %w", err)
	}

	// RC_ACTIVITY_COOLDOWN — окно активности (по умолчанию 60s)
	cfg.ActivityCooldown, err = getEnvDurationPositive("RC_ACTIVITY_COOLDOWN", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RC_ACTIVITY_COOLDOWN: %w", err)
	}

	// RC_PAUSE_TIMEOUT — автоматическое снятие паузы (по умолчанию 30m)
	cfg.PauseTimeout, err = getEnvDurationPositive("RC_PAUSE_TIMEOUT", 30*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("RC_PAUSE_TIMEOUT: %w", err)
	}

	// RC_MIN_DELAY, RC_MAX_DELAY — границы задержки; min > max исправляется
	// при нормализации настроек, не здесь
	cfg.MinDelay, err = getEnvDurationPositive("RC_MIN_DELAY", settings.DefaultMinDelay)
	if err != nil {
		return nil, fmt.Errorf("RC_MIN_DELAY: %w", err)
	}
	cfg.MaxDelay, err = getEnvDurationPositive("RC_MAX_DELAY", settings.DefaultMaxDelay)
	if err != nil {
		return nil, fmt.Errorf("RC_MAX_DELAY: %w", err)
	}

	// RC_PAGES — кандидаты страниц через запятую
	cfg.Pages = getEnvList("RC_PAGES")

	// RC_TARGETED_CLIENTS — целевые клиенты через запятую
	cfg.TargetedClients = getEnvList("RC_TARGETED_CLIENTS")

	// RC_SETTINGS_FILE — файл начальных настроек (опционально)
	cfg.SettingsFile = getEnvDefault("RC_SETTINGS_FILE", "")

	// RC_CONNECTIVITY_PROBE_URL — по умолчанию origin сайта
	cfg.ProbeURL = getEnvDefault("RC_CONNECTIVITY_PROBE_URL", cfg.SiteOrigin.String())
	if _, err := parseOrigin(cfg.ProbeURL); err != nil {
		return nil, fmt.Errorf("RC_CONNECTIVITY_PROBE_URL: %w", err)
	}

	// RC_CONNECTIVITY_PROBE_INTERVAL — интервал проверки связности (по умолчанию 10s)
	cfg.ProbeInterval, err = getEnvDurationPositive("RC_CONNECTIVITY_PROBE_INTERVAL", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RC_CONNECTIVITY_PROBE_INTERVAL: %w", err)
	}

	// RC_NAVIGATE_TIMEOUT — таймаут перехода (по умолчанию 15s)
	cfg.NavigateTimeout, err = getEnvDurationPositive("RC_NAVIGATE_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RC_NAVIGATE_TIMEOUT: %w", err)
	}

	cfg.UserAgent = getEnvDefault("RC_USER_AGENT", "reload-coordinator/"+Version)

	// RC_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("RC_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("RC_LOG_LEVEL: %w", err)
	}

	// RC_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("RC_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("RC_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// RC_TLS_CERT, RC_TLS_KEY — задаются вместе
	cfg.TLSCert = getEnvDefault("RC_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("RC_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("RC_TLS_CERT и RC_TLS_KEY должны задаваться вместе")
	}

	// RC_JWKS_URL — пусто: аутентификация API отключена
	cfg.JWKSUrl = getEnvDefault("RC_JWKS_URL", "")

	// RC_CA_CERT_PATH — CA-сертификат исходящих соединений (опционально)
	cfg.CACertPath = getEnvDefault("RC_CA_CERT_PATH", "")

	// RC_TLS_SKIP_VERIFY — пропуск проверки сертификатов (по умолчанию false)
	cfg.TLSSkipVerify, err = getEnvBool("RC_TLS_SKIP_VERIFY", false)
	if err != nil {
		return nil, fmt.Errorf("RC_TLS_SKIP_VERIFY: %w", err)
	}

	// RC_JWKS_REFRESH_INTERVAL — обновление JWKS (по умолчанию 15s)
	cfg.JWKSRefreshInterval, err = getEnvDurationPositive("RC_JWKS_REFRESH_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RC_JWKS_REFRESH_INTERVAL: %w", err)
	}

	// RC_JWT_LEEWAY — допуск часов (по умолчанию 5s)
	cfg.JWTLeeway, err = getEnvDuration("RC_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RC_JWT_LEEWAY: %w", err)
	}

	cfg.HTTPReadTimeout, err = getEnvDurationPositive("RC_HTTP_READ_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RC_HTTP_READ_TIMEOUT: %w", err)
	}
	cfg.HTTPWriteTimeout, err = getEnvDurationPositive("RC_HTTP_WRITE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RC_HTTP_WRITE_TIMEOUT: %w", err)
	}
	cfg.HTTPIdleTimeout, err = getEnvDurationPositive("RC_HTTP_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RC_HTTP_IDLE_TIMEOUT: %w", err)
	}

	// RC_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDurationPositive("RC_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RC_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// RC_DEPHEALTH_GROUP — имя группы в метриках topologymetrics (по умолчанию "reload-coordinator")
	cfg.DephealthGroup = getEnvDefault("RC_DEPHEALTH_GROUP", "reload-coordinator")

	// RC_DEPHEALTH_DEP_NAME — имя зависимости в метриках topologymetrics (по умолчанию "site")
	cfg.DephealthDepName = getEnvDefault("RC_DEPHEALTH_DEP_NAME", "site")

	// DEPHEALTH_NAME — имя владельца пода для метки name в topologymetrics
	cfg.DephealthName = getEnvDefault("DEPHEALTH_NAME", "")

	// RC_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDurationPositive("RC_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RC_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// CanonicalURL возвращает абсолютный адрес канонической страницы.
func (c *Config) CanonicalURL() string {
	u := *c.SiteOrigin
	u.Path = c.CanonicalPath
	return u.String()
}

// AuthEnabled сообщает, включена ли JWT-аутентификация API.
func (c *Config) AuthEnabled() bool {
	return c.JWKSUrl != ""
}

// TLSEnabled сообщает, обслуживает ли сервер HTTPS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != ""
}

// SeedSettings собирает начальные настройки: переменные окружения,
// поверх них — файл RC_SETTINGS_FILE.
func (c *Config) SeedSettings() (settings.Settings, error) {
	seed := settings.Normalize(settings.Settings{
		PageCandidates:  append([]string(nil), c.Pages...),
		MinDelay:        c.MinDelay,
		MaxDelay:        c.MaxDelay,
		TargetedClients: append([]string(nil), c.TargetedClients...),
	}, settings.Defaults())

	if c.SettingsFile == "" {
		return seed, nil
	}
	patch, err := settings.LoadFile(c.SettingsFile)
	if err != nil {
		return settings.Settings{}, fmt.Errorf("RC_SETTINGS_FILE: %w", err)
	}
	return settings.Merge(seed, patch, settings.Defaults()), nil
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// parseOrigin проверяет абсолютный http(s) URL и отбрасывает путь.
func parseOrigin(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("некорректный URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("недопустимая схема %q, допустимые: http, https", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("в URL %q не указан хост", raw)
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvList разбирает список через запятую, пропуская пустые элементы.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1m, 30m)", val)
	}
	return d, nil
}

// getEnvDurationPositive — getEnvDuration с проверкой d > 0.
func getEnvDurationPositive(key string, defaultVal time.Duration) (time.Duration, error) {
	d, err := getEnvDuration(key, defaultVal)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("значение должно быть > 0")
	}
	return d, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q (допустимые: true, false, 1, 0)", val)
	}
	return b, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
