// auth.go — JWT-авторизация изменяющих запросов API управления.
//
// Токены подписаны RS256, ключи берутся из JWKS identity provider.
// Каждый защищённый маршрут требует свой scope (RouteScopes): киоск со
// scope reload:activity может только сообщать об активности, оператор с
// reload:control управляет планировщиком и связью, изменение настроек
// требует reload:settings. Маршруты без записи в политике открыты.
//
// Из токена извлекается Principal: sub и имя клиента (claim client_name,
// иначе azp). Имя клиента сверяется с targetedClients настроек.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/bigkaa/goartstore/reload-coordinator/internal/api/errors"
)

const (
	// ScopeActivity — сообщение об активности пользователя киоска.
	ScopeActivity = "reload:activity"
	// ScopeControl — пауза, автоперезагрузка, состояние связи.
	ScopeControl = "reload:control"
	// ScopeSettings — изменение общих настроек.
	ScopeSettings = "reload:settings"
)

var (
	errNoToken      = errors.New("отсутствует заголовок Authorization")
	errBadScheme    = errors.New("неверный формат Authorization: ожидается Bearer <token>")
	errInvalidToken = errors.New("невалидный или просроченный токен")
	errNoSubject    = errors.New("отсутствует sub в токене")
)

// RouteScopes — политика доступа: "МЕТОД /путь" → допустимые scope
// (достаточно любого).
type RouteScopes map[string][]string

// DefaultRouteScopes возвращает политику API управления.
func DefaultRouteScopes() RouteScopes {
	return RouteScopes{
		"POST /api/v1/activity":             {ScopeActivity, ScopeControl},
		"PUT /api/v1/connectivity":          {ScopeControl},
		"POST /api/v1/scheduler/pause":      {ScopeControl},
		"POST /api/v1/scheduler/resume":     {ScopeControl},
		"PUT /api/v1/scheduler/auto-reload": {ScopeControl},
		"PATCH /api/v1/settings":            {ScopeSettings},
	}
}

// Required возвращает scope, допустимые для запроса; ok == false — маршрут открыт.
func (rs RouteScopes) Required(method, path string) ([]string, bool) {
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	scopes, ok := rs[method+" "+path]
	return scopes, ok
}

// Principal — вызывающая сторона, подтверждённая токеном.
type Principal struct {
	Subject string
	// Client — имя клиента, от имени которого действует токен.
	Client string
	Scopes []string
}

// HasAny сообщает, есть ли у вызывающей стороны хотя бы один из scope.
func (p Principal) HasAny(scopes []string) bool {
	for _, s := range scopes {
		if slices.Contains(p.Scopes, s) {
			return true
		}
	}
	return false
}

type principalKey struct{}

// WithPrincipal помещает вызывающую сторону в контекст.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext извлекает вызывающую сторону; ok == false для
// открытых маршрутов и при отключённой аутентификации.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Claims — claims токена API управления. Scope принимаются в двух
// форматах: OAuth2 "scope" (строка через пробел) и "scopes" (массив).
type Claims struct {
	jwt.RegisteredClaims
	Scope           string   `json:"scope,omitempty"`
	ScopeList       []string `json:"scopes,omitempty"`
	ClientName      string   `json:"client_name,omitempty"`
	AuthorizedParty string   `json:"azp,omitempty"`
}

func (c *Claims) principal(subject string) Principal {
	scopes := strings.Fields(c.Scope)
	scopes = append(scopes, c.ScopeList...)

	client := c.ClientName
	if client == "" {
		client = c.AuthorizedParty
	}
	return Principal{Subject: subject, Client: client, Scopes: scopes}
}

// JWTAuth — проверка токенов по JWKS.
type JWTAuth struct {
	jwks   keyfunc.Keyfunc
	leeway time.Duration
	logger *slog.Logger
}

// JWTAuthConfig — параметры JWTAuth.
type JWTAuthConfig struct {
	JWKSURL string
	// HTTPClient — клиент загрузки JWKS (TLS и таймаут настраивает вызывающий).
	HTTPClient      *http.Client
	RefreshInterval time.Duration
	// Leeway — допустимое расхождение часов при проверке exp/nbf.
	Leeway time.Duration
}

// NewJWTAuth создаёт проверку токенов с периодически обновляемым JWKS.
// Недоступность JWKS при старте не является ошибкой: ключи будут
// загружены при следующем обновлении.
func NewJWTAuth(cfg JWTAuthConfig, logger *slog.Logger) (*JWTAuth, error) {
	storage, err := jwkset.NewStorageFromHTTP(cfg.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    cfg.HTTPClient,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           cfg.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", cfg.JWKSURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}
	return NewJWTAuthWithKeyfunc(k, cfg.Leeway, logger), nil
}

// NewJWTAuthWithKeyfunc создаёт проверку токенов с готовой keyfunc
// (статический JWKS в тестах).
func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, leeway time.Duration, logger *slog.Logger) *JWTAuth {
	return &JWTAuth{
		jwks:   kf,
		leeway: leeway,
		logger: logger.With(slog.String("component", "jwt_auth")),
	}
}

// Authenticate проверяет Bearer-токен запроса и возвращает вызывающую сторону.
func (j *JWTAuth) Authenticate(r *http.Request) (Principal, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return Principal{}, errNoToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return Principal{}, errBadScheme
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, j.jwks.KeyfuncCtx(r.Context()),
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(j.leeway),
	)
	if err != nil || !parsed.Valid {
		if err != nil {
			j.logger.Debug("JWT валидация не пройдена",
				slog.String("error", err.Error()),
				slog.String("remote_addr", r.RemoteAddr),
			)
		}
		return Principal{}, errInvalidToken
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return Principal{}, errNoSubject
	}
	return claims.principal(subject), nil
}

// Protect возвращает middleware, требующее для маршрутов из policy токен
// с одним из допустимых scope. Без токена — 401, без scope — 403.
func (j *JWTAuth) Protect(policy RouteScopes) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			required, ok := policy.Required(r.Method, r.URL.Path)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			p, err := j.Authenticate(r)
			if err != nil {
				apierrors.Unauthorized(w, err.Error())
				return
			}
			if !p.HasAny(required) {
				j.logger.Warn("Недостаточно прав",
					slog.String("subject", p.Subject),
					slog.String("client", p.Client),
					slog.String("route", r.Method+" "+r.URL.Path),
				)
				apierrors.Forbidden(w, "Недостаточно прав: требуется scope "+strings.Join(required, " или "))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
