package middleware

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/bigkaa/goartstore/reload-coordinator/api"
)

// testKeyID — идентификатор ключа для тестов.
const testKeyID = "test-key"

// generateTestKey генерирует RSA ключ для тестов.
func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("генерация ключа: %v", err)
	}
	return key
}

// generateTestToken генерирует JWT токен для тестов.
func generateTestToken(t *testing.T, key *rsa.PrivateKey, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("подпись токена: %v", err)
	}
	return signed
}

// buildJWKSetJSON строит JWKS JSON из RSA публичного ключа.
func buildJWKSetJSON(pub *rsa.PublicKey, kid string) json.RawMessage {
	jwks := map[string]any{
		"keys": []map[string]any{
			{
				"kty": "RSA",
				"kid": kid,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			},
		},
	}

	data, _ := json.Marshal(jwks)
	return data
}

// newTestJWTAuth создаёт JWTAuth с RSA ключом для тестов.
func newTestJWTAuth(t *testing.T, key *rsa.PrivateKey) *JWTAuth {
	t.Helper()
	kf, err := keyfunc.NewJWKSetJSON(buildJWKSetJSON(&key.PublicKey, testKeyID))
	if err != nil {
		t.Fatalf("создание keyfunc из JWKS JSON: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewJWTAuthWithKeyfunc(kf, 0, logger)
}

func validClaims(subject string, scopes ...string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		ScopeList: scopes,
	}
}

// TestJWTAuth_Authenticate проверяет разбор заголовка Authorization и токена.
func TestJWTAuth_Authenticate(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestJWTAuth(t, key)

	expired := validClaims("kiosk", ScopeActivity)
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	otherKey := generateTestKey(t)

	tests := []struct {
		name    string
		header  string
		wantErr error
	}{
		{"валидный токен", "Bearer " + generateTestToken(t, key, validClaims("kiosk", ScopeActivity)), nil},
		{"схема в нижнем регистре", "bearer " + generateTestToken(t, key, validClaims("kiosk")), nil},
		{"без заголовка", "", errNoToken},
		{"неверная схема", "Basic dXNlcjpwYXNz", errBadScheme},
		{"пустой токен", "Bearer ", errBadScheme},
		{"просроченный токен", "Bearer " + generateTestToken(t, key, expired), errInvalidToken},
		{"чужой ключ", "Bearer " + generateTestToken(t, otherKey, validClaims("kiosk")), errInvalidToken},
		{"мусор вместо токена", "Bearer not-a-jwt", errInvalidToken},
		{"без sub", "Bearer " + generateTestToken(t, key, validClaims("")), errNoSubject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/activity", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			p, err := auth.Authenticate(req)
			if err != tt.wantErr {
				t.Fatalf("ожидалась ошибка %v, получена %v", tt.wantErr, err)
			}
			if err == nil && p.Subject != "kiosk" {
				t.Errorf("ожидался subject kiosk, получен %q", p.Subject)
			}
		})
	}
}

// TestClaims_Principal проверяет извлечение scope и имени клиента.
func TestClaims_Principal(t *testing.T) {
	tests := []struct {
		name       string
		claims     Claims
		wantClient string
		wantScopes []string
	}{
		{
			name:       "scope строкой и списком",
			claims:     Claims{Scope: "openid " + ScopeActivity, ScopeList: []string{ScopeSettings}},
			wantScopes: []string{"openid", ScopeActivity, ScopeSettings},
		},
		{
			name:       "client_name важнее azp",
			claims:     Claims{ClientName: "kiosk-7", AuthorizedParty: "kiosk-app"},
			wantClient: "kiosk-7",
		},
		{
			name:       "azp без client_name",
			claims:     Claims{AuthorizedParty: "kiosk-app"},
			wantClient: "kiosk-app",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.claims.principal("sub-1")
			if p.Subject != "sub-1" {
				t.Errorf("ожидался subject sub-1, получен %q", p.Subject)
			}
			if p.Client != tt.wantClient {
				t.Errorf("ожидался клиент %q, получен %q", tt.wantClient, p.Client)
			}
			if !slices.Equal(p.Scopes, tt.wantScopes) {
				t.Errorf("ожидались scope %v, получены %v", tt.wantScopes, p.Scopes)
			}
		})
	}
}

// TestRouteScopes_Required проверяет поиск маршрута в политике.
func TestRouteScopes_Required(t *testing.T) {
	policy := DefaultRouteScopes()

	tests := []struct {
		method, path string
		want         []string
		wantOK       bool
	}{
		{http.MethodPost, "/api/v1/activity", []string{ScopeActivity, ScopeControl}, true},
		{http.MethodPost, "/api/v1/scheduler/pause/", []string{ScopeControl}, true},
		{http.MethodPatch, "/api/v1/settings", []string{ScopeSettings}, true},
		{http.MethodGet, "/api/v1/settings", nil, false},
		{http.MethodGet, "/", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			got, ok := policy.Required(tt.method, tt.path)
			if ok != tt.wantOK || !slices.Equal(got, tt.want) {
				t.Errorf("ожидалось %v/%v, получено %v/%v", tt.want, tt.wantOK, got, ok)
			}
		})
	}
}

// TestJWTAuth_Protect проверяет коды ответа middleware по политике маршрутов.
func TestJWTAuth_Protect(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestJWTAuth(t, key)

	var got Principal
	var gotOK bool
	handler := auth.Protect(DefaultRouteScopes())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, gotOK = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	kiosk := validClaims("kiosk", ScopeActivity)
	kiosk.ClientName = "kiosk-7"

	tests := []struct {
		name       string
		method     string
		path       string
		claims     *Claims
		wantStatus int
		wantClient string
	}{
		{"чтение открыто", http.MethodGet, "/api/v1/settings", nil, http.StatusOK, ""},
		{"без токена", http.MethodPost, "/api/v1/activity", nil, http.StatusUnauthorized, ""},
		{"активность киоска", http.MethodPost, "/api/v1/activity", &kiosk, http.StatusOK, "kiosk-7"},
		{"киоск не ставит паузу", http.MethodPost, "/api/v1/scheduler/pause", &kiosk, http.StatusForbidden, ""},
		{"киоск не меняет настройки", http.MethodPatch, "/api/v1/settings", &kiosk, http.StatusForbidden, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, gotOK = Principal{}, false
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.claims != nil {
				req.Header.Set("Authorization", "Bearer "+generateTestToken(t, key, *tt.claims))
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("ожидался статус %d, получен %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				if gotOK {
					t.Error("обработчик не должен вызываться")
				}
				return
			}
			if tt.claims == nil {
				if gotOK {
					t.Error("на открытом маршруте Principal не устанавливается")
				}
				return
			}
			if !gotOK || got.Client != tt.wantClient || got.Subject != "kiosk" {
				t.Errorf("ожидался Principal kiosk/%s, получен %+v (ok=%v)", tt.wantClient, got, gotOK)
			}
		})
	}
}

// TestDefaultRouteScopes_MatchContract проверяет, что политика покрывает
// ровно операции контракта с security.
func TestDefaultRouteScopes_MatchContract(t *testing.T) {
	doc, err := api.Load(context.Background())
	if err != nil {
		t.Fatalf("загрузка контракта: %v", err)
	}

	policy := DefaultRouteScopes()
	secured := make(map[string]bool)
	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			if op.Security == nil || len(*op.Security) == 0 {
				continue
			}
			route := strings.ToUpper(method) + " " + path
			secured[route] = true
			if _, ok := policy[route]; !ok {
				t.Errorf("защищённая операция %s отсутствует в политике", route)
			}
		}
	}
	for route := range policy {
		if !secured[route] {
			t.Errorf("маршрут %s из политики не помечен security в контракте", route)
		}
	}
}
