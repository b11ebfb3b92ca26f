// validator.go — проверка входящих запросов по OpenAPI контракту.
// Маршрут ищется роутером kin-openapi; тело, параметры пути и запроса
// проверяются openapi3filter до вызова обработчика. Пути вне контракта
// пропускаются без проверки.
package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"

	apierrors "github.com/bigkaa/goartstore/reload-coordinator/internal/api/errors"
)

// OpenAPIValidator возвращает middleware валидации запросов по doc.
// Аутентификация здесь не проверяется: её выполняет JWT middleware.
func OpenAPIValidator(doc *openapi3.T, logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("создание роутера OpenAPI: %w", err)
	}
	logger = logger.With(slog.String("component", "openapi_validator"))

	options := &openapi3filter.Options{
		AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
		MultiError:         false,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, pathParams, err := router.FindRoute(r)
			if err != nil {
				if isMethodNotAllowed(err) {
					apierrors.MethodNotAllowed(w, fmt.Sprintf("Метод %s не поддерживается для %s", r.Method, r.URL.Path))
					return
				}
				// Маршрут вне контракта: решение за основным роутером
				next.ServeHTTP(w, r)
				return
			}

			input := &openapi3filter.RequestValidationInput{
				Request:    r,
				PathParams: pathParams,
				Route:      route,
				Options:    options,
			}
			if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
				logger.Debug("Запрос не прошёл валидацию",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				apierrors.ValidationError(w, validationMessage(err))
				return
			}

			next.ServeHTTP(w, r)
		})
	}, nil
}

// isMethodNotAllowed распознаёт ошибку роутера «метод не поддерживается».
// Роутер создаёт новый RouteError, поэтому сравнивается текст причины.
func isMethodNotAllowed(err error) bool {
	var routeErr *routers.RouteError
	return errors.As(err, &routeErr) && routeErr.Reason == routers.ErrMethodNotAllowed.Error()
}

// validationMessage формирует краткое описание ошибки валидации.
func validationMessage(err error) string {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		switch {
		case reqErr.Parameter != nil:
			return fmt.Sprintf("Некорректный параметр %q: %v", reqErr.Parameter.Name, reqErr.Err)
		case reqErr.RequestBody != nil:
			return fmt.Sprintf("Некорректное тело запроса: %v", reqErr.Err)
		}
	}
	return err.Error()
}
