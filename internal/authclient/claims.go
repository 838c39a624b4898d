// claims.go — разбор и проверка access token (JWT) identity-сервиса.
// Без JWKS claims извлекаются без проверки подписи и используются только для логов;
// с JWKS (SW_JWKS_URL) подпись RS256 проверяется через jwkset + keyfunc.
package authclient

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims — claims access token платформы.
type AccessClaims struct {
	jwt.RegisteredClaims
	// Scope — выданные scope через пробел
	Scope string `json:"scope"`
	// TenantID — идентификатор тенанта LMS
	TenantID string `json:"tenantid,omitempty"`
}

// Expiry возвращает время истечения токена (нулевое, если exp отсутствует).
func (c *AccessClaims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// InspectAccessToken извлекает claims из JWT без проверки подписи.
func InspectAccessToken(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("разбор access token: %w", err)
	}
	return claims, nil
}

// Verifier — проверка подписи access token по JWKS identity-сервиса.
type Verifier struct {
	jwks   keyfunc.Keyfunc
	logger *slog.Logger
}

// NewVerifier загружает JWKS по jwksURL. Фонового обновления нет:
// процесс живёт один запуск, набор ключей читается один раз.
func NewVerifier(jwksURL string, timeout time.Duration, logger *slog.Logger) (*Verifier, error) {
	storage, err := jwkset.NewStorageFromHTTP(jwksURL, jwkset.HTTPClientStorageOptions{
		Client: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{
		Storage: storage,
	})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	return &Verifier{
		jwks:   k,
		logger: logger.With(slog.String("component", "jwt_verifier")),
	}, nil
}

// Verify проверяет подпись и срок действия access token.
func (v *Verifier) Verify(ctx context.Context, raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, v.jwks.KeyfuncCtx(ctx),
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("проверка подписи access token: %w", err)
	}

	v.logger.Debug("Подпись access token проверена",
		slog.String("sub", claims.Subject),
	)
	return claims, nil
}
