// Пакет authclient — ротация OAuth2 refresh token через identity-сервис платформы.
// Выполняет refresh_token grant (HTTP Basic auth клиента) и возвращает новую пару
// access/refresh токенов. Повторов нет: ошибка ротации завершает запуск.
package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/bigkaa/section-watcher/internal/domain/model"
)

// TokenPath — путь token endpoint относительно базового URL identity-сервиса.
const TokenPath = "/core/connect/token"

// maxErrorBody — сколько байт тела ошибки включать в сообщение.
const maxErrorBody = 4096

// Ошибки ротации.
var (
	// ErrAuthFailure — ротация отклонена или identity-сервис недоступен.
	ErrAuthFailure = errors.New("ротация refresh token не удалась")
	// ErrAlreadyRotated — попытка повторно использовать уже ротированный refresh token.
	ErrAlreadyRotated = errors.New("refresh token уже использован")
	// ErrTokenUnverified — обмен прошёл, но подпись access token не прошла проверку JWKS.
	// Новый refresh token уже применён к TokenSet и должен быть сохранён.
	ErrTokenUnverified = errors.New("подпись access token не подтверждена")
)

// tokenResponse — ответ token endpoint (RFC 6749, раздел 5.1).
type tokenResponse struct {
	AccessToken  string `json:"access_token"`  //nolint:gosec // G117: JSON-маппинг OAuth2 ответа
	RefreshToken string `json:"refresh_token"` //nolint:gosec // G117: JSON-маппинг OAuth2 ответа
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

// Client — клиент token endpoint identity-сервиса.
type Client struct {
	httpClient *http.Client
	tokenURL   string
	verifier   *Verifier
	logger     *slog.Logger
	now        func() time.Time
}

// New создаёт клиент ротации токенов.
// authService — базовый URL identity-сервиса (например, https://auth.brightspace.com).
// timeout — таймаут HTTP-запроса (0 — без таймаута).
// verifier — проверка подписи access token через JWKS (nil — подпись не проверяется).
func New(authService string, timeout time.Duration, verifier *Verifier, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		tokenURL:   strings.TrimRight(authService, "/") + TokenPath,
		verifier:   verifier,
		logger:     logger.With(slog.String("component", "auth_client")),
		now:        time.Now,
	}
}

// Rotate обменивает текущий refresh token на новую пару токенов.
//
// После успешного обмена ts изменяется на месте: RefreshToken заменяется новым,
// AccessToken заполняется, ts.Rotated = true. Вызывающий код обязан
// немедленно сохранить ts.RefreshToken — старый токен больше недействителен.
//
// Любая ошибка оборачивается в ErrAuthFailure. Ошибка проверки подписи
// дополнительно несёт ErrTokenUnverified: ts к этому моменту уже ротирован.
func (c *Client) Rotate(ctx context.Context, ts *model.TokenSet) (*oauth2.Token, error) {
	if ts.Rotated {
		return nil, fmt.Errorf("%w: %w", ErrAuthFailure, ErrAlreadyRotated)
	}
	if ts.RefreshToken == "" {
		return nil, fmt.Errorf("%w: пустой refresh token", ErrAuthFailure)
	}

	tok, err := c.requestToken(ctx, ts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthFailure, err)
	}

	ts.Apply(tok)

	if c.verifier != nil {
		if _, err := c.verifier.Verify(ctx, tok.AccessToken); err != nil {
			c.logger.Warn("Refresh token ротирован, но access token не прошёл проверку подписи",
				slog.String("error", err.Error()),
			)
			return tok, fmt.Errorf("%w: %w: %w", ErrAuthFailure, ErrTokenUnverified, err)
		}
	}

	if claims, err := InspectAccessToken(tok.AccessToken); err == nil {
		c.logger.Debug("Access token получен",
			slog.String("sub", claims.Subject),
			slog.String("scope", claims.Scope),
			slog.Time("exp", claims.Expiry()),
		)
	} else {
		c.logger.Debug("Access token не является JWT, claims не извлечены",
			slog.String("error", err.Error()),
		)
	}

	c.logger.Info("Refresh token ротирован",
		slog.Time("access_expiry", tok.Expiry),
	)

	return tok, nil
}

// requestToken выполняет refresh_token grant.
func (c *Client) requestToken(ctx context.Context, ts *model.TokenSet) (*oauth2.Token, error) {
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {ts.RefreshToken},
		"scope":         {ts.Scope},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("создание запроса token: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(ts.ClientID, ts.ClientSecret)

	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: URL из credential store
	if err != nil {
		return nil, fmt.Errorf("запрос token к %s: %w", c.tokenURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("token endpoint вернул статус %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("декодирование token response: %w", err)
	}

	if tr.AccessToken == "" {
		return nil, errors.New("пустой access_token в ответе")
	}
	if tr.RefreshToken == "" {
		return nil, errors.New("пустой refresh_token в ответе")
	}

	tok := &oauth2.Token{
		AccessToken:  tr.AccessToken,
		TokenType:    tr.TokenType,
		RefreshToken: tr.RefreshToken,
	}
	if tr.ExpiresIn > 0 {
		tok.Expiry = c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	return tok.WithExtra(map[string]any{"scope": tr.Scope}), nil
}
