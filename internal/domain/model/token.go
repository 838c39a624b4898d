package model

import "golang.org/x/oauth2"

// TokenSet — учётные данные OAuth-клиента и текущая пара токенов.
//
// RefreshToken заменяется на месте при каждой успешной ротации и должен быть
// сохранён до завершения процесса. AccessToken живёт только в рамках запуска
// и никогда не сохраняется.
type TokenSet struct {
	ClientID     string
	ClientSecret string //nolint:gosec // G101: поле структуры
	Scope        string
	RefreshToken string //nolint:gosec // G101: поле структуры
	AccessToken  string //nolint:gosec // G101: поле структуры

	// Rotated — true после успешной ротации; повторная ротация того же
	// TokenSet запрещена (refresh token одноразовый).
	Rotated bool
}

// Apply заменяет пару токенов результатом ротации и помечает набор как ротированный.
func (ts *TokenSet) Apply(tok *oauth2.Token) {
	ts.AccessToken = tok.AccessToken
	ts.RefreshToken = tok.RefreshToken
	ts.Rotated = true
}
