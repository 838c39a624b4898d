// platform.go — параметры платформы, читаемые из credential store.
package config

import (
	"context"
	"fmt"
	"strings"
)

// Ключи credential store.
const (
	KeyBspaceURL    = "bspace_url"
	KeyAuthService  = "auth_service"
	KeyClientID     = "client_id"
	KeyClientSecret = "client_secret"
	KeyScope        = "scope"
	KeySchemaID     = "schema_id"
	KeyPluginID     = "plugin_id"
	KeyRefreshToken = "refresh_token"
	KeySendTo       = "send_to"
	KeyFrom         = "from"
)

// KeyGetter — источник значений платформы (обычно credstore.Store).
type KeyGetter interface {
	Get(ctx context.Context, key string) (string, error)
}

// Platform — параметры подключения к платформе и адреса уведомлений.
// Значение создаётся один раз при старте и передаётся компонентам явно.
type Platform struct {
	// BspaceURL — базовый URL LMS (например, https://lms.example.edu)
	BspaceURL string
	// AuthService — базовый URL identity-сервиса (token endpoint: /core/connect/token)
	AuthService  string
	ClientID     string
	ClientSecret string //nolint:gosec // G101: поле структуры
	Scope        string
	// SchemaID и PluginID определяют набор данных Brightspace Data Sets
	SchemaID string
	PluginID string
	// RefreshToken — текущий (ещё не использованный) refresh token
	RefreshToken string //nolint:gosec // G101: поле структуры
	// SendTo — адрес получателя уведомлений
	SendTo string
	// From — адрес отправителя уведомлений
	From string
}

// LoadPlatform читает все ключи платформы из store.
// Отсутствие любого ключа — ошибка конфигурации.
func LoadPlatform(ctx context.Context, store KeyGetter) (*Platform, error) {
	p := &Platform{}

	fields := []struct {
		key string
		dst *string
	}{
		{KeyBspaceURL, &p.BspaceURL},
		{KeyAuthService, &p.AuthService},
		{KeyClientID, &p.ClientID},
		{KeyClientSecret, &p.ClientSecret},
		{KeyScope, &p.Scope},
		{KeySchemaID, &p.SchemaID},
		{KeyPluginID, &p.PluginID},
		{KeyRefreshToken, &p.RefreshToken},
		{KeySendTo, &p.SendTo},
		{KeyFrom, &p.From},
	}

	for _, f := range fields {
		val, err := store.Get(ctx, f.key)
		if err != nil {
			return nil, fmt.Errorf("чтение %q из credential store: %w", f.key, err)
		}
		if strings.TrimSpace(val) == "" {
			return nil, fmt.Errorf("%s: значение в credential store пустое", f.key)
		}
		*f.dst = strings.TrimSpace(val)
	}

	p.BspaceURL = strings.TrimRight(p.BspaceURL, "/")
	p.AuthService = strings.TrimRight(p.AuthService, "/")

	return p, nil
}
