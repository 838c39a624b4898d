// Пакет bspacetwin — имитация identity-сервиса и Valence API платформы для тестов
// и локального запуска.
//
// Реализованные endpoints:
//   - POST /core/connect/token — refresh_token grant (HTTP Basic), ротация refresh token
//   - GET  /core/.well-known/jwks — JWKS с публичным RSA ключом access token
//   - GET  /d2l/api/lp/{version}/datasets/bds/{schemaId}/plugins/{pluginId}/extracts
//   - GET  /d2l/api/lp/{version}/datasets/bds/{schemaId}/plugins/{pluginId}/extracts/{extractId}
//   - GET  /health/live
//
// Refresh token одноразовый: после успешной ротации старый токен отклоняется.
package bspacetwin

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/bigkaa/section-watcher/internal/domain/model"
)

// KeyID — kid ключа подписи access token.
const KeyID = "twin-key-1"

// Endpoint — endpoint twin для инъекции ошибок.
type Endpoint string

const (
	EndpointToken    Endpoint = "token"
	EndpointExtracts Endpoint = "extracts"
	EndpointDownload Endpoint = "download"
)

// Options — начальное состояние twin.
type Options struct {
	ClientID     string
	ClientSecret string //nolint:gosec // G101: тестовый секрет
	RefreshToken string //nolint:gosec // G101: тестовый токен
	SchemaID     string
	PluginID     string
	// Archive — содержимое zip-архива, отдаваемого по DownloadLink
	Archive []byte
	// ExpiresIn — время жизни access token в секундах (по умолчанию 3600)
	ExpiresIn int
	// KeySize — размер RSA ключа (по умолчанию 2048)
	KeySize int
	Logger  *slog.Logger
}

// Twin — состояние имитации платформы.
type Twin struct {
	mu sync.Mutex

	clientID     string
	clientSecret string
	schemaID     string
	pluginID     string
	expiresIn    int

	refreshToken string
	accessTokens map[string]bool
	rotations    int

	baseURL  string
	extracts []model.Extract
	archive  []byte
	faults   map[Endpoint]int

	privateKey *rsa.PrivateKey
	jwks       []byte
	logger     *slog.Logger
}

// twinClaims — claims выдаваемого access token.
type twinClaims struct {
	jwt.RegisteredClaims
	Scope    string `json:"scope"`
	TenantID string `json:"tenantid"`
}

// jwksKey — один ключ JWKS (RFC 7517).
type jwksKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// New создаёт twin с одной выгрузкой и указанным архивом.
func New(opts Options) (*Twin, error) {
	keySize := opts.KeySize
	if keySize == 0 {
		keySize = 2048
	}
	expiresIn := opts.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return nil, fmt.Errorf("генерация RSA ключа: %w", err)
	}

	jwks, err := json.Marshal(map[string][]jwksKey{
		"keys": {{
			Kty: "RSA",
			Kid: KeyID,
			Use: "sig",
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(privateKey.PublicKey.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(privateKey.PublicKey.E)).Bytes()),
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("сериализация JWKS: %w", err)
	}

	t := &Twin{
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		schemaID:     opts.SchemaID,
		pluginID:     opts.PluginID,
		expiresIn:    expiresIn,
		refreshToken: opts.RefreshToken,
		accessTokens: make(map[string]bool),
		archive:      opts.Archive,
		faults:       make(map[Endpoint]int),
		privateKey:   privateKey,
		jwks:         jwks,
		logger:       logger.With(slog.String("component", "bspace_twin")),
	}
	t.extracts = []model.Extract{t.newExtract(time.Now().UTC())}
	return t, nil
}

// Handler возвращает chi-роутер со всеми маршрутами twin.
func (t *Twin) Handler() http.Handler {
	r := chi.NewRouter()
	t.Routes(r)
	return r
}

// Routes монтирует маршруты twin.
func (t *Twin) Routes(r chi.Router) {
	r.Post("/core/connect/token", t.handleToken)
	r.Get("/core/.well-known/jwks", t.handleJWKS)
	r.Get("/health/live", t.handleHealth)

	r.Route("/d2l/api/lp/{version}/datasets/bds/{schemaId}/plugins/{pluginId}/extracts", func(r chi.Router) {
		r.Use(t.bearerAuth)
		r.Get("/", t.handleListExtracts)
		r.Get("/{extractId}", t.handleDownload)
	})
}

// SetBaseURL задаёт внешний URL twin (используется в DownloadLink).
func (t *Twin) SetBaseURL(baseURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.baseURL = strings.TrimRight(baseURL, "/")
}

// SetArchive заменяет содержимое отдаваемого архива.
func (t *Twin) SetArchive(archive []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.archive = archive
}

// ClearExtracts удаляет все выгрузки (список вернёт пустой Objects).
func (t *Twin) ClearExtracts() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.extracts = nil
}

// FailNext заставляет следующий запрос к endpoint вернуть status.
func (t *Twin) FailNext(ep Endpoint, status int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.faults[ep] = status
}

// RefreshToken возвращает текущий действительный refresh token.
func (t *Twin) RefreshToken() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refreshToken
}

// Rotations возвращает количество успешных ротаций.
func (t *Twin) Rotations() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rotations
}

// takeFault возвращает и сбрасывает инъецированный статус endpoint (0 — нет).
func (t *Twin) takeFault(ep Endpoint) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	status := t.faults[ep]
	delete(t.faults, ep)
	return status
}

// newExtract формирует объект выгрузки. Вызывается под mu или до публикации twin.
func (t *Twin) newExtract(created time.Time) model.Extract {
	return model.Extract{
		ExtractID:    uuid.NewString(),
		SchemaID:     t.schemaID,
		PluginID:     t.pluginID,
		BdsType:      "Full",
		CreatedDate:  created.Format(time.RFC3339),
		DownloadSize: int64(len(t.archive)),
	}
}

// --- Handlers ---

// handleToken обрабатывает POST /core/connect/token.
func (t *Twin) handleToken(w http.ResponseWriter, r *http.Request) {
	if status := t.takeFault(EndpointToken); status != 0 {
		writeOAuthError(w, status, "temporarily_unavailable", "инъецированная ошибка")
		return
	}

	clientID, clientSecret, ok := r.BasicAuth()
	if !ok || clientID != t.clientID || clientSecret != t.clientSecret {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "неверные учётные данные клиента")
		return
	}

	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if r.PostForm.Get("grant_type") != "refresh_token" {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "ожидался refresh_token")
		return
	}
	scope := r.PostForm.Get("scope")

	t.mu.Lock()
	if r.PostForm.Get("refresh_token") != t.refreshToken || t.refreshToken == "" {
		t.mu.Unlock()
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "refresh token недействителен")
		return
	}

	now := time.Now()
	claims := twinClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "twin-user",
			Issuer:    "bspace-twin",
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(t.expiresIn) * time.Second)),
		},
		Scope:    scope,
		TenantID: "twin-tenant",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = KeyID

	accessToken, err := token.SignedString(t.privateKey)
	if err != nil {
		t.mu.Unlock()
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "ошибка подписи токена")
		return
	}

	newRefresh := uuid.NewString()
	t.refreshToken = newRefresh
	t.accessTokens[accessToken] = true
	t.rotations++
	expiresIn := t.expiresIn
	t.mu.Unlock()

	t.logger.Info("Токены выданы", slog.String("scope", scope))

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  accessToken,
		"refresh_token": newRefresh,
		"token_type":    "Bearer",
		"expires_in":    expiresIn,
		"scope":         scope,
	})
}

// handleJWKS обрабатывает GET /core/.well-known/jwks.
func (t *Twin) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(t.jwks)
}

// handleHealth обрабатывает GET /health/live.
func (t *Twin) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListExtracts обрабатывает GET .../extracts.
func (t *Twin) handleListExtracts(w http.ResponseWriter, r *http.Request) {
	if status := t.takeFault(EndpointExtracts); status != 0 {
		writeJSON(w, status, map[string]string{"Message": "инъецированная ошибка"})
		return
	}
	if !t.matchDataset(r) {
		writeJSON(w, http.StatusNotFound, map[string]string{"Message": "набор данных не найден"})
		return
	}

	t.mu.Lock()
	base := t.baseURL
	if base == "" {
		base = "http://" + r.Host
	}
	prefix := base + strings.TrimRight(r.URL.Path, "/")
	objects := make([]model.Extract, 0, len(t.extracts))
	for _, e := range t.extracts {
		e.DownloadLink = prefix + "/" + e.ExtractID
		objects = append(objects, e)
	}
	t.mu.Unlock()

	writeJSON(w, http.StatusOK, model.ExtractPage{Objects: objects})
}

// handleDownload обрабатывает GET .../extracts/{extractId}.
func (t *Twin) handleDownload(w http.ResponseWriter, r *http.Request) {
	if status := t.takeFault(EndpointDownload); status != 0 {
		w.WriteHeader(status)
		return
	}
	if !t.matchDataset(r) {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	extractID := chi.URLParam(r, "extractId")

	t.mu.Lock()
	found := false
	for _, e := range t.extracts {
		if e.ExtractID == extractID {
			found = true
			break
		}
	}
	archive := t.archive
	t.mu.Unlock()

	if !found {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="OrganizationalUnits.zip"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}

// bearerAuth проверяет, что Bearer токен был выдан этим twin.
func (t *Twin) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"Message": "отсутствует Bearer токен"})
			return
		}

		t.mu.Lock()
		valid := t.accessTokens[token]
		t.mu.Unlock()

		if !valid {
			writeJSON(w, http.StatusForbidden, map[string]string{"Message": "токен не выдан identity-сервисом"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// matchDataset проверяет schemaId/pluginId из пути.
func (t *Twin) matchDataset(r *http.Request) bool {
	return chi.URLParam(r, "schemaId") == t.schemaID && chi.URLParam(r, "pluginId") == t.pluginID
}

// writeJSON отправляет JSON-ответ.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeOAuthError отправляет ошибку в формате RFC 6749, раздел 5.2.
func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}
