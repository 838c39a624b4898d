// logging.go — журнал запросов к twin платформы.
// Учётные данные клиента в журнал не попадают: для token endpoint пишется
// client_id из Basic-авторизации, для Valence API — отпечаток bearer token,
// по которому запросы одного запуска section-watcher связываются между собой.
package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"
)

// statusRecorder запоминает статус и объём ответа. Общий для журнала и метрик.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	n, err := rec.ResponseWriter.Write(b)
	rec.written += int64(n)
	return n, err
}

// Unwrap нужен http.ResponseController.
func (rec *statusRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

// TokenFingerprint — первые 8 hex-символов SHA-256 от токена.
func TokenFingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:4])
}

// credentialAttrs описывает предъявленные учётные данные без секретов.
func credentialAttrs(r *http.Request) []slog.Attr {
	if clientID, _, ok := r.BasicAuth(); ok {
		return []slog.Attr{slog.String("auth", "basic"), slog.String("client_id", clientID)}
	}
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if ok && strings.EqualFold(scheme, "Bearer") && token != "" {
		return []slog.Attr{slog.String("auth", "bearer"), slog.String("token_fp", TokenFingerprint(token))}
	}
	return []slog.Attr{slog.String("auth", "none")}
}

// RequestLogger пишет строку журнала на каждый запрос к twin.
// Уровень: INFO (1xx-3xx), WARN (4xx), ERROR (5xx). Скачивание архива
// дополнительно помечается extract_id.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With(slog.String("component", "twin-http"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := newStatusRecorder(w)

			next.ServeHTTP(rec, r)

			level := slog.LevelInfo
			switch {
			case rec.statusCode >= 500:
				level = slog.LevelError
			case rec.statusCode >= 400:
				level = slog.LevelWarn
			}

			route := normalizePath(r.URL.Path)
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", route),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", time.Since(start)),
				slog.Int64("bytes", rec.written),
			}
			if strings.HasSuffix(route, "/{extractId}") {
				attrs = append(attrs, slog.String("extract_id", path.Base(r.URL.Path)))
			}
			attrs = append(attrs, credentialAttrs(r)...)

			logger.LogAttrs(r.Context(), level, "Запрос к twin", attrs...)
		})
	}
}
