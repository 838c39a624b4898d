package bspaceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bigkaa/section-watcher/internal/bspacetwin"
	"github.com/bigkaa/section-watcher/internal/domain/model"
)

// twinFixture — twin платформы с выданным access token.
type twinFixture struct {
	twin        *bspacetwin.Twin
	srv         *httptest.Server
	client      *Client
	accessToken string
	archive     []byte
}

func newTwinFixture(t *testing.T) *twinFixture {
	t.Helper()

	archive, err := bspacetwin.BuildArchive(map[string][]byte{
		"OrganizationalUnits.csv": []byte("OrgUnitId,Code,CreatedDate\n1,X,2024-01-01\n"),
	})
	if err != nil {
		t.Fatalf("BuildArchive: %v", err)
	}

	twin, err := bspacetwin.New(bspacetwin.Options{
		ClientID:     "client",
		ClientSecret: "secret",
		RefreshToken: "rt-1",
		SchemaID:     "schema-1",
		PluginID:     "plugin-1",
		Archive:      archive,
	})
	if err != nil {
		t.Fatalf("bspacetwin.New: %v", err)
	}

	srv := httptest.NewServer(twin.Handler())
	t.Cleanup(srv.Close)
	twin.SetBaseURL(srv.URL)

	accessToken := issueAccessToken(t, srv.URL)

	return &twinFixture{
		twin:        twin,
		srv:         srv,
		client:      New(srv.URL, "1.47", "schema-1", "plugin-1", 10*time.Second, slog.Default()),
		accessToken: accessToken,
		archive:     archive,
	}
}

// issueAccessToken получает access token у twin напрямую через token endpoint.
func issueAccessToken(t *testing.T, baseURL string) string {
	t.Helper()

	form := strings.NewReader("grant_type=refresh_token&refresh_token=rt-1&scope=s")
	req, err := http.NewRequest(http.MethodPost, baseURL+"/core/connect/token", form)
	if err != nil {
		t.Fatalf("создание запроса: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("client", "secret")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("запрос token: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := decodeJSON(resp, &body); err != nil {
		t.Fatalf("декодирование token: %v", err)
	}
	if body.AccessToken == "" {
		t.Fatal("twin не выдал access token")
	}
	return body.AccessToken
}

func TestFetch_Success(t *testing.T) {
	fx := newTwinFixture(t)
	dest := filepath.Join(t.TempDir(), "files", "org_units.zip")

	got, err := fx.client.Fetch(context.Background(), fx.accessToken, dest)
	if err != nil {
		t.Fatalf("Fetch ошибка: %v", err)
	}
	if got != dest {
		t.Errorf("путь = %q, ожидался %q", got, dest)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("чтение архива: %v", err)
	}
	if !bytes.Equal(data, fx.archive) {
		t.Errorf("содержимое архива отличается: %d байт, ожидалось %d", len(data), len(fx.archive))
	}
	if _, err := os.Stat(dest + ".tmp"); !os.IsNotExist(err) {
		t.Error("временный файл не удалён")
	}
}

func TestFetch_OverwritesExisting(t *testing.T) {
	fx := newTwinFixture(t)
	dest := filepath.Join(t.TempDir(), "org_units.zip")

	if err := os.WriteFile(dest, []byte("stale"), 0o600); err != nil {
		t.Fatalf("подготовка файла: %v", err)
	}

	if _, err := fx.client.Fetch(context.Background(), fx.accessToken, dest); err != nil {
		t.Fatalf("Fetch ошибка: %v", err)
	}

	data, _ := os.ReadFile(dest)
	if !bytes.Equal(data, fx.archive) {
		t.Error("существующий файл не перезаписан")
	}
}

func TestFetch_Failures(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(fx *twinFixture)
		token   string
		wantErr error
	}{
		{
			name:    "листинг 500",
			prepare: func(fx *twinFixture) { fx.twin.FailNext(bspacetwin.EndpointExtracts, http.StatusInternalServerError) },
			wantErr: ErrFetchFailure,
		},
		{
			name:    "скачивание 404",
			prepare: func(fx *twinFixture) { fx.twin.FailNext(bspacetwin.EndpointDownload, http.StatusNotFound) },
			wantErr: ErrFetchFailure,
		},
		{
			name:    "пустой список",
			prepare: func(fx *twinFixture) { fx.twin.ClearExtracts() },
			wantErr: ErrNoExtracts,
		},
		{
			name:    "чужой токен",
			prepare: func(*twinFixture) {},
			token:   "forged",
			wantErr: ErrFetchFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newTwinFixture(t)
			tt.prepare(fx)

			token := fx.accessToken
			if tt.token != "" {
				token = tt.token
			}

			dest := filepath.Join(t.TempDir(), "org_units.zip")
			_, err := fx.client.Fetch(context.Background(), token, dest)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ошибка = %v, ожидалась %v", err, tt.wantErr)
			}
			if !errors.Is(err, ErrFetchFailure) {
				t.Errorf("ошибка = %v, ожидалась обёртка ErrFetchFailure", err)
			}
			if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
				t.Error("файл создан при неуспешном скачивании")
			}
		})
	}
}

func TestFetch_FailureKeepsPreviousFile(t *testing.T) {
	fx := newTwinFixture(t)
	dest := filepath.Join(t.TempDir(), "org_units.zip")
	if err := os.WriteFile(dest, []byte("previous"), 0o600); err != nil {
		t.Fatalf("подготовка файла: %v", err)
	}

	fx.twin.FailNext(bspacetwin.EndpointDownload, http.StatusBadGateway)
	if _, err := fx.client.Fetch(context.Background(), fx.accessToken, dest); err == nil {
		t.Fatal("ожидалась ошибка")
	}

	data, _ := os.ReadFile(dest)
	if string(data) != "previous" {
		t.Errorf("файл изменён при ошибке: %q", data)
	}
}

func TestFetch_PicksFirstObject(t *testing.T) {
	var downloaded string
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/d2l/api/lp/1.47/datasets/bds/s/plugins/p/extracts", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer at-1" {
			t.Errorf("Authorization = %q", got)
		}
		writeJSON(w, model.ExtractPage{Objects: []model.Extract{
			{ExtractID: "newest", DownloadLink: srv.URL + "/dl/newest"},
			{ExtractID: "older", DownloadLink: srv.URL + "/dl/older"},
		}})
	})
	mux.HandleFunc("/dl/", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer at-1" {
			t.Errorf("Authorization при скачивании = %q", got)
		}
		downloaded = strings.TrimPrefix(r.URL.Path, "/dl/")
		_, _ = w.Write([]byte("zip"))
	})

	client := New(srv.URL+"/", "1.47", "s", "p", 5*time.Second, slog.Default())
	dest := filepath.Join(t.TempDir(), "a.zip")
	if _, err := client.Fetch(context.Background(), "at-1", dest); err != nil {
		t.Fatalf("Fetch ошибка: %v", err)
	}
	if downloaded != "newest" {
		t.Errorf("скачана выгрузка %q, ожидалась newest", downloaded)
	}
}

func TestFetch_MissingDownloadLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, model.ExtractPage{Objects: []model.Extract{{ExtractID: "x"}}})
	}))
	defer srv.Close()

	client := New(srv.URL, "1.47", "s", "p", 5*time.Second, slog.Default())
	_, err := client.Fetch(context.Background(), "at", filepath.Join(t.TempDir(), "a.zip"))
	if !errors.Is(err, ErrFetchFailure) {
		t.Fatalf("ошибка = %v, ожидалась ErrFetchFailure", err)
	}
}

func TestExtractsURL(t *testing.T) {
	client := New("https://lms.example.edu/", "1.47", "schema", "plugin", 0, slog.Default())
	want := "https://lms.example.edu/d2l/api/lp/1.47/datasets/bds/schema/plugins/plugin/extracts"
	if got := client.ExtractsURL(); got != want {
		t.Errorf("ExtractsURL() = %q, ожидался %q", got, want)
	}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(resp *http.Response, v any) error {
	return json.NewDecoder(resp.Body).Decode(v)
}
