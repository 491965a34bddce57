package media

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() S3Config {
	return S3Config{
		Endpoint:  "https://minio.example.com",
		Region:    "sa-east-1",
		Bucket:    "funnel-assets",
		AccessKey: "AKIDEXAMPLE",
		SecretKey: "secret",
		PathStyle: true,
		URLTTL:    15 * time.Minute,
	}
}

func TestResolve_PassesPlainURLs(t *testing.T) {
	s, err := NewStore(testConfig())
	require.NoError(t, err)

	got, err := s.Resolve(context.Background(), "https://cdn.example/audio.ogg")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/audio.ogg", got)
}

func TestResolve_Presigns(t *testing.T) {
	s, err := NewStore(testConfig())
	require.NoError(t, err)

	got, err := s.Resolve(context.Background(), "s3://funnel/audio/intro-1.ogg")
	require.NoError(t, err)

	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "minio.example.com", u.Host)
	assert.Equal(t, "/funnel-assets/funnel/audio/intro-1.ogg", u.Path)
	assert.Equal(t, "900", u.Query().Get("X-Amz-Expires"))
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))

	_, err = s.Resolve(context.Background(), "s3://")
	assert.Error(t, err)
}

func TestResolve_PublicURL(t *testing.T) {
	cfg := testConfig()
	cfg.PublicURL = "https://files.example.com/"
	s, err := NewStore(cfg)
	require.NoError(t, err)

	got, err := s.Resolve(context.Background(), "s3://docs/receitas.pdf")
	require.NoError(t, err)
	assert.Equal(t, "https://files.example.com/funnel-assets/docs/receitas.pdf", got)
}

func TestPublicURL_Styles(t *testing.T) {
	cases := map[string]struct {
		endpoint  string
		pathStyle bool
		bucket    string
		want      string
	}{
		"aws virtual host": {"", false, "assets", "https://assets.s3.sa-east-1.amazonaws.com/k.ogg"},
		"aws path style":   {"", true, "assets", "https://s3.sa-east-1.amazonaws.com/assets/k.ogg"},
		"dotted bucket":    {"", false, "my.assets", "https://s3.sa-east-1.amazonaws.com/my.assets/k.ogg"},
		"compatible path":  {"https://minio.local/", true, "assets", "https://minio.local/assets/k.ogg"},
		"compatible host":  {"https://r2.example.com", false, "assets", "https://assets.r2.example.com/k.ogg"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Endpoint, cfg.PathStyle, cfg.Bucket = tc.endpoint, tc.pathStyle, tc.bucket
			s, err := NewStore(cfg)
			require.NoError(t, err)
			assert.Equal(t, tc.want, s.PublicURL("k.ogg"))
		})
	}
}

func TestNewStore_Validation(t *testing.T) {
	cfg := testConfig()
	cfg.Bucket = ""
	_, err := NewStore(cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.SecretKey = ""
	_, err = NewStore(cfg)
	assert.Error(t, err)
}

func TestUpload(t *testing.T) {
	var mu sync.Mutex
	var gotPath, gotType, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotPath, gotType, gotBody = r.URL.Path, r.Header.Get("Content-Type"), string(body)
		mu.Unlock()
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Endpoint = srv.URL
	s, err := NewStore(cfg)
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC) }

	ref, err := s.Upload(context.Background(), "../../intro 1.ogg", []byte("OggS..."), "audio/ogg")
	require.NoError(t, err)
	assert.Equal(t, "s3://funnel/audio/2026/05/intro 1.ogg", ref)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, strings.HasPrefix(gotPath, "/funnel-assets/funnel/audio/2026/05/"), gotPath)
	assert.Equal(t, "audio/ogg", gotType)
	assert.Contains(t, gotBody, "OggS...")
}

func TestTestConnection(t *testing.T) {
	status := http.StatusOK
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>Access Denied</Message></Error>`)
			return
		}
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/"><Name>funnel-assets</Name><KeyCount>0</KeyCount><MaxKeys>1</MaxKeys><IsTruncated>false</IsTruncated></ListBucketResult>`)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Endpoint = srv.URL
	s, err := NewStore(cfg)
	require.NoError(t, err)

	require.NoError(t, s.TestConnection(context.Background()))
	assert.Equal(t, "/funnel-assets", gotPath)
	assert.Contains(t, gotQuery, "list-type=2")

	status = http.StatusForbidden
	assert.Error(t, s.TestConnection(context.Background()))
}

func TestPassthrough(t *testing.T) {
	got, err := Passthrough{}.Resolve(context.Background(), "https://a/b.ogg")
	require.NoError(t, err)
	assert.Equal(t, "https://a/b.ogg", got)

	_, err = Passthrough{}.Resolve(context.Background(), "s3://a")
	assert.Error(t, err)
}
