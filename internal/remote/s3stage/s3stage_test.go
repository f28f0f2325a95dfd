package s3stage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type putRecorder struct {
	mu   sync.Mutex
	puts map[string]string
}

func (p *putRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "unexpected "+r.Method, http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(r.Body)
	p.mu.Lock()
	p.puts[r.URL.Path] = string(body)
	p.mu.Unlock()
	w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
	w.WriteHeader(http.StatusOK)
}

func TestStagePutsObjectAndPresigns(t *testing.T) {
	rec := &putRecorder{puts: map[string]string{}}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	s, err := New(Config{
		Endpoint:   strings.TrimPrefix(srv.URL, "http://"),
		Region:     "us-east-1",
		AccessKey:  "AKIDEXAMPLE",
		SecretKey:  "secret",
		Bucket:     "staging",
		Prefix:     "dsup",
		PresignTTL: 10 * time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, "s3", s.Name())

	bundle := filepath.Join(t.TempDir(), "tmp_0.zip")
	require.NoError(t, os.WriteFile(bundle, []byte("zip payload"), 0o644))

	ref, err := s.Stage(context.Background(), "proj", bundle)
	require.NoError(t, err)

	require.Len(t, rec.puts, 1)
	var key string
	for k, body := range rec.puts {
		key = k
		assert.Equal(t, "zip payload", body)
	}
	assert.True(t, strings.HasPrefix(key, "/staging/dsup/proj/"), key)
	assert.True(t, strings.HasSuffix(key, "-tmp_0.zip"), key)

	u, err := url.Parse(ref)
	require.NoError(t, err)
	assert.Equal(t, key, u.Path)
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))
	assert.Equal(t, "600", u.Query().Get("X-Amz-Expires"))
}

func TestStagePropagatesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `<Error><Code>AccessDenied</Code><Message>denied</Message></Error>`)
	}))
	defer srv.Close()

	s, err := New(Config{Endpoint: strings.TrimPrefix(srv.URL, "http://"), Region: "us-east-1", Bucket: "b", AccessKey: "a", SecretKey: "s"})
	require.NoError(t, err)
	bundle := filepath.Join(t.TempDir(), "x.zip")
	require.NoError(t, os.WriteFile(bundle, []byte("x"), 0o644))

	_, err = s.Stage(context.Background(), "proj", bundle)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "put object")
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(Config{Endpoint: "localhost:9000"})
	assert.Error(t, err)
}
