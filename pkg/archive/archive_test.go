package archive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/dbbenchoor/pkg/canonical"
	"github.com/ethpandaops/dbbenchoor/pkg/config"
)

// fakeS3 serves path-style PUT and GET for a single bucket.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = string(body)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := f.objects[r.URL.Path]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w,
				`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)

			return
		}

		_, _ = io.WriteString(w, body)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3) object(path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	body, ok := f.objects[path]

	return body, ok
}

func (f *fakeS3) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.objects)
}

func newTestArchiver(t *testing.T, prefix string) (Archiver, *fakeS3) {
	t.Helper()

	fake := &fakeS3{objects: make(map[string]string, 4)}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return NewS3(log, &config.S3Config{
		Enabled:         true,
		EndpointURL:     server.URL,
		Bucket:          "bench",
		Prefix:          prefix,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		ForcePathStyle:  true,
	}), fake
}

func TestKey(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		rec    canonical.Record
		want   string
	}{
		{
			name: "default prefix",
			rec:  canonical.Record{ID: 12, Database: "postgresql"},
			want: "raw/postgresql/12.log",
		},
		{
			name:   "custom prefix with slashes",
			prefix: "/team/bench/",
			rec:    canonical.Record{ID: 3, Database: "mongodb"},
			want:   "team/bench/mongodb/3.log",
		},
		{
			name: "missing database label",
			rec:  canonical.Record{ID: 9},
			want: "raw/unknown/9.log",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &s3Archiver{cfg: &config.S3Config{Prefix: tt.prefix}}
			assert.Equal(t, tt.want, a.key(&tt.rec))
		})
	}
}

func TestStoreAndFetch(t *testing.T) {
	a, fake := newTestArchiver(t, "")
	ctx := context.Background()
	rec := &canonical.Record{ID: 5, Database: "mysql"}

	key, err := a.Store(ctx, rec, "transactions: 100 (1.67 per sec.)\n")
	require.NoError(t, err)
	assert.Equal(t, "raw/mysql/5.log", key)
	stored, ok := fake.object("/bench/raw/mysql/5.log")
	require.True(t, ok)
	assert.Equal(t, "transactions: 100 (1.67 per sec.)\n", stored)

	raw, err := a.Fetch(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, "transactions: 100 (1.67 per sec.)\n", raw)
}

func TestFetchMissing(t *testing.T) {
	a, _ := newTestArchiver(t, "")

	raw, err := a.Fetch(context.Background(), &canonical.Record{ID: 1, Database: "mysql"})
	require.NoError(t, err)
	assert.Empty(t, raw)
}

func TestStoreRequiresRecordID(t *testing.T) {
	a, fake := newTestArchiver(t, "")

	_, err := a.Store(context.Background(), &canonical.Record{Database: "mysql"}, "raw")
	require.Error(t, err)
	assert.Zero(t, fake.len())
}

func TestPreflight(t *testing.T) {
	a, fake := newTestArchiver(t, "ci")

	require.NoError(t, a.Preflight(context.Background()))
	_, ok := fake.object("/bench/ci/.write-test")
	assert.True(t, ok)
}
