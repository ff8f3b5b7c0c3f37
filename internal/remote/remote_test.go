package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dopejs/keepsync/internal/config"
	"github.com/dopejs/keepsync/internal/syncerr"
)

var ts = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestMemorySaveIsPartialUpsert(t *testing.T) {
	m := NewMemory()
	m.SetNow(func() time.Time { return ts })
	ctx := context.Background()

	doc, err := m.FetchUserDocument(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, doc)

	require.NoError(t, m.SaveUserDocument(ctx, "u1", map[string]json.RawMessage{
		"userProfile":  json.RawMessage(`{"name":"Sam"}`),
		"workoutState": json.RawMessage(`{"workoutHistory":[]}`),
	}))
	require.NoError(t, m.SaveUserDocument(ctx, "u1", map[string]json.RawMessage{
		"userProfile": json.RawMessage(`{"name":"Alex"}`),
	}))

	doc, err = m.FetchUserDocument(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", doc.UserID)
	assert.Equal(t, ts, doc.UpdatedAt)
	assert.JSONEq(t, `{"name":"Alex"}`, string(doc.Data["userProfile"]))
	assert.JSONEq(t, `{"workoutHistory":[]}`, string(doc.Data["workoutState"]))
	assert.Len(t, m.LastSave(), 1)

	fetches, saves, _ := m.Counts()
	assert.Equal(t, 2, fetches)
	assert.Equal(t, 2, saves)
}

func TestMemoryScriptedFailures(t *testing.T) {
	m := NewMemory()
	boom := syncerr.Transient(errors.New("offline"))
	m.FailFetch(boom)
	m.FailSave(boom)
	ctx := context.Background()

	_, err := m.FetchUserDocument(ctx, "u1")
	assert.True(t, errors.Is(err, syncerr.ErrTransient))
	_, err = m.FetchUserDocument(ctx, "u1")
	assert.NoError(t, err)

	assert.Error(t, m.SaveUserDocument(ctx, "u1", nil))
	assert.NoError(t, m.SaveUserDocument(ctx, "u1", nil))
}

func TestMemoryStamps(t *testing.T) {
	m := NewMemory()
	m.Seed("u1", "userProfile", json.RawMessage(`{"name":"Sam","lastModified":"2026-03-02T09:00:00Z"}`))
	m.Seed("u1", "nutritionState", json.RawMessage(`{"meals":[]}`))

	stamps, err := m.FetchStamps(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, stamps, 1)
	assert.True(t, stamps["userProfile"].Equal(ts))

	_, _, hits := m.Counts()
	assert.Equal(t, 1, hits)
}

type fakeService struct {
	mu       sync.Mutex
	docs     map[string]*Document
	status   int
	lastAuth string
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastAuth = r.Header.Get("Authorization")
	if f.status != 0 {
		w.WriteHeader(f.status)
		io.WriteString(w, "nope")
		return
	}
	if r.URL.Path != "/api/users/u1/document" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodGet:
		doc, ok := f.docs["u1"]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(doc)
	case http.MethodPatch:
		var body struct {
			Data map[string]json.RawMessage `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		doc, ok := f.docs["u1"]
		if !ok {
			doc = &Document{UserID: "u1"}
			f.docs["u1"] = doc
		}
		doc.Data = mergeData(doc.Data, body.Data)
		doc.UpdatedAt = ts
		w.WriteHeader(http.StatusNoContent)
	}
}

func TestHTTPRoundTrip(t *testing.T) {
	svc := &fakeService{docs: map[string]*Document{}}
	srv := httptest.NewServer(svc)
	defer srv.Close()

	b := &HTTP{Endpoint: srv.URL + "/api/", Token: "tok"}
	ctx := context.Background()

	doc, err := b.FetchUserDocument(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, doc)

	require.NoError(t, b.SaveUserDocument(ctx, "u1", map[string]json.RawMessage{"userProfile": json.RawMessage(`{"name":"Sam"}`)}))
	doc, err = b.FetchUserDocument(ctx, "u1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Sam"}`, string(doc.Data["userProfile"]))
	assert.Equal(t, ts, doc.UpdatedAt)
	assert.Equal(t, "Bearer tok", svc.lastAuth)
}

func TestHTTPErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   syncerr.Kind
	}{
		{http.StatusUnauthorized, syncerr.KindAuth},
		{http.StatusForbidden, syncerr.KindAuth},
		{http.StatusServiceUnavailable, syncerr.KindTransient},
		{http.StatusTooManyRequests, syncerr.KindTransient},
		{http.StatusBadRequest, syncerr.KindUnknown},
	}
	for _, tt := range tests {
		svc := &fakeService{docs: map[string]*Document{}, status: tt.status}
		srv := httptest.NewServer(svc)
		b := &HTTP{Endpoint: srv.URL + "/api"}

		_, err := b.FetchUserDocument(context.Background(), "u1")
		assert.Equal(t, tt.want, syncerr.Classify(err), "fetch status %d", tt.status)
		err = b.SaveUserDocument(context.Background(), "u1", nil)
		assert.Equal(t, tt.want, syncerr.Classify(err), "save status %d", tt.status)
		srv.Close()
	}
}

func TestHTTPUnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	b := &HTTP{Endpoint: srv.URL}
	_, err := b.FetchUserDocument(context.Background(), "u1")
	assert.True(t, errors.Is(err, syncerr.ErrTransient))
}

func TestHTTPMalformedIsIntegrity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "{not json")
	}))
	defer srv.Close()
	_, err := (&HTTP{Endpoint: srv.URL}).FetchUserDocument(context.Background(), "u1")
	assert.True(t, errors.Is(err, syncerr.ErrIntegrity))
}

func TestRateLimitedForwards(t *testing.T) {
	m := NewMemory()
	m.Seed("u1", "userProfile", json.RawMessage(`{"lastModified":"2026-03-02T09:00:00Z"}`))
	s := RateLimited(m, 1000, 1)

	assert.Equal(t, "memory", s.Name())
	_, err := s.FetchUserDocument(context.Background(), "u1")
	require.NoError(t, err)
	stamps, err := s.(StampFetcher).FetchStamps(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, stamps, 1)

	plain := RateLimited(&HTTP{Endpoint: "http://127.0.0.1:1"}, 1000, 1)
	_, err = plain.(StampFetcher).FetchStamps(context.Background(), "u1")
	assert.True(t, errors.Is(err, ErrStampsUnsupported))
}

func TestRateLimitedHonorsContext(t *testing.T) {
	s := RateLimited(NewMemory(), 0.001, 1)
	ctx := context.Background()
	_, err := s.FetchUserDocument(ctx, "u1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = s.FetchUserDocument(ctx, "u1")
	assert.True(t, errors.Is(err, syncerr.ErrTransient))
}

func TestStampsEncoding(t *testing.T) {
	in := map[string]time.Time{"userProfile": ts}
	s, err := encodeStamps(in)
	require.NoError(t, err)
	out, err := decodeStamps(s)
	require.NoError(t, err)
	assert.True(t, out["userProfile"].Equal(ts))

	_, err = decodeStamps("{")
	assert.True(t, errors.Is(err, syncerr.ErrIntegrity))
}

func TestClassifyS3(t *testing.T) {
	denied := minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}
	assert.True(t, errors.Is(classifyS3(errors.Wrap(denied, "s3"), denied), syncerr.ErrAuth))

	slow := minio.ErrorResponse{Code: "SlowDown", StatusCode: http.StatusServiceUnavailable}
	assert.True(t, errors.Is(classifyS3(errors.Wrap(slow, "s3"), slow), syncerr.ErrTransient))

	dial := errors.New("dial tcp: connection refused")
	assert.True(t, errors.Is(classifyS3(dial, dial), syncerr.ErrTransient))
}

func TestNewFactory(t *testing.T) {
	s, err := New(config.RemoteConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.Equal(t, "memory", s.Name())

	s, err = New(config.RemoteConfig{Backend: "http", Endpoint: "http://localhost", RequestsPerSecond: 5})
	require.NoError(t, err)
	assert.Equal(t, "http", s.Name())
	_, limited := s.(*rateLimited)
	assert.True(t, limited)

	s, err = New(config.RemoteConfig{Backend: "s3", Endpoint: "http://localhost:9000", Bucket: "b"})
	require.NoError(t, err)
	assert.Equal(t, "s3", s.Name())

	s, err = New(config.RemoteConfig{Backend: "couchdb", Endpoint: "http://localhost:5984", Database: "keepsync", Username: "admin", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "couchdb", s.Name())

	_, err = New(config.RemoteConfig{Backend: "ftp"})
	assert.Error(t, err)
}
