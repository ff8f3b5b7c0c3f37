package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dopejs/keepsync/internal/config"
	"github.com/dopejs/keepsync/internal/syncerr"
)

// fakeCouch serves the slice of the CouchDB API the Couch store uses, with
// one database and revision checks on PUT.
type fakeCouch struct {
	mu        sync.Mutex
	db        string
	exists    bool
	docs      map[string]map[string]any
	revs      int
	puts      int
	finds     []map[string]any
	conflicts int
	// rival runs on each injected conflict, as another device's write.
	rival func(doc map[string]any) map[string]any
}

func newFakeCouch() *fakeCouch {
	return &fakeCouch{db: "keepsync", docs: map[string]map[string]any{}}
}

func (f *fakeCouch) nextRev() string {
	f.revs++
	return fmt.Sprintf("%d-abc", f.revs)
}

func couchJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (f *fakeCouch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	if parts[0] != f.db {
		couchJSON(w, http.StatusNotFound, map[string]string{"error": "not_found", "reason": "Database does not exist."})
		return
	}

	if len(parts) == 1 || parts[1] == "" {
		switch r.Method {
		case http.MethodHead:
			if f.exists {
				w.WriteHeader(http.StatusOK)
			} else {
				w.WriteHeader(http.StatusNotFound)
			}
		case http.MethodPut:
			f.exists = true
			couchJSON(w, http.StatusCreated, map[string]bool{"ok": true})
		}
		return
	}

	if parts[1] == "_find" && r.Method == http.MethodPost {
		var q map[string]any
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			couchJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "reason": err.Error()})
			return
		}
		f.finds = append(f.finds, q)
		id, _ := q["selector"].(map[string]any)["_id"].(string)
		docs := []any{}
		if doc, ok := f.docs[id]; ok {
			docs = append(docs, map[string]any{"stamps": doc["stamps"]})
		}
		couchJSON(w, http.StatusOK, map[string]any{"docs": docs})
		return
	}

	id := parts[1]
	switch r.Method {
	case http.MethodGet:
		doc, ok := f.docs[id]
		if !ok {
			couchJSON(w, http.StatusNotFound, map[string]string{"error": "not_found", "reason": "missing"})
			return
		}
		w.Header().Set("ETag", `"`+doc["_rev"].(string)+`"`)
		couchJSON(w, http.StatusOK, doc)
	case http.MethodPut:
		f.puts++
		var doc map[string]any
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			couchJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "reason": err.Error()})
			return
		}
		if f.conflicts > 0 {
			f.conflicts--
			if f.rival != nil {
				won := f.rival(f.docs[id])
				won["_id"] = id
				won["_rev"] = f.nextRev()
				f.docs[id] = won
			}
			couchJSON(w, http.StatusConflict, map[string]string{"error": "conflict", "reason": "Document update conflict."})
			return
		}
		if cur, ok := f.docs[id]; ok && cur["_rev"] != doc["_rev"] {
			couchJSON(w, http.StatusConflict, map[string]string{"error": "conflict", "reason": "Document update conflict."})
			return
		}
		doc["_rev"] = f.nextRev()
		f.docs[id] = doc
		couchJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": id, "rev": doc["_rev"]})
	}
}

func newTestCouch(t *testing.T, f *fakeCouch) *Couch {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c, err := NewCouch(config.RemoteConfig{Backend: "couchdb", Endpoint: srv.URL, Database: f.db})
	require.NoError(t, err)
	c.now = func() time.Time { return ts }
	return c
}

func TestCouchEnsureCreatesDatabase(t *testing.T) {
	f := newFakeCouch()
	c := newTestCouch(t, f)
	require.NoError(t, c.Ensure(context.Background()))
	assert.True(t, f.exists)
	require.NoError(t, c.Ensure(context.Background()))
}

func TestCouchSaveAndFetch(t *testing.T) {
	f := newFakeCouch()
	c := newTestCouch(t, f)
	ctx := context.Background()

	doc, err := c.FetchUserDocument(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, doc)

	require.NoError(t, c.SaveUserDocument(ctx, "u1", map[string]json.RawMessage{
		"userProfile":  json.RawMessage(`{"name":"Sam","lastModified":"2026-03-02T09:00:00Z"}`),
		"workoutState": json.RawMessage(`{"workoutHistory":[]}`),
	}))
	require.NoError(t, c.SaveUserDocument(ctx, "u1", map[string]json.RawMessage{
		"userProfile": json.RawMessage(`{"name":"Alex","lastModified":"2026-03-02T10:00:00Z"}`),
	}))

	doc, err = c.FetchUserDocument(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "u1", doc.UserID)
	assert.True(t, doc.UpdatedAt.Equal(ts))
	assert.JSONEq(t, `{"name":"Alex","lastModified":"2026-03-02T10:00:00Z"}`, string(doc.Data["userProfile"]))
	assert.JSONEq(t, `{"workoutHistory":[]}`, string(doc.Data["workoutState"]))
	assert.Contains(t, f.docs, "user:u1")
}

func TestCouchSaveRetriesRevisionConflict(t *testing.T) {
	f := newFakeCouch()
	f.conflicts = 1
	f.rival = func(doc map[string]any) map[string]any {
		return map[string]any{
			"user_id": "u1",
			"data": map[string]any{
				"nutritionState": map[string]any{"meals": []any{map[string]any{"id": "m1"}}},
			},
		}
	}
	c := newTestCouch(t, f)
	ctx := context.Background()

	require.NoError(t, c.SaveUserDocument(ctx, "u1", map[string]json.RawMessage{
		"userProfile": json.RawMessage(`{"name":"Sam"}`),
	}))
	assert.Equal(t, 2, f.puts)

	// the retry is laid over the rival's revision
	doc, err := c.FetchUserDocument(ctx, "u1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Sam"}`, string(doc.Data["userProfile"]))
	assert.JSONEq(t, `{"meals":[{"id":"m1"}]}`, string(doc.Data["nutritionState"]))
}

func TestCouchSaveGivesUpAfterRepeatedConflicts(t *testing.T) {
	f := newFakeCouch()
	f.conflicts = saveAttempts
	c := newTestCouch(t, f)

	err := c.SaveUserDocument(context.Background(), "u1", map[string]json.RawMessage{
		"userProfile": json.RawMessage(`{"name":"Sam"}`),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, syncerr.ErrTransient))
	assert.Equal(t, saveAttempts, f.puts)
}

func TestCouchFetchStampsUsesMango(t *testing.T) {
	f := newFakeCouch()
	c := newTestCouch(t, f)
	ctx := context.Background()

	stamps, err := c.FetchStamps(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, stamps)

	require.NoError(t, c.SaveUserDocument(ctx, "u1", map[string]json.RawMessage{
		"userProfile":    json.RawMessage(`{"name":"Sam","lastModified":"2026-03-02T09:00:00Z"}`),
		"nutritionState": json.RawMessage(`{"meals":[]}`),
	}))
	stamps, err = c.FetchStamps(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, stamps, 1)
	assert.True(t, stamps["userProfile"].Equal(ts))

	require.Len(t, f.finds, 2)
	q := f.finds[1]
	assert.Equal(t, map[string]any{"_id": "user:u1"}, q["selector"])
	assert.Equal(t, []any{"stamps"}, q["fields"])
}

func TestCouchUnauthorizedIsAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		couchJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized", "reason": "Name or password is incorrect."})
	}))
	defer srv.Close()
	c, err := NewCouch(config.RemoteConfig{Backend: "couchdb", Endpoint: srv.URL, Database: "keepsync"})
	require.NoError(t, err)

	_, err = c.FetchUserDocument(context.Background(), "u1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, syncerr.ErrAuth))
}
