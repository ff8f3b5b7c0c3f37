package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dopejs/keepsync/internal/clock"
	"github.com/dopejs/keepsync/internal/events"
	"github.com/dopejs/keepsync/internal/queue"
	"github.com/dopejs/keepsync/internal/remote"
	"github.com/dopejs/keepsync/internal/resolve"
	"github.com/dopejs/keepsync/internal/store"
	"github.com/dopejs/keepsync/internal/syncerr"
)

var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const user = "user-1"

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Publish(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) kinds() []events.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Kind, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Kind)
	}
	return out
}

type fixture struct {
	clk    *clock.Mock
	local  *store.Observed
	remote *remote.Memory
	queue  *queue.Queue
	sink   *recordingSink
	orch   *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureOn(t, store.NewMemory())
}

func newFixtureOn(t *testing.T, backend store.Backend) *fixture {
	t.Helper()
	f := &fixture{
		clk:    clock.NewMock(start),
		local:  store.New(backend).As(store.OriginEngine),
		remote: remote.NewMemory(),
		sink:   &recordingSink{},
	}
	f.remote.SetNow(f.clk.Now)
	q, err := queue.Open(f.local, queue.Options{MaxRetries: 3, Backoff: 2 * time.Second, Clock: f.clk})
	require.NoError(t, err)
	f.queue = q
	f.orch = New(Options{
		Local:          f.local,
		Remote:         f.remote,
		Queue:          q,
		Sink:           f.sink,
		Clock:          f.clk,
		Logger:         zaptest.NewLogger(t).Sugar(),
		LoginAttempts:  3,
		LoginBackoff:   2 * time.Second,
		NetworkTimeout: time.Second,
	})
	return f
}

func (f *fixture) setLocal(t *testing.T, domain, raw string) {
	t.Helper()
	require.NoError(t, f.local.Set(domain, []byte(raw)))
}

func (f *fixture) localBlob(t *testing.T, domain string) resolve.Blob {
	t.Helper()
	b, err := store.GetBlob(f.local, domain)
	require.NoError(t, err)
	return b
}

func (f *fixture) remoteBlob(t *testing.T, domain string) resolve.Blob {
	t.Helper()
	b, err := resolve.Decode(f.remote.Domain(user, domain))
	require.NoError(t, err)
	return b
}

func workoutWith(n int, ts time.Time) string {
	entries := make([]map[string]any, n)
	for i := range entries {
		entries[i] = map[string]any{"id": fmt.Sprintf("w%d", i+1), "reps": 10}
	}
	raw, _ := json.Marshal(map[string]any{
		"workoutHistory": entries,
		"lastModified":   ts.Format(time.RFC3339),
	})
	return string(raw)
}

func TestLoginSyncPushesLocalHistoryToEmptyRemote(t *testing.T) {
	f := newFixture(t)
	f.setLocal(t, resolve.DomainWorkout, workoutWith(5, start.Add(-time.Hour)))

	res := f.orch.LoginSync(context.Background(), user)
	require.True(t, res.Success, "%v", res.Err)
	assert.Equal(t, ModeLogin, res.Mode)
	assert.True(t, res.PushedToCloud)
	assert.Equal(t, []string{resolve.DomainWorkout}, res.PushedKeys)
	assert.Empty(t, res.QueuedKeys)

	rb := f.remoteBlob(t, resolve.DomainWorkout)
	assert.Len(t, rb["workoutHistory"], 5)
	rt, ok := resolve.LastModified(rb)
	require.True(t, ok)
	assert.True(t, rt.Equal(start))

	lt, ok := resolve.LastModified(f.localBlob(t, resolve.DomainWorkout))
	require.True(t, ok)
	assert.True(t, lt.Equal(rt), "local and remote agree on the stamp")
	assert.NotContains(t, res.UpdatedKeys, resolve.DomainWorkout)

	last, ok := f.orch.LastSync()
	require.True(t, ok)
	assert.True(t, last.Equal(start))
	assert.Equal(t, []events.Kind{events.SyncCompleted}, f.sink.kinds())
}

func TestLoginSyncPullsEverythingOnFreshDevice(t *testing.T) {
	f := newFixture(t)
	ts := start.Add(-time.Hour).Format(time.RFC3339)
	f.remote.Seed(user, resolve.DomainWorkout, json.RawMessage(workoutWith(3, start.Add(-time.Hour))))
	f.remote.Seed(user, resolve.DomainProfile, json.RawMessage(`{"name":"Sam","age":31,"lastModified":"`+ts+`"}`))
	f.remote.Seed(user, resolve.DomainGamification, json.RawMessage(`{"level":4,"xp":1200,"lastModified":"`+ts+`"}`))

	res := f.orch.LoginSync(context.Background(), user)
	require.True(t, res.Success, "%v", res.Err)
	assert.ElementsMatch(t, []string{resolve.DomainWorkout, resolve.DomainProfile, resolve.DomainGamification}, res.UpdatedKeys)
	assert.True(t, res.HasUpdates)
	assert.False(t, res.PushedToCloud)

	assert.Equal(t, "Sam", f.localBlob(t, resolve.DomainProfile)["name"])
	assert.Len(t, f.localBlob(t, resolve.DomainWorkout)["workoutHistory"], 3)
	assert.Nil(t, f.localBlob(t, resolve.DomainNutrition))

	_, saves, _ := f.remote.Counts()
	assert.Equal(t, 0, saves)

	kinds := f.sink.kinds()
	assert.Equal(t, []events.Kind{events.SyncCompleted, events.CloudDataUpdated}, kinds)
	assert.Equal(t, "login", f.sink.events[1].Source)
}

func TestDefaultLocalNeverClobbersRemote(t *testing.T) {
	f := newFixture(t)
	// a fresh install writes defaults with a newer stamp than the real data
	f.setLocal(t, resolve.DomainGamification, `{"level":1,"xp":0,"streak":0,"achievements":[],"badges":[],"lastModified":"`+start.Format(time.RFC3339)+`"}`)
	f.remote.Seed(user, resolve.DomainGamification, json.RawMessage(`{"level":7,"xp":5000,"lastModified":"2025-01-01T00:00:00Z"}`))

	res := f.orch.ForceSync(context.Background(), user)
	require.True(t, res.Success)
	assert.Equal(t, []string{resolve.DomainGamification}, res.UpdatedKeys)
	assert.False(t, res.PushedToCloud)
	assert.EqualValues(t, 7, f.localBlob(t, resolve.DomainGamification)["level"])
	assert.EqualValues(t, 7, f.remoteBlob(t, resolve.DomainGamification)["level"])
}

func TestForceSyncIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.setLocal(t, resolve.DomainWorkout, workoutWith(2, start.Add(-time.Minute)))
	f.remote.Seed(user, resolve.DomainProfile, json.RawMessage(`{"name":"Sam","lastModified":"2026-03-01T00:00:00Z"}`))

	first := f.orch.ForceSync(context.Background(), user)
	require.True(t, first.Success)
	require.True(t, first.PushedToCloud)
	_, savesAfterFirst, _ := f.remote.Counts()

	f.clk.Advance(time.Minute)
	second := f.orch.ForceSync(context.Background(), user)
	require.True(t, second.Success)
	assert.False(t, second.HasUpdates)
	assert.False(t, second.PushedToCloud)
	assert.Empty(t, second.UpdatedKeys)
	_, saves, _ := f.remote.Counts()
	assert.Equal(t, savesAfterFirst, saves)
}

func TestEqualFreshnessMergesCollectionsAndPushes(t *testing.T) {
	f := newFixture(t)
	ts := start.Add(-time.Hour).Format(time.RFC3339)
	f.setLocal(t, resolve.DomainNutrition, `{"meals":[{"id":"m1","kcal":500}],"lastModified":"`+ts+`"}`)
	f.remote.Seed(user, resolve.DomainNutrition, json.RawMessage(`{"meals":[{"id":"m2","kcal":700}],"lastModified":"`+ts+`"}`))

	res := f.orch.ForceSync(context.Background(), user)
	require.True(t, res.Success)
	assert.Equal(t, []string{resolve.DomainNutrition}, res.UpdatedKeys)
	assert.Equal(t, []string{resolve.DomainNutrition}, res.PushedKeys)
	assert.Len(t, f.localBlob(t, resolve.DomainNutrition)["meals"], 2)
	assert.Len(t, f.remoteBlob(t, resolve.DomainNutrition)["meals"], 2)
}

// racingBackend calls onRead after serving each read of key, with the
// 1-based read count, as if the application wrote right after the engine
// read.
type racingBackend struct {
	*store.Memory
	mu     sync.Mutex
	key    string
	reads  int
	onRead func(n int)
}

func (b *racingBackend) Get(key string) ([]byte, error) {
	v, err := b.Memory.Get(key)
	if key != b.key {
		return v, err
	}
	b.mu.Lock()
	b.reads++
	n, fn := b.reads, b.onRead
	b.mu.Unlock()
	if fn != nil {
		fn(n)
	}
	return v, err
}

func (b *racingBackend) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onRead = nil
}

func historyIDs(b resolve.Blob) []string {
	var ids []string
	entries, _ := b["workoutHistory"].([]any)
	for _, e := range entries {
		if m, ok := e.(map[string]any); ok {
			ids = append(ids, fmt.Sprint(m["id"]))
		}
	}
	return ids
}

func TestMergeKeepsWriteMadeDuringPass(t *testing.T) {
	backend := &racingBackend{Memory: store.NewMemory(), key: resolve.DomainWorkout}
	f := newFixtureOn(t, backend)
	f.setLocal(t, resolve.DomainWorkout, workoutWith(1, start.Add(-time.Hour)))
	f.remote.Seed(user, resolve.DomainWorkout, json.RawMessage(workoutWith(2, start.Add(-30*time.Minute))))

	app := f.local.As(store.OriginApp)
	backend.onRead = func(n int) {
		if n != 1 {
			return
		}
		raw := `{"workoutHistory":[{"id":"w1","reps":10},{"id":"mine","reps":12}],"lastModified":"` + start.Format(time.RFC3339) + `"}`
		require.NoError(t, app.Set(resolve.DomainWorkout, []byte(raw)))
	}

	res := f.orch.ForceSync(context.Background(), user)
	backend.stop()
	require.True(t, res.Success, "%v", res.Err)
	assert.Empty(t, res.Skipped)
	assert.Contains(t, historyIDs(f.localBlob(t, resolve.DomainWorkout)), "mine")
	assert.Contains(t, historyIDs(f.remoteBlob(t, resolve.DomainWorkout)), "mine")
	assert.Equal(t, []string{resolve.DomainWorkout}, res.PushedKeys)
}

func TestMergeGivesUpOnDomainThatKeepsChanging(t *testing.T) {
	backend := &racingBackend{Memory: store.NewMemory(), key: resolve.DomainProfile}
	f := newFixtureOn(t, backend)
	f.setLocal(t, resolve.DomainProfile, `{"name":"Sam","lastModified":"2026-03-01T00:00:00Z"}`)
	f.remote.Seed(user, resolve.DomainProfile, json.RawMessage(`{"name":"Alex","lastModified":"2026-03-02T00:00:00Z"}`))

	app := f.local.As(store.OriginApp)
	writes := 0
	// odd reads are the merge's reads; even ones are the swap's check
	backend.onRead = func(n int) {
		if n%2 == 0 {
			return
		}
		writes++
		require.NoError(t, app.Set(resolve.DomainProfile, []byte(fmt.Sprintf(`{"name":"Sam %d","lastModified":"2026-03-01T00:00:00Z"}`, writes))))
	}

	res := f.orch.ForceSync(context.Background(), user)
	backend.stop()
	require.True(t, res.Success, "%v", res.Err)
	assert.Equal(t, []string{resolve.DomainProfile}, res.Skipped)
	assert.Equal(t, mergeAttempts, writes)
	assert.Equal(t, fmt.Sprintf("Sam %d", writes), f.localBlob(t, resolve.DomainProfile)["name"])
}

func TestTransientPushFailureIsQueuedThenExhausted(t *testing.T) {
	f := newFixture(t)
	f.setLocal(t, resolve.DomainWorkout, workoutWith(1, start.Add(-time.Minute)))
	offline := syncerr.Transient(errors.New("offline"))
	f.remote.FailSave(offline)

	res := f.orch.ForceSync(context.Background(), user)
	require.True(t, res.Success, "transient push failures do not fail the pass")
	assert.Equal(t, []string{resolve.DomainWorkout}, res.QueuedKeys)
	assert.False(t, res.PushedToCloud)
	require.Equal(t, 1, f.queue.Len())
	assert.Equal(t, user, f.queue.Items()[0].UserID)

	f.remote.FailSave(offline, offline, offline, offline)
	handler := f.orch.ReplayHandler()
	for i := 1; i <= 3; i++ {
		report, err := f.queue.DrainAll(context.Background(), user, handler)
		require.NoError(t, err)
		require.Len(t, report.Failed, 1, "attempt %d", i)
	}
	report, err := f.queue.DrainAll(context.Background(), user, handler)
	require.NoError(t, err)
	require.Len(t, report.Exhausted, 1)
	assert.Equal(t, 0, f.queue.Len())
	assert.Nil(t, f.remote.Domain(user, resolve.DomainWorkout))
}

func TestQueuedPushReplaysOnceOnline(t *testing.T) {
	f := newFixture(t)
	f.setLocal(t, resolve.DomainWorkout, workoutWith(2, start.Add(-time.Minute)))
	f.remote.FailSave(syncerr.Transient(errors.New("offline")))
	require.True(t, f.orch.ForceSync(context.Background(), user).Success)

	report, err := f.queue.DrainAll(context.Background(), user, f.orch.ReplayHandler())
	require.NoError(t, err)
	assert.Len(t, report.Succeeded, 1)
	assert.Len(t, f.remoteBlob(t, resolve.DomainWorkout)["workoutHistory"], 2)
}

func TestReplaySkipsDomainNoLongerEligible(t *testing.T) {
	f := newFixture(t)
	f.setLocal(t, resolve.DomainProfile, `{"name":"Sam","lastModified":"2026-03-01T00:00:00Z"}`)
	f.remote.Seed(user, resolve.DomainProfile, json.RawMessage(`{"name":"Alex","lastModified":"2026-03-02T08:00:00Z"}`))

	require.NoError(t, f.orch.PushDomains(context.Background(), user, []string{resolve.DomainProfile}))
	_, saves, _ := f.remote.Counts()
	assert.Equal(t, 0, saves)
	assert.Equal(t, "Alex", f.localBlob(t, resolve.DomainProfile)["name"])
}

func TestAuthPushFailureFailsPass(t *testing.T) {
	f := newFixture(t)
	f.setLocal(t, resolve.DomainWorkout, workoutWith(1, start))
	f.remote.FailSave(syncerr.Auth(errors.New("token expired")))

	res := f.orch.ForceSync(context.Background(), user)
	assert.False(t, res.Success)
	assert.Equal(t, PhasePush, res.Phase)
	assert.Equal(t, syncerr.KindAuth, res.ErrorKind())
	assert.Equal(t, 0, f.queue.Len())
	assert.Equal(t, []events.Kind{events.SyncError}, f.sink.kinds())
}

func TestLoginSyncRetriesTransientFetch(t *testing.T) {
	f := newFixture(t)
	offline := syncerr.Transient(errors.New("offline"))
	f.remote.FailFetch(offline, offline)
	f.remote.Seed(user, resolve.DomainProfile, json.RawMessage(`{"name":"Sam"}`))

	res := f.orch.LoginSync(context.Background(), user)
	require.True(t, res.Success, "%v", res.Err)
	fetches, _, _ := f.remote.Counts()
	assert.Equal(t, 3, fetches)
	assert.Equal(t, start.Add(4*time.Second), f.clk.Now())
}

func TestLoginSyncGivesUpAfterAttempts(t *testing.T) {
	f := newFixture(t)
	f.setLocal(t, resolve.DomainProfile, `{"name":"Sam"}`)
	offline := syncerr.Transient(errors.New("offline"))
	f.remote.FailFetch(offline, offline, offline)

	res := f.orch.LoginSync(context.Background(), user)
	assert.False(t, res.Success)
	assert.Equal(t, PhaseFetch, res.Phase)
	assert.Equal(t, syncerr.KindTransient, res.ErrorKind())
	assert.Equal(t, "Sam", f.localBlob(t, resolve.DomainProfile)["name"])
	_, ok := f.orch.LastSync()
	assert.False(t, ok)
}

func TestLoginSyncAuthErrorAbortsImmediately(t *testing.T) {
	f := newFixture(t)
	f.remote.FailFetch(syncerr.Auth(errors.New("denied")))

	res := f.orch.LoginSync(context.Background(), user)
	assert.False(t, res.Success)
	assert.Equal(t, syncerr.KindAuth, res.ErrorKind())
	fetches, _, _ := f.remote.Counts()
	assert.Equal(t, 1, fetches)
}

func TestConcurrentSyncIsRejected(t *testing.T) {
	f := newFixture(t)
	f.orch.mu.Lock()
	res := f.orch.ForceSync(context.Background(), user)
	f.orch.mu.Unlock()

	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, syncerr.ErrAlreadySyncing))
	assert.Equal(t, syncerr.KindBusy, res.ErrorKind())
	fetches, _, _ := f.remote.Counts()
	assert.Equal(t, 0, fetches)
}

func TestNotSignedIn(t *testing.T) {
	f := newFixture(t)
	res := f.orch.ForceSync(context.Background(), "")
	assert.True(t, errors.Is(res.Err, syncerr.ErrNotSignedIn))
	p := f.orch.CheckForCloudChanges(context.Background(), "")
	assert.True(t, errors.Is(p.Err, syncerr.ErrNotSignedIn))
}

func TestMalformedDomainIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.setLocal(t, resolve.DomainProfile, `[1,2,3]`)
	f.setLocal(t, resolve.DomainWorkout, workoutWith(1, start))
	f.remote.Seed(user, resolve.DomainNutrition, json.RawMessage(`"broken"`))

	res := f.orch.ForceSync(context.Background(), user)
	require.True(t, res.Success)
	assert.ElementsMatch(t, []string{resolve.DomainProfile, resolve.DomainNutrition}, res.Skipped)
	assert.Equal(t, []string{resolve.DomainWorkout}, res.PushedKeys)
	assert.Nil(t, f.remote.Domain(user, resolve.DomainProfile))
}

func TestCheckForCloudChanges(t *testing.T) {
	f := newFixture(t)
	f.setLocal(t, resolve.DomainProfile, `{"name":"Sam","lastModified":"2026-03-01T00:00:00Z"}`)
	f.setLocal(t, resolve.DomainWorkout, workoutWith(1, start))
	f.remote.Seed(user, resolve.DomainProfile, json.RawMessage(`{"name":"Alex","lastModified":"2026-03-02T08:00:00Z"}`))
	f.remote.Seed(user, resolve.DomainWorkout, json.RawMessage(workoutWith(1, start.Add(-time.Hour))))
	f.remote.Seed(user, resolve.DomainGamification, json.RawMessage(`{"level":3,"lastModified":"2026-03-01T00:00:00Z"}`))

	p := f.orch.CheckForCloudChanges(context.Background(), user)
	require.NoError(t, p.Err)
	assert.True(t, p.HasChanges)
	assert.ElementsMatch(t, []string{resolve.DomainProfile, resolve.DomainGamification}, p.ChangedKeys)

	fetches, saves, stamps := f.remote.Counts()
	assert.Equal(t, 0, fetches)
	assert.Equal(t, 0, saves)
	assert.Equal(t, 1, stamps)
	assert.Equal(t, "Sam", f.localBlob(t, resolve.DomainProfile)["name"])
}

// plainStore hides the StampFetcher of the wrapped store.
type plainStore struct{ remote.Store }

func TestCheckForCloudChangesFallsBackToFetch(t *testing.T) {
	f := newFixture(t)
	f.orch.remote = plainStore{f.remote}
	f.remote.Seed(user, resolve.DomainNutrition, json.RawMessage(`{"meals":[{"id":"m1"}]}`))

	p := f.orch.CheckForCloudChanges(context.Background(), user)
	require.NoError(t, p.Err)
	assert.Equal(t, []string{resolve.DomainNutrition}, p.ChangedKeys)
	fetches, _, stamps := f.remote.Counts()
	assert.Equal(t, 1, fetches)
	assert.Equal(t, 0, stamps)
}

func TestCheckForCloudChangesNothingNew(t *testing.T) {
	f := newFixture(t)
	f.setLocal(t, resolve.DomainWorkout, workoutWith(1, start))
	require.True(t, f.orch.ForceSync(context.Background(), user).Success)

	p := f.orch.CheckForCloudChanges(context.Background(), user)
	require.NoError(t, p.Err)
	assert.False(t, p.HasChanges)
}

func TestCheckForCloudChangesError(t *testing.T) {
	f := newFixture(t)
	f.remote.FailFetch(syncerr.Transient(errors.New("offline")))
	p := f.orch.CheckForCloudChanges(context.Background(), user)
	assert.True(t, errors.Is(p.Err, syncerr.ErrTransient))
}

func TestPushEligible(t *testing.T) {
	older := map[string]any{"name": "Sam", "lastModified": "2026-03-01T00:00:00Z"}
	newer := map[string]any{"name": "Alex", "lastModified": "2026-03-02T00:00:00Z"}
	tests := []struct {
		name   string
		merged resolve.Blob
		remote resolve.Blob
		want   bool
	}{
		{"nothing local", nil, newer, false},
		{"default local", resolve.Blob{"name": ""}, nil, false},
		{"remote missing", older, nil, true},
		{"remote default", older, resolve.Blob{"name": "", "lastModified": "2027-01-01T00:00:00Z"}, true},
		{"local newer", newer, older, true},
		{"remote newer", older, newer, false},
		{"identical", older, resolve.Clone(older), false},
		{"same stamp different content", resolve.Blob{"name": "Kim", "lastModified": "2026-03-01T00:00:00Z"}, older, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pushEligible(tt.merged, tt.remote, resolve.DomainProfile))
		})
	}
}
