package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/dopejs/keepsync/internal/config"
	"github.com/dopejs/keepsync/internal/orchestrator"
	"github.com/dopejs/keepsync/internal/queue"
	"github.com/dopejs/keepsync/internal/syncerr"
)

// SyncResponse is the body of POST /sync.
type SyncResponse struct {
	Success       bool         `json:"success"`
	Mode          string       `json:"mode"`
	Phase         string       `json:"phase,omitempty"`
	Error         string       `json:"error,omitempty"`
	ErrorKind     syncerr.Kind `json:"error_kind,omitempty"`
	HasUpdates    bool         `json:"has_updates"`
	UpdatedKeys   []string     `json:"updated_keys"`
	PushedToCloud bool         `json:"pushed_to_cloud"`
	PushedKeys    []string     `json:"pushed_keys"`
	QueuedKeys    []string     `json:"queued_keys,omitempty"`
	SkippedKeys   []string     `json:"skipped_keys,omitempty"`
	DurationMS    int64        `json:"duration_ms"`
}

// NewSyncResponse converts a pass result for the wire.
func NewSyncResponse(res orchestrator.Result) SyncResponse {
	out := SyncResponse{
		Success:       res.Success,
		Mode:          string(res.Mode),
		Phase:         string(res.Phase),
		ErrorKind:     res.ErrorKind(),
		HasUpdates:    res.HasUpdates,
		UpdatedKeys:   nonNil(res.UpdatedKeys),
		PushedToCloud: res.PushedToCloud,
		PushedKeys:    nonNil(res.PushedKeys),
		QueuedKeys:    res.QueuedKeys,
		SkippedKeys:   res.Skipped,
		DurationMS:    res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

// CheckResponse is the body of POST /sync/check.
type CheckResponse struct {
	HasChanges  bool         `json:"has_changes"`
	ChangedKeys []string     `json:"changed_keys"`
	Error       string       `json:"error,omitempty"`
	ErrorKind   syncerr.Kind `json:"error_kind,omitempty"`
}

// ConfigRequest is the body of PUT /config. Durations use Go syntax
// ("5s", "1m30s"). Omitted fields are left unchanged.
type ConfigRequest struct {
	SyncDelay          string   `json:"sync_delay,omitempty"`
	MinSyncInterval    string   `json:"min_sync_interval,omitempty"`
	CloudCheckInterval string   `json:"cloud_check_interval,omitempty"`
	WatchedKeys        []string `json:"watched_keys,omitempty"`
}

// Runtime parses the request.
func (c ConfigRequest) Runtime() (config.Runtime, error) {
	var r config.Runtime
	var err error
	if r.SyncDelay, err = parseDuration("sync_delay", c.SyncDelay); err != nil {
		return r, err
	}
	if r.MinSyncInterval, err = parseDuration("min_sync_interval", c.MinSyncInterval); err != nil {
		return r, err
	}
	if r.CloudCheckInterval, err = parseDuration("cloud_check_interval", c.CloudCheckInterval); err != nil {
		return r, err
	}
	if c.WatchedKeys != nil {
		if len(c.WatchedKeys) == 0 {
			return r, errors.New("watched_keys must not be empty")
		}
		r.WatchedKeys = c.WatchedKeys
	}
	return r, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", field)
	}
	return d, nil
}

// ConfigResponse is the effective runtime configuration.
type ConfigResponse struct {
	SyncDelay          string   `json:"sync_delay"`
	MinSyncInterval    string   `json:"min_sync_interval"`
	CloudCheckInterval string   `json:"cloud_check_interval"`
	WatchedKeys        []string `json:"watched_keys"`
	MaxRetries         int      `json:"max_retries"`
}

func newConfigResponse(c config.SyncConfig) ConfigResponse {
	return ConfigResponse{
		SyncDelay:          c.SyncDelay.String(),
		MinSyncInterval:    c.MinSyncInterval.String(),
		CloudCheckInterval: c.CloudCheckInterval.String(),
		WatchedKeys:        nonNil(c.WatchedKeys),
		MaxRetries:         c.MaxRetries,
	}
}

// QueueResponse lists queued operations.
type QueueResponse struct {
	Items  []queue.Item `json:"items"`
	Length int          `json:"length"`
}

// DrainResponse reports a drain by item id.
type DrainResponse struct {
	Succeeded []string `json:"succeeded"`
	Failed    []string `json:"failed"`
	Exhausted []string `json:"exhausted"`
	Deferred  int      `json:"deferred"`
}

func newDrainResponse(r queue.DrainReport) DrainResponse {
	return DrainResponse{
		Succeeded: itemIDs(r.Succeeded),
		Failed:    itemIDs(r.Failed),
		Exhausted: itemIDs(r.Exhausted),
		Deferred:  r.Deferred,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	res := s.engine.ForceSyncNow(r.Context())
	writeJSON(w, syncStatusCode(res.Err), NewSyncResponse(res))
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	p := s.engine.CheckForCloudChanges(r.Context())
	out := CheckResponse{
		HasChanges:  p.HasChanges,
		ChangedKeys: nonNil(p.ChangedKeys),
		ErrorKind:   syncerr.Classify(p.Err),
	}
	if p.Err != nil {
		out.Error = p.Err.Error()
	}
	writeJSON(w, syncStatusCode(p.Err), out)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.engine.PauseAutoSync()
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.engine.ResumeAutoSync()
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newConfigResponse(s.engine.Config()))
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var req ConfigRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	rt, err := req.Runtime()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.UpdateConfig(rt); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newConfigResponse(s.engine.Config()))
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	items := s.engine.QueueItems()
	if items == nil {
		items = []queue.Item{}
	}
	writeJSON(w, http.StatusOK, QueueResponse{Items: items, Length: len(items)})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	report, err := s.engine.DrainQueue(r.Context(), force)
	if err != nil {
		writeError(w, syncStatusCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newDrainResponse(report))
}

// syncStatusCode maps a pass error onto an HTTP status.
func syncStatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, syncerr.ErrAlreadySyncing):
		return http.StatusConflict
	case errors.Is(err, syncerr.ErrNotSignedIn), errors.Is(err, syncerr.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func itemIDs(items []queue.Item) []string {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	return ids
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
