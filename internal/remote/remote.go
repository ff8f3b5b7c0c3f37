// Package remote is the client side of the per-user remote document store.
package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/dopejs/keepsync/internal/config"
	"github.com/dopejs/keepsync/internal/resolve"
	"github.com/dopejs/keepsync/internal/syncerr"
)

// ErrStampsUnsupported is returned by FetchStamps when a backend (or a
// decorator around one) cannot answer without the full document.
var ErrStampsUnsupported = errors.New("stamp fetch not supported")

// Document is the single remote record held per user.
type Document struct {
	UserID    string                     `json:"user_id"`
	Data      map[string]json.RawMessage `json:"data"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// Store is the remote document store contract.
type Store interface {
	// FetchUserDocument returns the user's document. Returns nil,nil if the
	// user has no document yet.
	FetchUserDocument(ctx context.Context, userID string) (*Document, error)
	// SaveUserDocument upserts the given domains, leaving others untouched.
	// The backend stamps UpdatedAt.
	SaveUserDocument(ctx context.Context, userID string, domains map[string]json.RawMessage) error
	// Name returns the backend type name.
	Name() string
}

// StampFetcher is implemented by backends that can report per-domain
// lastModified values without transferring domain payloads.
type StampFetcher interface {
	FetchStamps(ctx context.Context, userID string) (map[string]time.Time, error)
}

// Preparer is implemented by backends that need one-time setup, such as
// creating a database, before first use.
type Preparer interface {
	Ensure(ctx context.Context) error
}

// Prepare runs s's setup when it has any.
func Prepare(ctx context.Context, s Store) error {
	if p, ok := s.(Preparer); ok {
		return p.Ensure(ctx)
	}
	return nil
}

// New creates a Store from cfg.
func New(cfg config.RemoteConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Backend {
	case "memory", "":
		s = NewMemory()
	case "http":
		s = &HTTP{Endpoint: cfg.Endpoint, Token: cfg.Token, Username: cfg.Username, Password: cfg.Password}
	case "s3":
		s, err = NewS3(cfg)
	case "couchdb":
		s, err = NewCouch(cfg)
	default:
		return nil, errors.Newf("unknown remote backend: %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if cfg.RequestsPerSecond > 0 {
		s = RateLimited(s, cfg.RequestsPerSecond, cfg.Burst)
	}
	return s, nil
}

// StampsOf extracts each domain's lastModified from a document. Domains that
// fail to decode or carry no stamp are omitted.
func StampsOf(data map[string]json.RawMessage) map[string]time.Time {
	out := make(map[string]time.Time, len(data))
	for k, raw := range data {
		b, err := resolve.Decode(raw)
		if err != nil {
			continue
		}
		if t, ok := resolve.LastModified(b); ok {
			out[k] = t
		}
	}
	return out
}

// mergeData overlays domains onto a copy of base.
func mergeData(base, domains map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(base)+len(domains))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range domains {
		out[k] = v
	}
	return out
}

// classifyStatus marks an HTTP-level failure with the sync error taxonomy.
func classifyStatus(status int, err error) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return syncerr.Auth(err)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500 || status == 0:
		return syncerr.Transient(err)
	default:
		return err
	}
}
