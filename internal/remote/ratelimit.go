package remote

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"github.com/dopejs/keepsync/internal/syncerr"
)

type rateLimited struct {
	inner   Store
	limiter *rate.Limiter
}

// RateLimited wraps s so that at most rps calls per second reach it.
func RateLimited(s Store, rps float64, burst int) Store {
	if burst < 1 {
		burst = 1
	}
	return &rateLimited{inner: s, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *rateLimited) Name() string { return r.inner.Name() }

func (r *rateLimited) wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return syncerr.Transient(errors.Wrap(err, "rate limit"))
	}
	return nil
}

func (r *rateLimited) FetchUserDocument(ctx context.Context, userID string) (*Document, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.FetchUserDocument(ctx, userID)
}

func (r *rateLimited) SaveUserDocument(ctx context.Context, userID string, domains map[string]json.RawMessage) error {
	if err := r.wait(ctx); err != nil {
		return err
	}
	return r.inner.SaveUserDocument(ctx, userID, domains)
}

func (r *rateLimited) FetchStamps(ctx context.Context, userID string) (map[string]time.Time, error) {
	sf, ok := r.inner.(StampFetcher)
	if !ok {
		return nil, ErrStampsUnsupported
	}
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return sf.FetchStamps(ctx, userID)
}

func (r *rateLimited) Ensure(ctx context.Context) error {
	return Prepare(ctx, r.inner)
}
