package syncerr

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestMarksSurviveWrapping(t *testing.T) {
	base := errors.New("connection reset")
	err := errors.Wrap(Transient(base), "fetch user document")

	assert.True(t, errors.Is(err, ErrTransient))
	assert.False(t, errors.Is(err, ErrAuth))
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, KindTransient, Classify(err))
}

func TestClassify(t *testing.T) {
	cases := map[Kind]error{
		KindNone:      nil,
		KindAuth:      Auth(errors.New("401")),
		KindIntegrity: Integrity(errors.New("bad json")),
		KindBusy:      errors.Wrap(ErrAlreadySyncing, "force sync"),
		KindTransient: errors.Wrap(context.DeadlineExceeded, "save"),
		KindUnknown:   errors.New("boom"),
	}
	for want, err := range cases {
		assert.Equal(t, want, Classify(err), "error %v", err)
	}
	assert.Equal(t, KindAuth, Classify(ErrNotSignedIn))
}

func TestNilPassThrough(t *testing.T) {
	assert.NoError(t, Transient(nil))
	assert.NoError(t, Auth(nil))
	assert.NoError(t, Integrity(nil))
	assert.False(t, IsTransient(nil))
}
