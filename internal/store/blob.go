package store

import (
	"github.com/cockroachdb/errors"

	"github.com/dopejs/keepsync/internal/resolve"
)

// GetBlob reads and decodes a domain. Missing keys return a nil Blob.
func GetBlob(s *Observed, key string) (resolve.Blob, error) {
	raw, err := s.Get(key)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", key)
	}
	return resolve.Decode(raw)
}

// ReadBlob is GetBlob that also returns the raw bytes, for a later SwapBlob.
func ReadBlob(s *Observed, key string) (resolve.Blob, []byte, error) {
	raw, err := s.Get(key)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "read %s", key)
	}
	b, err := resolve.Decode(raw)
	return b, raw, err
}

// SwapBlob writes b only if key still holds old. It reports false when
// another write got there first.
func SwapBlob(s *Observed, key string, old []byte, b resolve.Blob) (bool, error) {
	raw, err := resolve.Encode(b)
	if err != nil {
		return false, errors.Wrapf(err, "encode %s", key)
	}
	ok, err := s.CompareAndSwap(key, old, raw)
	if err != nil {
		return false, errors.Wrapf(err, "write %s", key)
	}
	return ok, nil
}

// SetBlob encodes and writes a domain.
func SetBlob(s *Observed, key string, b resolve.Blob) error {
	raw, err := resolve.Encode(b)
	if err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}
	if raw == nil {
		return s.Remove(key)
	}
	return s.Set(key, raw)
}
