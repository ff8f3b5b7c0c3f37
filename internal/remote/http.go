package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/dopejs/keepsync/internal/syncerr"
)

// HTTP talks to a REST document service:
//
//	GET   {Endpoint}/users/{id}/document  -> Document (404 when absent)
//	PATCH {Endpoint}/users/{id}/document  <- {"data": {domain: blob}}
//
// Auth is a bearer token, or basic auth when Username is set.
type HTTP struct {
	Endpoint string
	Token    string
	Username string
	Password string
	Client   *http.Client
}

func (b *HTTP) Name() string { return "http" }

func (b *HTTP) documentURL(userID string) string {
	return strings.TrimRight(b.Endpoint, "/") + "/users/" + url.PathEscape(userID) + "/document"
}

func (b *HTTP) client() *http.Client {
	if b.Client != nil {
		return b.Client
	}
	return http.DefaultClient
}

func (b *HTTP) authorize(req *http.Request) {
	switch {
	case b.Username != "":
		req.SetBasicAuth(b.Username, b.Password)
	case b.Token != "":
		req.Header.Set("Authorization", "Bearer "+b.Token)
	}
}

func (b *HTTP) FetchUserDocument(ctx context.Context, userID string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.documentURL(userID), nil)
	if err != nil {
		return nil, errors.Wrap(err, "http fetch")
	}
	b.authorize(req)
	req.Header.Set("Accept", "application/json")

	resp, err := b.client().Do(req)
	if err != nil {
		return nil, syncerr.Transient(errors.Wrap(err, "http fetch"))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, classifyStatus(resp.StatusCode, errors.Newf("http fetch: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var doc Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, syncerr.Integrity(errors.Wrap(err, "http fetch: decode document"))
	}
	if doc.Data == nil {
		doc.Data = map[string]json.RawMessage{}
	}
	return &doc, nil
}

func (b *HTTP) SaveUserDocument(ctx context.Context, userID string, domains map[string]json.RawMessage) error {
	body, err := json.Marshal(map[string]any{"data": domains})
	if err != nil {
		return errors.Wrap(err, "http save")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, b.documentURL(userID), bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "http save")
	}
	req.Header.Set("Content-Type", "application/json")
	b.authorize(req)

	resp, err := b.client().Do(req)
	if err != nil {
		return syncerr.Transient(errors.Wrap(err, "http save"))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return classifyStatus(resp.StatusCode, errors.Newf("http save: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
}
