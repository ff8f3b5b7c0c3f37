package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/dopejs/keepsync/internal/config"
	"github.com/dopejs/keepsync/internal/syncerr"
)

// saveAttempts bounds retries on revision conflicts with other devices.
const saveAttempts = 3

// Couch stores one CouchDB document per user with id "user:<id>".
type Couch struct {
	client *kivik.Client
	dbName string
	now    func() time.Time
}

type couchDoc struct {
	ID        string                     `json:"_id"`
	Rev       string                     `json:"_rev,omitempty"`
	UserID    string                     `json:"user_id"`
	Data      map[string]json.RawMessage `json:"data"`
	Stamps    map[string]time.Time       `json:"stamps,omitempty"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// NewCouch creates a CouchDB store. No request is made until first use.
func NewCouch(cfg config.RemoteConfig) (*Couch, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "couchdb endpoint")
	}
	if cfg.Username != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}
	client, err := kivik.New("couch", u.String())
	if err != nil {
		return nil, errors.Wrap(err, "couchdb init")
	}
	return &Couch{client: client, dbName: cfg.Database, now: time.Now}, nil
}

func (b *Couch) Name() string { return "couchdb" }

func docID(userID string) string { return "user:" + userID }

// Ensure creates the database when it does not exist yet.
func (b *Couch) Ensure(ctx context.Context) error {
	exists, err := b.client.DBExists(ctx, b.dbName)
	if err != nil {
		return classifyCouch(errors.Wrap(err, "couchdb exists"), err)
	}
	if exists {
		return nil
	}
	if err := b.client.CreateDB(ctx, b.dbName); err != nil && kivik.HTTPStatus(err) != http.StatusPreconditionFailed {
		return classifyCouch(errors.Wrap(err, "couchdb create"), err)
	}
	return nil
}

func (b *Couch) get(ctx context.Context, userID string) (*couchDoc, error) {
	row := b.client.DB(b.dbName).Get(ctx, docID(userID))
	var doc couchDoc
	if err := row.ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, classifyCouch(errors.Wrap(err, "couchdb get"), err)
	}
	return &doc, nil
}

func (b *Couch) FetchUserDocument(ctx context.Context, userID string) (*Document, error) {
	doc, err := b.get(ctx, userID)
	if err != nil || doc == nil {
		return nil, err
	}
	if doc.Data == nil {
		doc.Data = map[string]json.RawMessage{}
	}
	return &Document{UserID: doc.UserID, Data: doc.Data, UpdatedAt: doc.UpdatedAt}, nil
}

// SaveUserDocument overlays domains on the current revision, retrying when
// another device wins the revision race.
func (b *Couch) SaveUserDocument(ctx context.Context, userID string, domains map[string]json.RawMessage) error {
	db := b.client.DB(b.dbName)
	var lastErr error
	for attempt := 0; attempt < saveAttempts; attempt++ {
		doc, err := b.get(ctx, userID)
		if err != nil {
			return errors.Wrap(err, "couchdb save")
		}
		if doc == nil {
			doc = &couchDoc{ID: docID(userID), UserID: userID}
		}
		doc.Data = mergeData(doc.Data, domains)
		doc.Stamps = StampsOf(doc.Data)
		doc.UpdatedAt = b.now().UTC()

		_, err = db.Put(ctx, doc.ID, doc)
		if err == nil {
			return nil
		}
		if kivik.HTTPStatus(err) != http.StatusConflict {
			return classifyCouch(errors.Wrap(err, "couchdb put"), err)
		}
		lastErr = err
	}
	return syncerr.Transient(errors.Wrapf(lastErr, "couchdb put: conflict after %d attempts", saveAttempts))
}

// FetchStamps asks Mango for the stamps field only.
func (b *Couch) FetchStamps(ctx context.Context, userID string) (map[string]time.Time, error) {
	query := map[string]interface{}{
		"selector": map[string]interface{}{"_id": docID(userID)},
		"fields":   []string{"stamps"},
		"limit":    1,
	}
	rows := b.client.DB(b.dbName).Find(ctx, query)
	defer rows.Close()

	out := map[string]time.Time{}
	for rows.Next() {
		var doc struct {
			Stamps map[string]time.Time `json:"stamps"`
		}
		if err := rows.ScanDoc(&doc); err != nil {
			return nil, syncerr.Integrity(errors.Wrap(err, "couchdb stamps"))
		}
		for k, t := range doc.Stamps {
			out[k] = t
		}
	}
	if err := rows.Err(); err != nil {
		return nil, classifyCouch(errors.Wrap(err, "couchdb find"), err)
	}
	return out, nil
}

func classifyCouch(wrapped, raw error) error {
	return classifyStatus(kivik.HTTPStatus(raw), wrapped)
}
