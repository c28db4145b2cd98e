package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"cloud.google.com/go/storage"
	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/goerr/v2"
)

// DefaultPrefix is the object prefix of archived dead letters
const DefaultPrefix = "dead-letters"

// Archiver writes dead letters to a Cloud Storage bucket as JSON objects
type Archiver struct {
	client *storage.Client
	bucket string
	prefix string
}

// Option configures an Archiver
type Option func(*Archiver)

// WithPrefix sets the object prefix
func WithPrefix(prefix string) Option {
	return func(a *Archiver) {
		a.prefix = prefix
	}
}

// New creates an Archiver
func New(ctx context.Context, bucket string, opts ...Option) (*Archiver, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage client", goerr.V("bucket", bucket))
	}

	a := &Archiver{
		client: client,
		bucket: bucket,
		prefix: DefaultPrefix,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Close releases the storage client
func (a *Archiver) Close() error {
	return a.client.Close()
}

// archivedDeadLetter is the object body. Payload is kept verbatim when it is
// valid JSON.
type archivedDeadLetter struct {
	DeadLetter *model.DeadLetter   `json:"dead_letter"`
	Event      *model.WebhookEvent `json:"event,omitempty"`
	Payload    json.RawMessage     `json:"payload,omitempty"`
}

// ObjectName returns the object path of a dead letter: prefix/yyyy/mm/dd/id.json
func ObjectName(prefix string, dl *model.DeadLetter) string {
	failed := dl.FailedAt.UTC()
	return path.Join(prefix,
		fmt.Sprintf("%04d", failed.Year()),
		fmt.Sprintf("%02d", int(failed.Month())),
		fmt.Sprintf("%02d", failed.Day()),
		dl.ID.String()+".json")
}

// Encode renders the archived object body
func Encode(dl *model.DeadLetter, ev *model.WebhookEvent) ([]byte, error) {
	doc := archivedDeadLetter{DeadLetter: dl, Event: ev}
	if ev != nil && json.Valid(ev.Payload) {
		doc.Payload = ev.Payload
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, goerr.Wrap(err, "failed to encode dead letter", goerr.V("dead_letter_id", dl.ID))
	}
	return raw, nil
}

// Archive uploads the dead letter and its ledger row
func (a *Archiver) Archive(ctx context.Context, dl *model.DeadLetter, ev *model.WebhookEvent) error {
	raw, err := Encode(dl, ev)
	if err != nil {
		return err
	}

	name := ObjectName(a.prefix, dl)
	w := a.client.Bucket(a.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/json"
	w.Metadata = map[string]string{
		"task_kind": string(dl.Task.Kind),
		"subject":   dl.Task.Subject(),
	}

	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return goerr.Wrap(err, "failed to write dead letter object",
			goerr.V("bucket", a.bucket),
			goerr.V("object", name))
	}
	if err := w.Close(); err != nil {
		return goerr.Wrap(err, "failed to close dead letter object",
			goerr.V("bucket", a.bucket),
			goerr.V("object", name))
	}
	return nil
}
