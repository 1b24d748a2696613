// Package catalog implements the bootstrap catalog: the
// single encrypted document per endpoint that a fresh host uses to
// discover every target's latest snapshot, plus the pinned-message
// discovery root that points at it.
//
// Publish does not serialize concurrent writers: if two processes publish
// for the same endpoint at once, the last PinSet wins and the other
// uploaded document is left orphaned.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IvanLi-CN/televy-backup/internal/crypto"
	"github.com/IvanLi-CN/televy-backup/internal/errs"
	"github.com/IvanLi-CN/televy-backup/internal/provider"
	"github.com/IvanLi-CN/televy-backup/internal/store"
)

// subkeyInfo is the HKDF domain-separation string deriving the catalog's
// own key from the master key (see internal/crypto.DeriveSubkey), so that
// a logging bug or bug elsewhere exposing the catalog key alone can never
// also expose chunk plaintext.
const subkeyInfo = "televy.catalog.v1.subkey"

// Latest points a target at its most recent successfully indexed
// snapshot.
type Latest struct {
	SnapshotID       string `json:"snapshot_id"`
	ManifestObjectID string `json:"manifest_object_id"`
}

// Target is one backed-up source tracked in the catalog.
type Target struct {
	TargetID   string `json:"target_id"`
	SourcePath string `json:"source_path"`
	Label      string `json:"label"`
	Latest     Latest `json:"latest"`
}

// Document is the full per-endpoint catalog payload, encrypted and
// uploaded as a single object.
type Document struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Targets   []Target  `json:"targets"`
}

// OrphanError is returned by Publish when the document uploaded
// successfully but PinSet failed: the new document now exists as an
// orphan object (not yet referenced by the pin), while the previous pin
// is still valid and servable. This is a safe, recoverable
// state — the caller should retry RepublishPin(ObjectID) rather than
// re-uploading the document.
type OrphanError struct {
	ObjectID string
	Cause    error
}

func (e *OrphanError) Error() string {
	return fmt.Sprintf("catalog: document %s uploaded but pin-set failed: %v", e.ObjectID, e.Cause)
}

func (e *OrphanError) Unwrap() error { return e.Cause }

// Catalog publishes and fetches the bootstrap document for one endpoint.
type Catalog struct {
	store    *store.Store
	provider provider.Provider
}

// New derives the endpoint's catalog subkey from masterKey and builds a
// Catalog backed by p.
func New(masterKey []byte, p provider.Provider) (*Catalog, error) {
	subkey, err := crypto.DeriveSubkey(masterKey, subkeyInfo)
	if err != nil {
		return nil, fmt.Errorf("catalog: derive subkey: %w", err)
	}
	return &Catalog{store: store.New(subkey, p), provider: p}, nil
}

// Publish uploads doc encrypted under AD = televy.bootstrap.catalog.v1
// and then sets the pinned message to reference it. The previous pinned
// document becomes garbage; it is never collected here.
// If PinSet fails, Publish returns the uploaded object id wrapped in
// *OrphanError — the document is safely orphaned and the previous pin is
// still the discovery root; callers should retry with RepublishPin.
func (c *Catalog) Publish(ctx context.Context, doc Document) (objectID string, err error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("catalog: marshal document: %w", err)
	}
	objID, err := c.store.PutBlob(ctx, body, []byte(crypto.ADBootstrapCatalog))
	if err != nil {
		return "", fmt.Errorf("catalog: upload document: %w", err)
	}
	if err := c.provider.PinSet(ctx, []byte(objID)); err != nil {
		return objID, &OrphanError{ObjectID: objID, Cause: err}
	}
	return objID, nil
}

// RepublishPin retries only the pin-set step for an already-uploaded
// document, the recovery path for an *OrphanError from a previous
// Publish call.
func (c *Catalog) RepublishPin(ctx context.Context, objectID string) error {
	return c.provider.PinSet(ctx, []byte(objectID))
}

// Fetch reads the current pinned document. If the endpoint has never
// pinned a catalog it returns provider.ErrNoPinnedMessage wrapped with
// errs.BootstrapMissingPin. If the pinned object fails to decrypt, it
// surfaces errs.BootstrapDecryptFailed and never falls back to an older
// document: a pin that fails to decrypt must never be overwritten.
func (c *Catalog) Fetch(ctx context.Context) (Document, error) {
	payload, err := c.provider.PinGet(ctx)
	if err != nil {
		if errors.Is(err, provider.ErrNoPinnedMessage) {
			return Document{}, errs.Wrap(errs.BootstrapMissingPin, "no pinned catalog for this endpoint", err)
		}
		return Document{}, fmt.Errorf("catalog: fetch pin: %w", err)
	}
	objectID := string(payload)

	body, err := c.store.GetBlob(ctx, objectID, []byte(crypto.ADBootstrapCatalog))
	if err != nil {
		return Document{}, errs.Wrap(errs.BootstrapDecryptFailed, "pinned catalog document failed to decrypt", err)
	}

	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return Document{}, errs.Wrap(errs.BootstrapDecryptFailed, "pinned catalog document is not valid json", err)
	}
	return doc, nil
}

// UpsertTarget returns a copy of doc with target's Latest pointer set,
// adding a new Target entry if targetID was not already present —
// the read-modify-publish helper a backup run's finalize phase uses
// before calling Publish.
func UpsertTarget(doc Document, targetID, sourcePath, label string, latest Latest) Document {
	out := Document{Version: doc.Version, UpdatedAt: doc.UpdatedAt, Targets: make([]Target, 0, len(doc.Targets)+1)}
	found := false
	for _, t := range doc.Targets {
		if t.TargetID == targetID {
			t.SourcePath = sourcePath
			t.Label = label
			t.Latest = latest
			found = true
		}
		out.Targets = append(out.Targets, t)
	}
	if !found {
		out.Targets = append(out.Targets, Target{TargetID: targetID, SourcePath: sourcePath, Label: label, Latest: latest})
	}
	return out
}
