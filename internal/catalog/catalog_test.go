package catalog

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IvanLi-CN/televy-backup/internal/errs"
	"github.com/IvanLi-CN/televy-backup/internal/provider"
)

type fakeProvider struct {
	objects     map[string][]byte
	next        int
	pinned      []byte
	failNextPin bool
}

func newFakeProvider() *fakeProvider { return &fakeProvider{objects: make(map[string][]byte)} }

func (p *fakeProvider) Upload(ctx context.Context, blob []byte) (string, error) {
	p.next++
	id := fmt.Sprintf("fake-%d", p.next)
	p.objects[id] = append([]byte(nil), blob...)
	return id, nil
}

func (p *fakeProvider) Download(ctx context.Context, objectID string) ([]byte, error) {
	b, ok := p.objects[objectID]
	if !ok {
		return nil, fmt.Errorf("no such object %s", objectID)
	}
	return b, nil
}

func (p *fakeProvider) PinSet(ctx context.Context, payload []byte) error {
	if p.failNextPin {
		p.failNextPin = false
		return fmt.Errorf("simulated pin-set failure")
	}
	p.pinned = append([]byte(nil), payload...)
	return nil
}

func (p *fakeProvider) PinGet(ctx context.Context) ([]byte, error) {
	if p.pinned == nil {
		return nil, provider.ErrNoPinnedMessage
	}
	return p.pinned, nil
}

func (p *fakeProvider) ChannelCheck(ctx context.Context) error { return nil }

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestPublishFetchRoundTrip(t *testing.T) {
	key := testKey(t)
	fp := newFakeProvider()
	c, err := New(key, fp)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	doc := Document{
		Version:   1,
		UpdatedAt: time.Unix(1700000000, 0).UTC(),
		Targets: []Target{
			{TargetID: "home", SourcePath: "/home/user", Label: "nightly", Latest: Latest{SnapshotID: "s1", ManifestObjectID: "fake-manifest"}},
		},
	}

	objID, err := c.Publish(context.Background(), doc)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if objID == "" {
		t.Fatal("expected non-empty object id")
	}

	got, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got.Targets) != 1 || got.Targets[0].TargetID != "home" {
		t.Fatalf("unexpected fetched document: %+v", got)
	}
}

func TestFetchWithNoPinReturnsMissingPin(t *testing.T) {
	key := testKey(t)
	fp := newFakeProvider()
	c, err := New(key, fp)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.Fetch(context.Background())
	if err == nil {
		t.Fatal("expected error with no pinned catalog")
	}
	code, ok := errs.CodeOf(err)
	if !ok || code != errs.BootstrapMissingPin {
		t.Fatalf("expected BootstrapMissingPin, got %v (ok=%v)", code, ok)
	}
}

func TestPublishOrphansDocumentOnPinSetFailure(t *testing.T) {
	key := testKey(t)
	fp := newFakeProvider()
	c, err := New(key, fp)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	fp.failNextPin = true
	doc := Document{Version: 1, UpdatedAt: time.Unix(1700000000, 0).UTC()}
	_, err = c.Publish(context.Background(), doc)
	if err == nil {
		t.Fatal("expected orphan error")
	}
	var orphanErr *OrphanError
	if !errors.As(err, &orphanErr) {
		t.Fatalf("expected *OrphanError, got %T: %v", err, err)
	}
	if orphanErr.ObjectID == "" {
		t.Fatal("expected orphaned object id to be populated")
	}

	// Previous pin (none yet) is untouched; retrying the pin alone
	// succeeds without re-uploading.
	if err := c.RepublishPin(context.Background(), orphanErr.ObjectID); err != nil {
		t.Fatalf("RepublishPin: %v", err)
	}
	got, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch after RepublishPin: %v", err)
	}
	if got.Version != 1 {
		t.Fatalf("unexpected recovered document: %+v", got)
	}
}

func TestUpsertTargetAddsAndUpdates(t *testing.T) {
	doc := Document{Version: 1}
	doc = UpsertTarget(doc, "home", "/home/user", "nightly", Latest{SnapshotID: "s1"})
	if len(doc.Targets) != 1 {
		t.Fatalf("expected 1 target, got %d", len(doc.Targets))
	}
	doc = UpsertTarget(doc, "home", "/home/user", "nightly", Latest{SnapshotID: "s2"})
	if len(doc.Targets) != 1 {
		t.Fatalf("expected upsert to update in place, got %d targets", len(doc.Targets))
	}
	if doc.Targets[0].Latest.SnapshotID != "s2" {
		t.Fatalf("expected latest snapshot id to be updated, got %s", doc.Targets[0].Latest.SnapshotID)
	}
}
