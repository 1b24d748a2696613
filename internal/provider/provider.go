// Package provider defines the narrow interface the core uses to reach a
// remote object-store channel, and the rate-limiting, retry, and resume
// machinery layered in front of it.
//
// This package never imports a wire-level MTProto client: the concrete
// transport is an external collaborator the caller injects via Provider
// (see registry.go), keeping the core independent of any particular
// Telegram client library.
package provider

import "context"

// Provider is the provider-scoped facade the rest of the core calls:
// upload/download of opaque blobs, and the two pinned-root operations
// the bootstrap catalog needs.
type Provider interface {
	// Upload sends blob (already framed by internal/crypto) and returns its
	// object id. Implementations are responsible for chunked upload of
	// large files and resuming from the last acknowledged offset.
	Upload(ctx context.Context, blob []byte) (objectID string, err error)

	// Download fetches the blob previously returned by Upload, or a pack
	// slice addressed by a tgpack: object id. Implementations must
	// transparently re-resolve an expired file reference and retry once.
	Download(ctx context.Context, objectID string) ([]byte, error)

	// PinSet designates payload as the new discovery root for this
	// endpoint (the bootstrap catalog's pinned message).
	PinSet(ctx context.Context, payload []byte) error

	// PinGet fetches the currently pinned payload, or returns
	// ErrNoPinnedMessage if the endpoint has never pinned one.
	PinGet(ctx context.Context) ([]byte, error)

	// ChannelCheck verifies the endpoint's credentials and chat are usable
	// without performing any upload/download.
	ChannelCheck(ctx context.Context) error
}
