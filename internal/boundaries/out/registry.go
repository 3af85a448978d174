// Package out defines the outbound ports: contracts the usecase layer
// calls, implemented by adapters (HTTP registry client, filesystem task
// store, in-memory progress bus).
package out

import (
	"context"
	"io"

	"github.com/opencontainers/go-digest"

	"github.com/nullstream/imgpull/internal/domain"
)

// ManifestResult is what get_manifest returns: the raw body, its
// content type, and its digest (header-supplied or computed).
type ManifestResult struct {
	Data        []byte
	ContentType string
	Digest      digest.Digest
}

// RegistryClient speaks the OCI/Docker v2 distribution protocol
// (spec.md §4.1, component C1). It is stateless and parameterized by
// a credential resolver baked in at construction time; it never
// retries — that is a Scheduler/State Machine concern.
type RegistryClient interface {
	// KnownSource reports whether name resolves to a configured
	// RegistrySource, letting Create fail synchronously with
	// InvalidArgument on an unknown source without a network round-trip
	// (spec.md §6).
	KnownSource(name string) bool

	// ResolveToken performs the bearer/basic/anonymous auth handshake
	// for (host, repository) and returns a credential usable as the
	// value of an Authorization header (already including the scheme).
	ResolveToken(ctx context.Context, source, repository string) (string, error)

	// GetManifest fetches the manifest for reference, negotiating
	// manifest-list, OCI index, and concrete manifest content types in
	// a single request's Accept header.
	GetManifest(ctx context.Context, source, repository, reference, token string) (*ManifestResult, error)

	// SelectPlatform inspects a manifest-list/index body and returns
	// the child digest matching platform, or "" if mediaType already
	// names a concrete manifest ("use as-is").
	SelectPlatform(data []byte, mediaType string, platform domain.Platform) (digest.Digest, error)

	// StreamBlob opens a streaming body for digest, starting at offset
	// (0 for a fresh transfer). The returned BlobStream reports whether
	// the server honored the Range request.
	StreamBlob(ctx context.Context, source, repository string, dgst digest.Digest, offset int64, token string) (*BlobStream, error)

	// GetConfig is a convenience wrapper over StreamBlob for the small
	// JSON config blob, returning its full bytes.
	GetConfig(ctx context.Context, source, repository string, dgst digest.Digest, token string) ([]byte, error)

	// Catalog queries a registry's repository catalog for search
	// (SPEC_FULL §6c). Not all sources support this.
	Catalog(ctx context.Context, source, query string) ([]domain.SearchResult, error)
}

// BlobStream is a blob body plus whether the server resumed via Range.
type BlobStream struct {
	Body    io.ReadCloser
	Resumed bool // true if the server answered 206 Partial Content
	Size    int64
}
