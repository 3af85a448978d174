package registryclient

import (
	"fmt"
	"sync"

	"github.com/nullstream/imgpull/internal/domain"
)

// AuthScheme names how a RegistrySource authenticates a pull.
type AuthScheme string

const (
	// AuthBearer performs the OAuth2-flavored token exchange from
	// spec.md §4.1/SPEC_FULL §4.1a: GET <realm>?service=<service>&scope=...
	AuthBearer AuthScheme = "bearer"
	// AuthBasic sends a statically configured HTTP Basic credential.
	AuthBasic AuthScheme = "basic"
	// AuthAnonymous sends no Authorization header at all.
	AuthAnonymous AuthScheme = "anonymous"
)

// RegistrySource describes one named registry host and how to
// authenticate against it (SPEC_FULL §4.1a).
type RegistrySource struct {
	Host      string
	URLScheme string // "https" in production; tests point this at a plain-http httptest server
	Scheme    AuthScheme
	Realm     string // bearer token endpoint; "" to discover via Www-Authenticate
	Service   string // bearer "service" parameter
	Username  string // basic auth
	Password  string // basic auth
}

func (s RegistrySource) urlScheme() string {
	if s.URLScheme != "" {
		return s.URLScheme
	}
	return "https"
}

// SourceTable resolves a task's configured "source" name to connection
// details. Unknown sources fail task creation with InvalidArgument
// (spec.md §6, "Unknown sources fail task creation").
//
// A SourceTable is shared by reference with the Client that was built
// from it (registryclient.New keeps the *SourceTable pointer rather
// than copying it), so Replace can rotate credentials under a config
// reload without constructing a new Client.
type SourceTable struct {
	mu      sync.RWMutex
	sources map[string]RegistrySource
}

func wellKnownSources() map[string]RegistrySource {
	return map[string]RegistrySource{
		domain.SourceDockerHub: {
			Host:    "registry-1.docker.io",
			Scheme:  AuthBearer,
			Realm:   "https://auth.docker.io/token",
			Service: "registry.docker.io",
		},
		domain.SourceQuay: {
			Host:   "quay.io",
			Scheme: AuthBearer,
			// Realm left blank: discovered from the Www-Authenticate
			// challenge on an anonymous manifest GET.
		},
		domain.SourceGHCR: {
			Host:    "ghcr.io",
			Scheme:  AuthBearer,
			Realm:   "https://ghcr.io/token",
			Service: "ghcr.io",
		},
	}
}

// NewSourceTable builds a table seeded with the three well-known
// sources plus whatever custom hosts config supplies.
func NewSourceTable(custom map[string]RegistrySource) *SourceTable {
	t := &SourceTable{sources: wellKnownSources()}
	for name, src := range custom {
		t.sources[name] = src
	}
	return t
}

// Resolve looks up name, returning an InvalidArgument engine error for
// an unknown source.
func (t *SourceTable) Resolve(name string) (RegistrySource, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	src, ok := t.sources[name]
	if !ok {
		return RegistrySource{}, domain.NewError(domain.KindInvalidArgument, "SourceTable.Resolve",
			fmt.Errorf("unknown registry source %q", name))
	}
	return src, nil
}

// Known reports whether name is a configured source.
func (t *SourceTable) Known(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.sources[name]
	return ok
}

// Replace swaps in a freshly configured set of custom sources over the
// well-known defaults, used by the config file watcher to rotate
// registry credentials without restarting the process or the Scheduler.
func (t *SourceTable) Replace(custom map[string]RegistrySource) {
	sources := wellKnownSources()
	for name, src := range custom {
		sources[name] = src
	}
	t.mu.Lock()
	t.sources = sources
	t.mu.Unlock()
}
