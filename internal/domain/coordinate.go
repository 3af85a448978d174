package domain

import (
	"fmt"
	"strings"
)

// Platform selects a single entry from a manifest list or OCI index.
type Platform struct {
	OS           string
	Architecture string
	Variant      string
}

// String renders the platform the way CLI flags and task records expect
// to see it, e.g. "linux/amd64" or "linux/arm64/v8".
func (p Platform) String() string {
	if p.Variant == "" {
		return p.OS + "/" + p.Architecture
	}
	return p.OS + "/" + p.Architecture + "/" + p.Variant
}

// ParsePlatform parses "os/arch" or "os/arch/variant".
func ParsePlatform(s string) (Platform, error) {
	parts := strings.Split(s, "/")
	switch len(parts) {
	case 2:
		return Platform{OS: parts[0], Architecture: parts[1]}, nil
	case 3:
		return Platform{OS: parts[0], Architecture: parts[1], Variant: parts[2]}, nil
	default:
		return Platform{}, fmt.Errorf("invalid platform %q: expected os/arch or os/arch/variant", s)
	}
}

// DefaultPlatform is used whenever a task omits one.
var DefaultPlatform = Platform{OS: "linux", Architecture: "amd64"}

// Coordinate names a single image in a single registry.
type Coordinate struct {
	Source     string // "dockerhub", "quay", "ghcr", or a custom host
	Repository string // e.g. "library/nginx"
	Reference  string // tag or digest
}

// NormalizeRepository applies the source's bare-name convention.
// Docker Hub treats an unqualified name like "nginx" as "library/nginx";
// other sources require a fully qualified path.
func (c Coordinate) NormalizeRepository() string {
	repo := c.Repository
	if c.Source == SourceDockerHub && !strings.Contains(repo, "/") {
		return "library/" + repo
	}
	return repo
}

// String renders a coordinate for logging and task display.
func (c Coordinate) String() string {
	return fmt.Sprintf("%s/%s:%s", c.Source, c.NormalizeRepository(), c.Reference)
}

// Known registry sources. A custom source is any other non-empty string
// paired with a RegistrySource config entry naming its host.
const (
	SourceDockerHub = "dockerhub"
	SourceQuay      = "quay"
	SourceGHCR      = "ghcr"
)
