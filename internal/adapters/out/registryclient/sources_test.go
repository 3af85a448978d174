package registryclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullstream/imgpull/internal/domain"
)

func TestNewSourceTable_SeedsWellKnownSources(t *testing.T) {
	table := NewSourceTable(nil)
	assert.True(t, table.Known(domain.SourceDockerHub))
	assert.True(t, table.Known(domain.SourceQuay))
	assert.True(t, table.Known(domain.SourceGHCR))
	assert.False(t, table.Known("not-configured"))
}

func TestNewSourceTable_CustomOverridesWellKnown(t *testing.T) {
	table := NewSourceTable(map[string]RegistrySource{
		domain.SourceDockerHub: {Host: "mirror.internal", Scheme: AuthBasic, Username: "u", Password: "p"},
	})
	src, err := table.Resolve(domain.SourceDockerHub)
	require.NoError(t, err)
	assert.Equal(t, "mirror.internal", src.Host)
	assert.Equal(t, AuthBasic, src.Scheme)
}

func TestReplace_RotatesCredentialsWithoutLosingWellKnownSources(t *testing.T) {
	table := NewSourceTable(map[string]RegistrySource{
		"private": {Host: "registry.example.com", Scheme: AuthBasic, Username: "old", Password: "old-pw"},
	})

	table.Replace(map[string]RegistrySource{
		"private": {Host: "registry.example.com", Scheme: AuthBasic, Username: "new", Password: "new-pw"},
	})

	src, err := table.Resolve("private")
	require.NoError(t, err)
	assert.Equal(t, "new", src.Username)
	assert.Equal(t, "new-pw", src.Password)

	// the well-known sources seeded at construction time survive a
	// Replace that only supplies custom sources, since Replace always
	// starts from wellKnownSources() before layering the new map on top.
	assert.True(t, table.Known(domain.SourceDockerHub))
}

func TestReplace_DropsRemovedCustomSource(t *testing.T) {
	table := NewSourceTable(map[string]RegistrySource{
		"stale": {Host: "old.example.com"},
	})
	require.True(t, table.Known("stale"))

	table.Replace(map[string]RegistrySource{})

	assert.False(t, table.Known("stale"))
}
