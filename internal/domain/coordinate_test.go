package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinate_NormalizeRepository(t *testing.T) {
	tests := []struct {
		name string
		coord Coordinate
		want string
	}{
		{
			name:  "dockerhub bare name gets library prefix",
			coord: Coordinate{Source: SourceDockerHub, Repository: "nginx"},
			want:  "library/nginx",
		},
		{
			name:  "dockerhub namespaced name is untouched",
			coord: Coordinate{Source: SourceDockerHub, Repository: "bitnami/nginx"},
			want:  "bitnami/nginx",
		},
		{
			name:  "quay bare name is untouched",
			coord: Coordinate{Source: SourceQuay, Repository: "nginx"},
			want:  "nginx",
		},
		{
			name:  "custom source bare name is untouched",
			coord: Coordinate{Source: "registry.example.com", Repository: "nginx"},
			want:  "nginx",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.coord.NormalizeRepository())
		})
	}
}

func TestParsePlatform(t *testing.T) {
	p, err := ParsePlatform("linux/arm64/v8")
	require.NoError(t, err)
	assert.Equal(t, Platform{OS: "linux", Architecture: "arm64", Variant: "v8"}, p)

	p, err = ParsePlatform("linux/amd64")
	require.NoError(t, err)
	assert.Equal(t, Platform{OS: "linux", Architecture: "amd64"}, p)

	_, err = ParsePlatform("linux")
	assert.Error(t, err)
}

func TestPlatform_String(t *testing.T) {
	assert.Equal(t, "linux/amd64", Platform{OS: "linux", Architecture: "amd64"}.String())
	assert.Equal(t, "linux/arm/v7", Platform{OS: "linux", Architecture: "arm", Variant: "v7"}.String())
}
