package registryclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bnema/zerowrap"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullstream/imgpull/internal/domain"
)

func testLog() zerowrap.Logger {
	return zerowrap.New(zerowrap.Config{Level: "warn"})
}

func hostOf(serverURL string) string {
	return strings.TrimPrefix(strings.TrimPrefix(serverURL, "https://"), "http://")
}

func newClientForServer(t *testing.T, server *httptest.Server, sourceName string, src RegistrySource) *Client {
	t.Cleanup(server.Close)
	src.Host = hostOf(server.URL)
	src.URLScheme = "http"
	table := NewSourceTable(map[string]RegistrySource{sourceName: src})
	return New(server.Client(), table, testLog())
}

func TestResolveToken_Anonymous(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("anonymous source should never hit the network")
	}))
	client := newClientForServer(t, server, "anon", RegistrySource{Scheme: AuthAnonymous})

	token, err := client.ResolveToken(context.Background(), "anon", "library/nginx")
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestResolveToken_Basic(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("basic source should never hit the network during resolve_token")
	}))
	client := newClientForServer(t, server, "private", RegistrySource{
		Scheme:   AuthBasic,
		Username: "alice",
		Password: "secret",
	})

	token, err := client.ResolveToken(context.Background(), "private", "myorg/myimage")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "Basic "))
}

func TestResolveToken_BearerWithConfiguredRealm(t *testing.T) {
	var tokenHits int
	realmServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenHits++
		assert.Equal(t, "repository:library/nginx:pull", r.URL.Query().Get("scope"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(tokenResponse{Token: "t0k3n"})
	}))
	t.Cleanup(realmServer.Close)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client := newClientForServer(t, server, "dh", RegistrySource{
		Scheme:  AuthBearer,
		Realm:   realmServer.URL,
		Service: "registry.docker.io",
	})

	token, err := client.ResolveToken(context.Background(), "dh", "library/nginx")
	require.NoError(t, err)
	assert.Equal(t, "Bearer t0k3n", token)
	assert.Equal(t, 1, tokenHits)
}

func TestResolveToken_BearerDiscoversRealmFromChallenge(t *testing.T) {
	realmServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(tokenResponse{Token: "discovered"})
	}))
	t.Cleanup(realmServer.Close)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Www-Authenticate", `Bearer realm="`+realmServer.URL+`",service="quay.io"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	client := newClientForServer(t, server, "quay", RegistrySource{Scheme: AuthBearer})

	token, err := client.ResolveToken(context.Background(), "quay", "someorg/someimage")
	require.NoError(t, err)
	assert.Equal(t, "Bearer discovered", token)
}

func TestGetManifest_UsesDockerContentDigestHeader(t *testing.T) {
	body := []byte(`{"schemaVersion":2,"mediaType":"application/vnd.oci.image.manifest.v1+json"}`)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("Accept"), "manifest.list.v2")
		w.Header().Set("Content-Type", "application/vnd.oci.image.manifest.v1+json")
		w.Header().Set("Docker-Content-Digest", "sha256:"+strings.Repeat("a", 64))
		w.Write(body)
	}))
	client := newClientForServer(t, server, "dh", RegistrySource{Scheme: AuthAnonymous})

	result, err := client.GetManifest(context.Background(), "dh", "library/nginx", "latest", "")
	require.NoError(t, err)
	assert.Equal(t, digest.Digest("sha256:"+strings.Repeat("a", 64)), result.Digest)
	assert.Equal(t, body, result.Data)
}

func TestGetManifest_ComputesDigestWhenHeaderAbsent(t *testing.T) {
	body := []byte(`{"schemaVersion":2}`)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	client := newClientForServer(t, server, "dh", RegistrySource{Scheme: AuthAnonymous})

	result, err := client.GetManifest(context.Background(), "dh", "library/nginx", "latest", "")
	require.NoError(t, err)
	assert.Equal(t, digest.FromBytes(body), result.Digest)
}

func TestGetManifest_NotFoundIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	client := newClientForServer(t, server, "dh", RegistrySource{Scheme: AuthAnonymous})

	_, err := client.GetManifest(context.Background(), "dh", "nope/nope", "does-not-exist", "")
	require.Error(t, err)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
	assert.True(t, domain.IsFatal(err))
}

func TestSelectPlatform_ExactMatch(t *testing.T) {
	client := &Client{}
	list := []byte(`{
		"schemaVersion": 2,
		"mediaType": "application/vnd.oci.image.index.v1+json",
		"manifests": [
			{"mediaType":"m","digest":"sha256:` + strings.Repeat("1", 64) + `","size":1,"platform":{"os":"linux","architecture":"arm64"}},
			{"mediaType":"m","digest":"sha256:` + strings.Repeat("2", 64) + `","size":1,"platform":{"os":"linux","architecture":"amd64"}}
		]
	}`)

	d, err := client.SelectPlatform(list, "application/vnd.oci.image.index.v1+json", domain.Platform{OS: "linux", Architecture: "amd64"})
	require.NoError(t, err)
	assert.Equal(t, digest.Digest("sha256:"+strings.Repeat("2", 64)), d)
}

func TestSelectPlatform_SameArchAnyOSFallback(t *testing.T) {
	client := &Client{}
	list := []byte(`{
		"schemaVersion": 2,
		"mediaType": "application/vnd.oci.image.index.v1+json",
		"manifests": [
			{"mediaType":"m","digest":"sha256:` + strings.Repeat("3", 64) + `","size":1,"platform":{"os":"windows","architecture":"amd64"}}
		]
	}`)

	d, err := client.SelectPlatform(list, "application/vnd.oci.image.index.v1+json", domain.Platform{OS: "linux", Architecture: "amd64"})
	require.NoError(t, err)
	assert.Equal(t, digest.Digest("sha256:"+strings.Repeat("3", 64)), d)
}

func TestSelectPlatform_ConcreteManifestReturnsEmpty(t *testing.T) {
	client := &Client{}
	d, err := client.SelectPlatform([]byte(`{}`), "application/vnd.oci.image.manifest.v1+json", domain.DefaultPlatform)
	require.NoError(t, err)
	assert.Equal(t, digest.Digest(""), d)
}

func TestSelectPlatform_EmptyListIsNotFound(t *testing.T) {
	client := &Client{}
	list := []byte(`{"schemaVersion":2,"mediaType":"application/vnd.oci.image.index.v1+json","manifests":[]}`)
	_, err := client.SelectPlatform(list, "application/vnd.oci.image.index.v1+json", domain.DefaultPlatform)
	require.Error(t, err)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestStreamBlob_RangeHonored(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=10-", r.Header.Get("Range"))
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("rest"))
	}))
	client := newClientForServer(t, server, "dh", RegistrySource{Scheme: AuthAnonymous})

	stream, err := client.StreamBlob(context.Background(), "dh", "library/nginx", digest.FromString("x"), 10, "")
	require.NoError(t, err)
	defer stream.Body.Close()
	assert.True(t, stream.Resumed)
}

func TestStreamBlob_RangeNotHonoredSignalsRestart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK) // ignores the Range request entirely
		w.Write([]byte("full-body"))
	}))
	client := newClientForServer(t, server, "dh", RegistrySource{Scheme: AuthAnonymous})

	stream, err := client.StreamBlob(context.Background(), "dh", "library/nginx", digest.FromString("x"), 10, "")
	require.NoError(t, err)
	defer stream.Body.Close()
	assert.False(t, stream.Resumed, "caller must discard the partial file and restart from 0")
}

func TestGetConfig_ReturnsFullBytes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"architecture":"amd64"}`))
	}))
	client := newClientForServer(t, server, "dh", RegistrySource{Scheme: AuthAnonymous})

	data, err := client.GetConfig(context.Background(), "dh", "library/nginx", digest.FromString("cfg"), "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"architecture":"amd64"}`, string(data))
}

func TestCatalog_FiltersByQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(catalogResponse{Repositories: []string{"library/nginx", "library/redis"}})
	}))
	client := newClientForServer(t, server, "custom", RegistrySource{Scheme: AuthAnonymous})

	results, err := client.Catalog(context.Background(), "custom", "ngi")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "library/nginx", results[0].Name)
}
