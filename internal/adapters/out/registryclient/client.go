// Package registryclient implements the Registry Client (spec.md §4.1,
// component C1): a stateless HTTP client for the Docker/OCI distribution
// v2 protocol, parameterized by a RegistrySource credential resolver.
// It never retries — that is a Scheduler/State Machine concern.
package registryclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bnema/zerowrap"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/nullstream/imgpull/internal/boundaries/out"
	"github.com/nullstream/imgpull/internal/domain"
	"github.com/nullstream/imgpull/pkg/manifest"
)

// controlPlaneTimeout bounds resolve_token, get_manifest, and get_config
// (spec.md §5: "default 10-second timeout"). Blob streams are exempt.
const controlPlaneTimeout = 10 * time.Second

// dockerManifestListMediaType and dockerManifestMediaType have no OCI
// image-spec equivalent (they're Docker distribution v2's own schema2
// types); the OCI side of each pair uses image-spec's constants rather
// than a hand-copied literal.
const (
	dockerManifestListMediaType = "application/vnd.docker.distribution.manifest.list.v2+json"
	dockerManifestMediaType     = "application/vnd.docker.distribution.manifest.v2+json"
)

// Accept negotiates manifest-list, OCI index, and concrete manifest
// content types in a single request (spec.md §4.1 get_manifest).
var acceptManifests = strings.Join([]string{
	dockerManifestListMediaType,
	v1.MediaTypeImageIndex,
	dockerManifestMediaType,
	v1.MediaTypeImageManifest,
}, ", ")

// Client is the HTTP adapter implementing out.RegistryClient.
type Client struct {
	http    *http.Client
	sources *SourceTable
	log     zerowrap.Logger
}

// New constructs a Client. httpClient may be nil to get a sane default.
func New(httpClient *http.Client, sources *SourceTable, log zerowrap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{http: httpClient, sources: sources, log: log}
}

var _ out.RegistryClient = (*Client)(nil)

// KnownSource reports whether name resolves to a configured RegistrySource.
func (c *Client) KnownSource(name string) bool {
	return c.sources.Known(name)
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token,omitempty"`
	ExpiresIn   int    `json:"expires_in,omitempty"`
}

// ResolveToken performs the bearer/basic/anonymous auth handshake for
// (source, repository) and returns a credential usable as the value of
// an Authorization header, already including its scheme.
func (c *Client) ResolveToken(ctx context.Context, source, repository string) (string, error) {
	log := zerowrap.FromCtx(ctx)

	src, err := c.sources.Resolve(source)
	if err != nil {
		return "", err
	}

	switch src.Scheme {
	case AuthAnonymous:
		return "", nil
	case AuthBasic:
		enc := base64.StdEncoding.EncodeToString([]byte(src.Username + ":" + src.Password))
		return "Basic " + enc, nil
	case AuthBearer:
		realm, service, err := c.bearerChallenge(ctx, src, repository)
		if err != nil {
			return "", err
		}
		return c.exchangeBearerToken(ctx, src, realm, service, repository, log)
	default:
		return "", domain.NewError(domain.KindInvalidArgument, "ResolveToken",
			fmt.Errorf("unsupported auth scheme %q for source %q", src.Scheme, source))
	}
}

// bearerChallenge returns the configured realm/service, or discovers
// them from the Www-Authenticate challenge on an anonymous manifest GET
// when the source's realm is unset (e.g. quay.io, per SPEC_FULL §4.1a).
func (c *Client) bearerChallenge(ctx context.Context, src RegistrySource, repository string) (realm, service string, err error) {
	if src.Realm != "" {
		return src.Realm, src.Service, nil
	}

	ctx, cancel := context.WithTimeout(ctx, controlPlaneTimeout)
	defer cancel()

	probeURL := fmt.Sprintf("%s://%s/v2/%s/manifests/latest", src.urlScheme(), src.Host, repository)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return "", "", domain.NewError(domain.KindTransport, "bearerChallenge", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", domain.NewError(domain.KindTransport, "bearerChallenge", err)
	}
	defer resp.Body.Close()

	challenge := resp.Header.Get("Www-Authenticate")
	if challenge == "" {
		return "", "", domain.NewError(domain.KindAuth, "bearerChallenge",
			fmt.Errorf("no Www-Authenticate challenge from %s", src.Host))
	}
	return parseBearerChallenge(challenge)
}

// parseBearerChallenge extracts realm/service from:
// Bearer realm="https://...",service="...",scope="..."
func parseBearerChallenge(header string) (realm, service string, err error) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", "", domain.NewError(domain.KindAuth, "parseBearerChallenge",
			fmt.Errorf("unsupported challenge scheme: %s", header))
	}
	for _, part := range strings.Split(strings.TrimPrefix(header, "Bearer "), ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		val := strings.Trim(kv[1], `"`)
		switch kv[0] {
		case "realm":
			realm = val
		case "service":
			service = val
		}
	}
	if realm == "" {
		return "", "", domain.NewError(domain.KindAuth, "parseBearerChallenge",
			fmt.Errorf("challenge missing realm: %s", header))
	}
	return realm, service, nil
}

func (c *Client) exchangeBearerToken(ctx context.Context, src RegistrySource, realm, service, repository string, log zerowrap.Logger) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, controlPlaneTimeout)
	defer cancel()

	q := url.Values{}
	if service != "" {
		q.Set("service", service)
	}
	q.Set("scope", "repository:"+repository+":pull")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, realm+"?"+q.Encode(), nil)
	if err != nil {
		return "", domain.NewError(domain.KindTransport, "exchangeBearerToken", err)
	}
	if src.Username != "" {
		req.SetBasicAuth(src.Username, src.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", domain.NewError(domain.KindTransport, "exchangeBearerToken", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", domain.NewError(domain.KindAuth, "exchangeBearerToken",
			fmt.Errorf("token endpoint returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return "", domain.NewError(domain.KindTransport, "exchangeBearerToken",
			fmt.Errorf("token endpoint returned %d", resp.StatusCode))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", domain.NewError(domain.KindProtocolViolation, "exchangeBearerToken", err)
	}
	token := tr.Token
	if token == "" {
		token = tr.AccessToken
	}
	log.Debug().
		Str(zerowrap.FieldLayer, "adapter").
		Str(zerowrap.FieldAdapter, "registryclient").
		Str("repository", repository).
		Msg("bearer token acquired")
	return "Bearer " + token, nil
}

// GetManifest fetches the manifest for reference.
func (c *Client) GetManifest(ctx context.Context, source, repository, reference, token string) (*out.ManifestResult, error) {
	src, err := c.sources.Resolve(source)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, controlPlaneTimeout)
	defer cancel()

	manifestURL := fmt.Sprintf("%s://%s/v2/%s/manifests/%s", src.urlScheme(), src.Host, repository, reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, domain.NewError(domain.KindTransport, "GetManifest", err)
	}
	req.Header.Set("Accept", acceptManifests)
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportErr("GetManifest", err)
	}
	defer resp.Body.Close()

	if err := statusToErr("GetManifest", resp.StatusCode); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewError(domain.KindTransport, "GetManifest", err)
	}

	dgst, err := resolveManifestDigest(resp.Header.Get("Docker-Content-Digest"), body)
	if err != nil {
		return nil, err
	}

	return &out.ManifestResult{
		Data:        body,
		ContentType: resp.Header.Get("Content-Type"),
		Digest:      dgst,
	}, nil
}

func resolveManifestDigest(header string, body []byte) (digest.Digest, error) {
	if header != "" {
		d, err := digest.Parse(header)
		if err != nil {
			return "", domain.NewError(domain.KindProtocolViolation, "resolveManifestDigest", err)
		}
		return d, nil
	}
	return digest.FromBytes(body), nil
}

// SelectPlatform inspects a manifest-list/index body and returns the
// child digest matching platform, or "" if mediaType already names a
// concrete manifest ("use as-is"), per spec.md §4.1 / SPEC_FULL §4.1b.
func (c *Client) SelectPlatform(data []byte, mediaType string, platform domain.Platform) (digest.Digest, error) {
	if !isListMediaType(mediaType) {
		return "", nil
	}

	var list manifest.ManifestList
	if err := json.Unmarshal(data, &list); err != nil {
		return "", domain.NewError(domain.KindProtocolViolation, "SelectPlatform", err)
	}

	var sameArch, first *manifest.ManifestDescriptor
	for i := range list.Manifests {
		m := &list.Manifests[i]
		if m.Platform == nil || m.Platform.OS == "" || m.Platform.Architecture == "" ||
			(m.Platform.OS == "unknown" && m.Platform.Architecture == "unknown") {
			continue
		}
		if first == nil {
			first = m
		}
		if m.Platform.OS == platform.OS && m.Platform.Architecture == platform.Architecture && m.Platform.Variant == platform.Variant {
			d, err := digest.Parse(m.Digest)
			if err != nil {
				return "", domain.NewError(domain.KindProtocolViolation, "SelectPlatform", err)
			}
			return d, nil
		}
		if sameArch == nil && m.Platform.Architecture == platform.Architecture {
			sameArch = m
		}
	}
	if sameArch != nil {
		d, err := digest.Parse(sameArch.Digest)
		if err != nil {
			return "", domain.NewError(domain.KindProtocolViolation, "SelectPlatform", err)
		}
		return d, nil
	}
	if first != nil {
		d, err := digest.Parse(first.Digest)
		if err != nil {
			return "", domain.NewError(domain.KindProtocolViolation, "SelectPlatform", err)
		}
		return d, nil
	}
	return "", domain.NewError(domain.KindNotFound, "SelectPlatform",
		fmt.Errorf("manifest list has no platform-filterable entries for %s", platform))
}

func isListMediaType(mediaType string) bool {
	switch mediaType {
	case dockerManifestListMediaType, v1.MediaTypeImageIndex:
		return true
	default:
		return false
	}
}

// StreamBlob opens a streaming body for dgst, starting at offset (0 for
// a fresh transfer). Control-plane timeout does not apply: blob streams
// have no read timeout (spec.md §5).
func (c *Client) StreamBlob(ctx context.Context, source, repository string, dgst digest.Digest, offset int64, token string) (*out.BlobStream, error) {
	src, err := c.sources.Resolve(source)
	if err != nil {
		return nil, err
	}

	blobURL := fmt.Sprintf("%s://%s/v2/%s/blobs/%s", src.urlScheme(), src.Host, repository, dgst.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, blobURL, nil)
	if err != nil {
		return nil, domain.NewError(domain.KindTransport, "StreamBlob", err)
	}
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportErr("StreamBlob", err)
	}

	if err := statusToErr("StreamBlob", resp.StatusCode); err != nil {
		resp.Body.Close()
		return nil, err
	}

	resumed := offset > 0 && resp.StatusCode == http.StatusPartialContent
	if offset > 0 && resp.StatusCode != http.StatusPartialContent {
		c.log.Debug().
			Str(zerowrap.FieldLayer, "adapter").
			Str(zerowrap.FieldAdapter, "registryclient").
			Str("digest", dgst.String()).
			Msg("server did not honor Range, caller must restart blob from 0")
	}

	return &out.BlobStream{
		Body:    resp.Body,
		Resumed: resumed,
		Size:    resp.ContentLength,
	}, nil
}

// GetConfig is a convenience wrapper over StreamBlob for the small JSON
// config blob, returning its full bytes.
func (c *Client) GetConfig(ctx context.Context, source, repository string, dgst digest.Digest, token string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, controlPlaneTimeout)
	defer cancel()

	stream, err := c.StreamBlob(ctx, source, repository, dgst, 0, token)
	if err != nil {
		return nil, err
	}
	defer stream.Body.Close()

	body, err := io.ReadAll(stream.Body)
	if err != nil {
		return nil, domain.NewError(domain.KindTransport, "GetConfig", err)
	}
	return body, nil
}

type catalogResponse struct {
	Repositories []string `json:"repositories"`
}

// dockerHubSearchURL is Docker Hub's own public search API. It's not
// part of the distribution v2 spec (Docker Hub never exposed
// `/v2/_catalog`), so it's hit directly rather than through src.Host.
const dockerHubSearchURL = "https://hub.docker.com/v2/search/repositories/"

type dockerHubSearchResponse struct {
	Results []struct {
		RepoName         string `json:"repo_name"`
		ShortDescription string `json:"short_description"`
		StarCount        int    `json:"star_count"`
		IsOfficial       bool   `json:"is_official"`
	} `json:"results"`
}

// Catalog queries a registry's repository catalog for search
// (SPEC_FULL §6c). Docker Hub is special-cased: it never implemented
// `/v2/_catalog`, so dockerhub searches go through its own public
// search API instead; every other source uses the generic distribution
// v2 form used by ghcr/quay-style registries and self-hosted ones.
func (c *Client) Catalog(ctx context.Context, source, query string) ([]domain.SearchResult, error) {
	if source == domain.SourceDockerHub {
		return c.catalogDockerHub(ctx, query)
	}

	src, err := c.sources.Resolve(source)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, controlPlaneTimeout)
	defer cancel()

	catalogURL := fmt.Sprintf("%s://%s/v2/_catalog", src.urlScheme(), src.Host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, catalogURL, nil)
	if err != nil {
		return nil, domain.NewError(domain.KindTransport, "Catalog", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportErr("Catalog", err)
	}
	defer resp.Body.Close()

	if err := statusToErr("Catalog", resp.StatusCode); err != nil {
		return nil, err
	}

	var cat catalogResponse
	if err := json.NewDecoder(resp.Body).Decode(&cat); err != nil {
		return nil, domain.NewError(domain.KindProtocolViolation, "Catalog", err)
	}

	results := make([]domain.SearchResult, 0, len(cat.Repositories))
	for _, name := range cat.Repositories {
		if query != "" && !strings.Contains(name, query) {
			continue
		}
		results = append(results, domain.SearchResult{Name: name})
	}
	return results, nil
}

func (c *Client) catalogDockerHub(ctx context.Context, query string) ([]domain.SearchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, controlPlaneTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("query", query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dockerHubSearchURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, domain.NewError(domain.KindTransport, "Catalog", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportErr("Catalog", err)
	}
	defer resp.Body.Close()

	if err := statusToErr("Catalog", resp.StatusCode); err != nil {
		return nil, err
	}

	var parsed dockerHubSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, domain.NewError(domain.KindProtocolViolation, "Catalog", err)
	}

	results := make([]domain.SearchResult, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		results = append(results, domain.SearchResult{
			Name:        r.RepoName,
			Description: r.ShortDescription,
			StarCount:   r.StarCount,
			IsOfficial:  r.IsOfficial,
		})
	}
	return results, nil
}

func classifyTransportErr(op string, err error) error {
	return domain.NewError(domain.KindTransport, op, err)
}

func statusToErr(op string, status int) error {
	switch {
	case status == http.StatusOK || status == http.StatusPartialContent:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.NewError(domain.KindAuth, op, fmt.Errorf("http %d", status))
	case status == http.StatusNotFound:
		return domain.NewError(domain.KindNotFound, op, fmt.Errorf("http %d", status))
	case status >= 500:
		return domain.NewError(domain.KindTransport, op, fmt.Errorf("http %d", status))
	default:
		return domain.NewError(domain.KindProtocolViolation, op, fmt.Errorf("unexpected http %d", status))
	}
}
