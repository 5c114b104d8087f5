package auth

import (
	"bytes"
	"context"
	"crypto"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
)

const maxJWKSBytes = 1 << 20

// JWKSFetcher downloads a client's published key set. Each call makes a
// single request; failures are reported to the caller and never retried.
type JWKSFetcher struct {
	client  *http.Client
	metrics Recorder
}

// NewJWKSFetcher returns a fetcher using client, whose Timeout bounds every
// fetch.
func NewJWKSFetcher(client *http.Client) *JWKSFetcher {
	return &JWKSFetcher{client: client, metrics: nopRecorder{}}
}

// Fetch GETs url and returns the response body.
func (f *JWKSFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	start := time.Now()
	body, err := f.fetch(ctx, url)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	f.metrics.JWKSFetched(outcome, time.Since(start))
	return body, err
}

func (f *JWKSFetcher) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating JWKS request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBytes))
	if err != nil {
		return nil, fmt.Errorf("reading JWKS: %w", err)
	}
	return body, nil
}

// publicJWK is a verification key together with the JWK members used to
// select it.
type publicJWK struct {
	KeyID     string
	Algorithm string
	KeyOps    []string
	Key       interface{}
}

func (k publicJWK) canSign() bool {
	for _, op := range k.KeyOps {
		if op == "sign" {
			return true
		}
	}
	return false
}

type jwkMembers struct {
	KeyID     string   `json:"kid"`
	Algorithm string   `json:"alg"`
	KeyOps    []string `json:"key_ops"`
}

// parseKeySet decodes a JWKS document. The document may also arrive as a
// JSON string containing the serialized set. Keys whose material cannot be
// parsed are skipped since they can never verify anything.
func parseKeySet(data []byte) ([]publicJWK, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return nil, fmt.Errorf("parsing JWKS: %w", err)
		}
		data = []byte(inner)
	}

	var set struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parsing JWKS: %w", err)
	}
	if set.Keys == nil {
		return nil, fmt.Errorf("JWKS does not have a keys array")
	}

	out := make([]publicJWK, 0, len(set.Keys))
	for _, raw := range set.Keys {
		var members jwkMembers
		if err := json.Unmarshal(raw, &members); err != nil {
			continue
		}
		key, err := jwk.ParseKey(raw)
		if err != nil {
			continue
		}
		var material interface{}
		if err := jwk.Export(key, &material); err != nil {
			continue
		}
		if signer, ok := material.(crypto.Signer); ok {
			material = signer.Public()
		}
		out = append(out, publicJWK{
			KeyID:     members.KeyID,
			Algorithm: members.Algorithm,
			KeyOps:    members.KeyOps,
			Key:       material,
		})
	}
	return out, nil
}

// selectKey returns the single key matching alg and kid that is not
// restricted to signing. Zero or several candidates are both errors.
func selectKey(keys []publicJWK, alg, kid string) (publicJWK, error) {
	var matches []publicJWK
	for _, k := range keys {
		if k.Algorithm != alg || k.KeyID != kid || k.canSign() {
			continue
		}
		matches = append(matches, k)
	}
	switch len(matches) {
	case 0:
		return publicJWK{}, invalidClient(http.StatusUnauthorized,
			"No usable public key found in the JWKS for alg %q and kid %q", alg, kid)
	case 1:
		return matches[0], nil
	default:
		return publicJWK{}, invalidClient(http.StatusUnauthorized,
			"Multiple usable public keys found in the JWKS for alg %q and kid %q", alg, kid)
	}
}

// collectKeys builds the union of the client's inline and remote key sets.
func (h *Handler) collectKeys(ctx context.Context, reg clientRegistration) ([]publicJWK, error) {
	var keys []publicJWK

	if reg.JWKS != "" {
		inline, err := parseKeySet([]byte(reg.JWKS))
		if err != nil {
			return nil, invalidClient(http.StatusUnauthorized, "Invalid registered JWKS: %s", err)
		}
		keys = append(keys, inline...)
	}

	if reg.JWKSURL != "" {
		body, err := h.fetcher.Fetch(ctx, reg.JWKSURL)
		if err != nil {
			return nil, invalidClient(http.StatusUnauthorized, "Unable to fetch JWKS from %s: %s", reg.JWKSURL, err)
		}
		remote, err := parseKeySet(body)
		if err != nil {
			return nil, invalidClient(http.StatusUnauthorized, "Invalid JWKS at %s: %s", reg.JWKSURL, err)
		}
		keys = append(keys, remote...)
	}

	return keys, nil
}
