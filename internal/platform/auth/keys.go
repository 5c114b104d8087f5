package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// Keyring holds the server's signing material: an HMAC secret for codes,
// access and refresh tokens, and an RSA key for id_tokens.
type Keyring struct {
	secret  []byte
	private *rsa.PrivateKey
	keyID   string
}

// NewKeyring builds a Keyring. The key id is the RFC 7638 thumbprint of the
// public key so that /keys and id_token headers always agree.
func NewKeyring(secret []byte, private *rsa.PrivateKey) (*Keyring, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("signing secret is required")
	}
	if private == nil {
		return nil, fmt.Errorf("private key is required")
	}
	jwk := jose.JSONWebKey{Key: &private.PublicKey}
	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("computing key thumbprint: %w", err)
	}
	return &Keyring{
		secret:  secret,
		private: private,
		keyID:   base64.RawURLEncoding.EncodeToString(thumb),
	}, nil
}

// ParsePrivateKeyPEM parses a PKCS#1 or PKCS#8 RSA private key.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parsing RSA private key: %w", err)
	}
	return key, nil
}

// GeneratePrivateKey creates an ephemeral 2048 bit RSA key.
func GeneratePrivateKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}

// KeyID returns the kid placed in id_token headers.
func (k *Keyring) KeyID() string {
	return k.keyID
}

// PublicKey returns the id_token verification key.
func (k *Keyring) PublicKey() *rsa.PublicKey {
	return &k.private.PublicKey
}

// JWKS returns the public key set served at /keys.
func (k *Keyring) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &k.private.PublicKey,
		KeyID:     k.keyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
}

// PublicKeyPEM returns the public key as a PKIX PEM block.
func (k *Keyring) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&k.private.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// signHS256 signs claims with the shared secret.
func (k *Keyring) signHS256(claims jwt.Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(k.secret)
}

// parseHS256 verifies tokenStr with the shared secret and decodes it into
// claims. Expiry is enforced when the token carries exp.
func (k *Keyring) parseHS256(tokenStr string, claims jwt.Claims) error {
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return k.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	return err
}

// signRS256 signs claims with the private key and sets the kid header.
func (k *Keyring) signRS256(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = k.keyID
	return token.SignedString(k.private)
}

func (h *Handler) handleKeys(c echo.Context) error {
	return c.JSON(http.StatusOK, h.keys.JWKS())
}

func (h *Handler) handlePublicKey(c echo.Context) error {
	data, err := h.keys.PublicKeyPEM()
	if err != nil {
		return RenderError(c, h.logger, err, "", "")
	}
	return c.Blob(http.StatusOK, "text/plain; charset=utf-8", data)
}
