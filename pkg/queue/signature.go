package queue

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SignatureHeader carries the signed JWT on every delivery
const SignatureHeader = "Upstash-Signature"

const signatureIssuer = "Upstash"

var ErrInvalidSignature = errors.New("invalid queue signature")

type signatureClaims struct {
	Body string `json:"body"`
	jwt.RegisteredClaims
}

func bodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.URLEncoding.EncodeToString(sum[:])
}

// Signer signs deliveries from the local queue the same way the hosted
// queue does, so one Verifier guards the cron routes in both modes.
type Signer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewSigner creates a signer for the given signing key
func NewSigner(key string) *Signer {
	return &Signer{key: []byte(key), ttl: 5 * time.Minute, now: time.Now}
}

// Sign returns a token binding the destination URL and body
func (s *Signer) Sign(url string, body []byte) (string, error) {
	now := s.now()
	claims := signatureClaims{
		Body: bodyHash(body),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    signatureIssuer,
			Subject:   url,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign delivery: %w", err)
	}
	return signed, nil
}

// Verifier checks delivery signatures against the current signing key and,
// during rotation, the next one.
type Verifier struct {
	keys [][]byte
}

// NewVerifier creates a verifier. Empty keys are ignored.
func NewVerifier(currentKey, nextKey string) *Verifier {
	v := &Verifier{}
	for _, k := range []string{currentKey, nextKey} {
		if k != "" {
			v.keys = append(v.keys, []byte(k))
		}
	}
	return v
}

// Enabled reports whether any signing key is configured
func (v *Verifier) Enabled() bool {
	return v != nil && len(v.keys) > 0
}

// Verify validates the token for the body. url is checked against the
// subject claim when non-empty.
func (v *Verifier) Verify(token string, body []byte, url string) error {
	if token == "" {
		return fmt.Errorf("%w: missing signature", ErrInvalidSignature)
	}
	if !v.Enabled() {
		return fmt.Errorf("%w: no signing keys configured", ErrInvalidSignature)
	}

	var lastErr error
	for _, key := range v.keys {
		if err := verifyWithKey(token, key, body, url); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalidSignature, lastErr)
}

func verifyWithKey(tokenString string, key, body []byte, url string) error {
	claims := &signatureClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return key, nil
	}, jwt.WithIssuer(signatureIssuer), jwt.WithLeeway(time.Second))
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("token is not valid")
	}
	if url != "" && claims.Subject != url {
		return fmt.Errorf("subject %q does not match %q", claims.Subject, url)
	}
	if strings.TrimRight(claims.Body, "=") != strings.TrimRight(bodyHash(body), "=") {
		return errors.New("body hash mismatch")
	}
	return nil
}
