// Package signing produces and verifies the HMAC-SHA256 signatures carried
// by acknowledgement links.
package signing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// KeyName is the secret the signer reads from the secrets collaborator.
const KeyName = "LinkSigningKey"

// keyTTL is how long a fetched key is trusted before the next sign/verify
// re-fetches it.
const keyTTL = 60 * time.Second

// ErrNoKey is returned when the signing secret is missing or empty.
var ErrNoKey = errors.New("signing: LinkSigningKey is missing or empty")

// Getter is the slice of the secrets collaborator the signer needs.
type Getter interface {
	Get(ctx context.Context, name string) (string, error)
}

type cachedKey struct {
	material  []byte
	fetchedAt time.Time
}

// Signer signs and verifies payloads with a hot-reloadable key. Reads are
// lock-free against the atomic pointer; the refresh path is serialized.
type Signer struct {
	secrets Getter
	now     func() time.Time

	mu  sync.Mutex
	key atomic.Pointer[cachedKey]
}

func New(secrets Getter) *Signer {
	return &Signer{secrets: secrets, now: time.Now}
}

// Sign returns the base64url (no padding) HMAC-SHA256 of payload.
func (s *Signer) Sign(ctx context.Context, payload string) (string, error) {
	key, err := s.material(ctx)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether sig is a valid signature over payload, using
// constant-time comparison.
func (s *Signer) Verify(ctx context.Context, payload, sig string) (bool, error) {
	key, err := s.material(ctx)
	if err != nil {
		return false, err
	}
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		// Older links may carry padded base64.
		got, err = base64.URLEncoding.DecodeString(sig)
		if err != nil {
			return false, nil
		}
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(payload))
	return hmac.Equal(got, mac.Sum(nil)), nil
}

func (s *Signer) material(ctx context.Context) ([]byte, error) {
	if k := s.key.Load(); k != nil && s.now().Sub(k.fetchedAt) < keyTTL {
		return k.material, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another caller may have refreshed while we waited.
	if k := s.key.Load(); k != nil && s.now().Sub(k.fetchedAt) < keyTTL {
		return k.material, nil
	}

	raw, err := s.secrets.Get(ctx, KeyName)
	if err != nil {
		return nil, fmt.Errorf("fetch signing key: %w", err)
	}
	if raw == "" {
		return nil, ErrNoKey
	}

	material, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		// Development affordance: a non-base64 secret is used verbatim.
		material = []byte(raw)
	}
	if len(material) == 0 {
		return nil, ErrNoKey
	}

	s.key.Store(&cachedKey{material: material, fetchedAt: s.now()})
	return material, nil
}
