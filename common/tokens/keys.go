package tokens

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/backbone/common/config"
)

// SigningKey is an Ed25519 private key identified by the kid header.
type SigningKey struct {
	ID      string
	Private ed25519.PrivateKey
}

// Public returns the trusted form of k.
func (k SigningKey) Public() TrustedKey {
	return TrustedKey{ID: k.ID, Public: k.Private.Public().(ed25519.PublicKey)}
}

// TrustedKey is a verification key. A zero RetiredAt means the key is current.
type TrustedKey struct {
	ID        string
	Public    ed25519.PublicKey
	RetiredAt time.Time
}

// GenerateKey creates a fresh signing key. An empty id gets a random one.
func GenerateKey(id string) (SigningKey, error) {
	if id == "" {
		id = uuid.NewString()[:8]
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKey{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return SigningKey{ID: id, Private: priv}, nil
}

// EncodeSeed renders the private seed in the config format.
func EncodeSeed(k SigningKey) string {
	return base64.StdEncoding.EncodeToString(k.Private.Seed())
}

// EncodePublic renders the public key in the config format.
func EncodePublic(k TrustedKey) string {
	return base64.StdEncoding.EncodeToString(k.Public)
}

// KeySet is the verifier trust set. A retired key stays trusted until
// RetiredAt plus the grace window.
type KeySet struct {
	mu    sync.RWMutex
	keys  map[string]TrustedKey
	grace time.Duration
}

// NewKeySet creates a trust set.
func NewKeySet(grace time.Duration, keys ...TrustedKey) *KeySet {
	ks := &KeySet{keys: make(map[string]TrustedKey, len(keys)), grace: grace}
	for _, k := range keys {
		ks.keys[k.ID] = k
	}
	return ks
}

// Add trusts k, replacing any key with the same id.
func (ks *KeySet) Add(k TrustedKey) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys[k.ID] = k
}

// Retire starts the grace window of key id.
func (ks *KeySet) Retire(id string, at time.Time) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if k, ok := ks.keys[id]; ok {
		k.RetiredAt = at
		ks.keys[id] = k
	}
}

// Lookup returns the public key for id when it is trusted at now.
func (ks *KeySet) Lookup(id string, now time.Time) (ed25519.PublicKey, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	k, ok := ks.keys[id]
	if !ok {
		return nil, false
	}
	if !k.RetiredAt.IsZero() && !now.Before(k.RetiredAt.Add(ks.grace)) {
		return nil, false
	}
	return k.Public, true
}

// Keys returns a snapshot sorted by id.
func (ks *KeySet) Keys() []TrustedKey {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	out := make([]TrustedKey, 0, len(ks.keys))
	for _, k := range ks.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LoadSigningKeys decodes cfg.SigningKeys. The returned current key is the last
// entry without retired_at; the others are returned as retired trusted keys.
func LoadSigningKeys(cfg config.TokensConfig) (SigningKey, []TrustedKey, error) {
	var current SigningKey
	var trusted []TrustedKey
	for _, kc := range cfg.SigningKeys {
		seed, err := base64.StdEncoding.DecodeString(kc.Seed)
		if err != nil {
			return SigningKey{}, nil, fmt.Errorf("signing key %s: invalid base64: %w", kc.ID, err)
		}
		if len(seed) != ed25519.SeedSize {
			return SigningKey{}, nil, fmt.Errorf("signing key %s: seed must be %d bytes", kc.ID, ed25519.SeedSize)
		}
		retired, err := parseRetiredAt(kc.RetiredAt)
		if err != nil {
			return SigningKey{}, nil, fmt.Errorf("signing key %s: %w", kc.ID, err)
		}
		sk := SigningKey{ID: kc.ID, Private: ed25519.NewKeyFromSeed(seed)}
		tk := sk.Public()
		tk.RetiredAt = retired
		trusted = append(trusted, tk)
		if retired.IsZero() {
			current = sk
		}
	}
	if current.Private == nil {
		return SigningKey{}, nil, fmt.Errorf("no current signing key configured")
	}
	return current, trusted, nil
}

// LoadKeySet builds the verifier trust set from cfg.TrustedKeys plus the public
// halves of any signing keys.
func LoadKeySet(cfg config.TokensConfig) (*KeySet, error) {
	ks := NewKeySet(cfg.Grace)
	for _, kc := range cfg.TrustedKeys {
		pub, err := base64.StdEncoding.DecodeString(kc.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("trusted key %s: invalid base64: %w", kc.ID, err)
		}
		if len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("trusted key %s: public key must be %d bytes", kc.ID, ed25519.PublicKeySize)
		}
		retired, err := parseRetiredAt(kc.RetiredAt)
		if err != nil {
			return nil, fmt.Errorf("trusted key %s: %w", kc.ID, err)
		}
		ks.Add(TrustedKey{ID: kc.ID, Public: ed25519.PublicKey(pub), RetiredAt: retired})
	}
	if len(cfg.SigningKeys) > 0 {
		_, trusted, err := LoadSigningKeys(cfg)
		if err != nil {
			return nil, err
		}
		for _, k := range trusted {
			ks.Add(k)
		}
	}
	if len(ks.Keys()) == 0 {
		return nil, fmt.Errorf("no trusted keys configured")
	}
	return ks, nil
}

func parseRetiredAt(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid retired_at: %w", err)
	}
	return t, nil
}
