// Package tokens issues and verifies Ed25519-signed identity tokens.
//
// Verification is stateless: any process holding the KeySet can check a token.
package tokens

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/telhawk-systems/backbone/common/config"
)

var (
	ErrInvalidSubject   = errors.New("subject is required")
	ErrExpiredToken     = errors.New("token expired")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrMalformedToken   = errors.New("malformed token")
)

var (
	errUnknownKey     = errors.New("unknown key id")
	errWrongAlgorithm = errors.New("unexpected signing algorithm")
)

// DefaultTTL applies when neither the caller nor the issuer sets one.
const DefaultTTL = 15 * time.Minute

// Claims is the verified content of a token.
type Claims struct {
	Subject   string
	Roles     []string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// HasRole reports whether role is among the claims' roles.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether any of roles is present. An empty list is satisfied.
func (c *Claims) HasAnyRole(roles ...string) bool {
	if len(roles) == 0 {
		return true
	}
	for _, r := range roles {
		if c.HasRole(r) {
			return true
		}
	}
	return false
}

type jwtClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Option configures an Issuer or Verifier.
type Option func(*options)

type options struct {
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// WithIssuerName sets the iss claim. A Verifier with a name requires it.
func WithIssuerName(name string) Option {
	return func(o *options) { o.issuer = name }
}

// WithTTL sets the default token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl <= 0 {
		o.ttl = DefaultTTL
	}
	return o
}

// Issuer signs tokens with its current key.
type Issuer struct {
	mu      sync.RWMutex
	current SigningKey
	keys    *KeySet
	opts    options
}

// NewIssuer creates an issuer whose trust set starts with key.
func NewIssuer(key SigningKey, grace time.Duration, opts ...Option) *Issuer {
	return &Issuer{
		current: key,
		keys:    NewKeySet(grace, key.Public()),
		opts:    buildOptions(opts),
	}
}

// NewIssuerFromConfig loads signing keys from cfg.
func NewIssuerFromConfig(cfg config.TokensConfig, opts ...Option) (*Issuer, error) {
	current, trusted, err := LoadSigningKeys(cfg)
	if err != nil {
		return nil, err
	}
	opts = append([]Option{WithIssuerName(cfg.Issuer), WithTTL(cfg.TTL)}, opts...)
	iss := &Issuer{
		current: current,
		keys:    NewKeySet(cfg.Grace, trusted...),
		opts:    buildOptions(opts),
	}
	return iss, nil
}

// Issue signs a token for subject. ttl <= 0 uses the issuer's default.
func (i *Issuer) Issue(subject string, roles []string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", ErrInvalidSubject
	}
	if ttl <= 0 {
		ttl = i.opts.ttl
	}
	if roles == nil {
		roles = []string{}
	}

	i.mu.RLock()
	key := i.current
	i.mu.RUnlock()

	now := i.opts.now()
	claims := jwtClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        uuid.NewString(),
			Issuer:    i.opts.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = key.ID
	signed, err := token.SignedString(key.Private)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Rotate makes key current. The previous key stays trusted for the grace window.
func (i *Issuer) Rotate(key SigningKey) {
	i.mu.Lock()
	prev := i.current
	i.current = key
	i.mu.Unlock()

	i.keys.Add(key.Public())
	if prev.ID != key.ID {
		i.keys.Retire(prev.ID, i.opts.now())
	}
}

// CurrentKeyID returns the kid of new tokens.
func (i *Issuer) CurrentKeyID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.current.ID
}

// KeySet exposes the issuer's trust set, including retired keys in grace.
func (i *Issuer) KeySet() *KeySet {
	return i.keys
}

// Verifier checks tokens against a KeySet.
type Verifier struct {
	keys *KeySet
	opts options
}

// NewVerifier creates a verifier over keys.
func NewVerifier(keys *KeySet, opts ...Option) *Verifier {
	return &Verifier{keys: keys, opts: buildOptions(opts)}
}

// Verify validates signature, expiry and structure.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	now := v.opts.now()

	parserOpts := []jwt.ParserOption{
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	}
	if v.opts.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.opts.issuer))
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &jwtClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodEdDSA {
			return nil, errWrongAlgorithm
		}
		kid, _ := token.Header["kid"].(string)
		pub, ok := v.keys.Lookup(kid, now)
		if !ok {
			return nil, errUnknownKey
		}
		return pub, nil
	}, parserOpts...)
	if err != nil {
		return nil, classify(err)
	}

	claims, ok := parsed.Claims.(*jwtClaims)
	if !ok || !parsed.Valid {
		return nil, ErrMalformedToken
	}
	if claims.Subject == "" {
		return nil, ErrMalformedToken
	}

	out := &Claims{
		Subject: claims.Subject,
		Roles:   claims.Roles,
		ID:      claims.ID,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, errWrongAlgorithm):
		return ErrMalformedToken
	case errors.Is(err, errUnknownKey), errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpiredToken
	default:
		return ErrMalformedToken
	}
}
