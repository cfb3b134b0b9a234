package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"storyforge/internal/util"
	"storyforge/pkg/domain"
)

const (
	// DefaultTokenTTL is the lifetime of id tokens issued by the Local provider.
	DefaultTokenTTL = time.Hour
	// DefaultTokenLeeway is clock skew tolerance for token validation.
	DefaultTokenLeeway = 30 * time.Second
	defaultTokenIssuer = "storyforge-local"
)

// IdentityClaims are the id token claims.
type IdentityClaims struct {
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

// TokenOptions configures id token signing.
type TokenOptions struct {
	// Secret is the HS256 key. Empty generates a random per-process key.
	Secret string
	Issuer string
	TTL    time.Duration
	Leeway time.Duration
}

// TokenSigner issues and verifies HS256 id tokens.
type TokenSigner struct {
	secret []byte
	issuer string
	ttl    time.Duration
	leeway time.Duration
	now    func() time.Time
}

func NewTokenSigner(opts TokenOptions) (*TokenSigner, error) {
	secret := []byte(opts.Secret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
	} else if len(secret) < 16 {
		return nil, errors.New("token secret must be at least 16 bytes")
	}
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		issuer = defaultTokenIssuer
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTokenTTL
	}
	if opts.Leeway <= 0 {
		opts.Leeway = DefaultTokenLeeway
	}
	return &TokenSigner{secret: secret, issuer: issuer, ttl: opts.TTL, leeway: opts.Leeway, now: time.Now}, nil
}

// Issue signs an id token for ident.
func (s *TokenSigner) Issue(ident domain.Identity) (string, error) {
	now := s.now().UTC()
	claims := IdentityClaims{
		Email:   ident.Email,
		Name:    ident.DisplayName,
		Picture: ident.PhotoURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   ident.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        util.NewID(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify validates signature, issuer and expiry, and returns the identity.
func (s *TokenSigner) Verify(token string) (domain.Identity, error) {
	claims := &IdentityClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithLeeway(s.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("verify id token: %w", err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return domain.Identity{}, errors.New("verify id token: invalid claims")
	}
	return domain.Identity{
		ID:          claims.Subject,
		Email:       claims.Email,
		DisplayName: claims.Name,
		PhotoURL:    claims.Picture,
	}, nil
}
