package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer     = "taxdesk"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
	minSecretLength   = 16
)

// Kind discriminates access tokens from refresh tokens.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

func (k Kind) valid() bool {
	return k == KindAccess || k == KindRefresh
}

// Claims is the JWT payload. It is signed, not encrypted: never put secrets here.
type Claims struct {
	Email     string `json:"email"`
	TokenType Kind   `json:"token_type"`
	jwt.RegisteredClaims
}

// Payload is the verified content of a token.
type Payload struct {
	ID        string
	Subject   string
	Identity  string
	Kind      Kind
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Token is a signed token together with its payload.
type Token struct {
	Value string
	Payload
}

// TokenPair represents access and refresh tokens minted from one issuance.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	IssuedAt         time.Time `json:"issued_at"`
}

// Codec signs and verifies stateless HS256 bearer tokens.
type Codec struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// CodecOption configures Codec behavior.
type CodecOption func(*Codec) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) CodecOption {
	return func(c *Codec) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			c.issuer = issuer
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) CodecOption {
	return func(c *Codec) error {
		if ttl > 0 {
			c.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) CodecOption {
	return func(c *Codec) error {
		if ttl > 0 {
			c.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) CodecOption {
	return func(c *Codec) error {
		if fn != nil {
			c.now = fn
		}
		return nil
	}
}

// NewCodec constructs a Codec signing with the provided secret.
func NewCodec(secret string, opts ...CodecOption) (*Codec, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("auth: token secret must be at least %d bytes", minSecretLength)
	}
	c := &Codec{
		secret:     []byte(secret),
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.refreshTTL <= c.accessTTL {
		return nil, errors.New("auth: refresh ttl must exceed access ttl")
	}
	return c, nil
}

// AccessTTL reports the configured access token lifetime.
func (c *Codec) AccessTTL() time.Duration { return c.accessTTL }

// RefreshTTL reports the configured refresh token lifetime.
func (c *Codec) RefreshTTL() time.Duration { return c.refreshTTL }

// Issue signs a single token of the given kind.
func (c *Codec) Issue(subject, identity string, kind Kind, ttl time.Duration) (Token, error) {
	return c.issueAt(subject, identity, kind, ttl, c.now())
}

// CreateTokens mints an access and a refresh token sharing one issuance time.
func (c *Codec) CreateTokens(subject, identity string) (TokenPair, error) {
	now := c.now()
	access, err := c.issueAt(subject, identity, KindAccess, c.accessTTL, now)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := c.issueAt(subject, identity, KindRefresh, c.refreshTTL, now)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access.Value,
		RefreshToken:     refresh.Value,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: refresh.ExpiresAt,
		IssuedAt:         access.IssuedAt,
	}, nil
}

func (c *Codec) issueAt(subject, identity string, kind Kind, ttl time.Duration, now time.Time) (Token, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Token{}, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	if !kind.valid() {
		return Token{}, fmt.Errorf("%w: unknown token kind %q", ErrInvalidInput, kind)
	}
	if ttl <= 0 {
		return Token{}, fmt.Errorf("%w: ttl must be greater than zero", ErrInvalidInput)
	}

	// NumericDate carries second precision; truncate so the payload we return
	// matches what a verifier will decode.
	issuedAt := now.UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(ttl)
	claims := Claims{
		Email:     identity,
		TokenType: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{
		Value: signed,
		Payload: Payload{
			ID:        claims.ID,
			Subject:   subject,
			Identity:  identity,
			Kind:      kind,
			IssuedAt:  issuedAt,
			ExpiresAt: expiresAt,
		},
	}, nil
}

// Verify checks signature, expiry and, when want is non-empty, the token kind.
func (c *Codec) Verify(token string, want Kind) (Payload, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Payload{}, ErrTokenInvalid
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Payload{}, ErrTokenExpired
		}
		return Payload{}, ErrTokenInvalid
	}
	if !parsed.Valid {
		return Payload{}, ErrTokenInvalid
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.IssuedAt == nil || !claims.TokenType.valid() {
		return Payload{}, ErrTokenInvalid
	}
	if want != "" && claims.TokenType != want {
		return Payload{}, ErrWrongKind
	}
	return Payload{
		ID:        claims.ID,
		Subject:   claims.Subject,
		Identity:  claims.Email,
		Kind:      claims.TokenType,
		IssuedAt:  claims.IssuedAt.Time.UTC(),
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
	}, nil
}
