package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taxdesk.org/internal/ids"
)

// Service registers accounts, checks credentials and rotates token pairs.
type Service struct {
	users UserStore
	codec *Codec
	now   func() time.Time
}

// NewService constructs Service.
func NewService(users UserStore, codec *Codec) (*Service, error) {
	if users == nil {
		return nil, errors.New("auth: user store is required")
	}
	if codec == nil {
		return nil, errors.New("auth: token codec is required")
	}
	return &Service{users: users, codec: codec, now: codec.now}, nil
}

// Codec returns the codec used to mint and verify tokens.
func (s *Service) Codec() *Codec { return s.codec }

// Register creates an account and issues its first token pair.
func (s *Service) Register(ctx context.Context, email, password, name string) (*User, TokenPair, error) {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, TokenPair{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, TokenPair{}, err
	}
	now := s.now().UTC()
	user := &User{
		ID:           ids.New(),
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, TokenPair{}, err
	}
	pair, err := s.codec.CreateTokens(user.ID, user.Email)
	if err != nil {
		return nil, TokenPair{}, err
	}
	return user, pair, nil
}

// Login authenticates credentials. Unknown accounts and wrong passwords are
// indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (*User, TokenPair, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, TokenPair{}, ErrInvalidCredentials
	}
	user, err := s.users.FindUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, TokenPair{}, ErrInvalidCredentials
		}
		return nil, TokenPair{}, err
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return nil, TokenPair{}, err
	}
	pair, err := s.codec.CreateTokens(user.ID, user.Email)
	if err != nil {
		return nil, TokenPair{}, err
	}
	return user, pair, nil
}

// Refresh verifies a refresh token and mints a new pair for its subject.
// Any failure is reported as ErrSessionExpired unless storage is unavailable.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Identity, TokenPair, error) {
	payload, err := s.codec.Verify(refreshToken, KindRefresh)
	if err != nil {
		return Identity{}, TokenPair{}, fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}
	user, err := s.users.FindUser(ctx, payload.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Identity{}, TokenPair{}, ErrSessionExpired
		}
		return Identity{}, TokenPair{}, err
	}
	pair, err := s.codec.CreateTokens(user.ID, user.Email)
	if err != nil {
		return Identity{}, TokenPair{}, err
	}
	return user.Identity(), pair, nil
}

// User loads an account by id.
func (s *Service) User(ctx context.Context, id string) (*User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.users.FindUser(ctx, id)
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
