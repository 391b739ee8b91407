package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type stubUserStore struct {
	mu      sync.Mutex
	byID    map[string]*User
	findErr error
}

func newStubUserStore() *stubUserStore {
	return &stubUserStore{byID: map[string]*User{}}
}

func (s *stubUserStore) CreateUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.byID {
		if existing.Email == u.Email {
			return ErrAlreadyExists
		}
	}
	cp := *u
	s.byID[u.ID] = &cp
	return nil
}

func (s *stubUserStore) FindUser(_ context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	u, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *stubUserStore) FindUserByEmail(_ context.Context, email string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.byID {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func newTestService(t *testing.T, clock *fakeClock) (*Service, *stubUserStore) {
	t.Helper()
	passwordCost = bcrypt.MinCost
	store := newStubUserStore()
	svc, err := NewService(store, newTestCodec(t, clock))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, store
}

func TestRegisterAndLogin(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	svc, _ := newTestService(t, clock)
	ctx := context.Background()

	user, pair, err := svc.Register(ctx, "  Owner@Example.com ", "correct-horse", "Owner")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if user.Email != "owner@example.com" {
		t.Fatalf("email not normalized: %q", user.Email)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected token pair, got %+v", pair)
	}

	if _, _, err := svc.Register(ctx, "owner@example.com", "correct-horse", ""); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	logged, pair, err := svc.Login(ctx, "OWNER@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if logged.ID != user.ID {
		t.Fatalf("logged in as %s, want %s", logged.ID, user.ID)
	}
	payload, err := svc.Codec().Verify(pair.AccessToken, KindAccess)
	if err != nil {
		t.Fatalf("verify access: %v", err)
	}
	if payload.Subject != user.ID || payload.Identity != user.Email {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestLoginCollapsesUnknownUserAndBadPassword(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	svc, _ := newTestService(t, clock)
	ctx := context.Background()

	if _, _, err := svc.Register(ctx, "a@example.com", "correct-horse", ""); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, _, err := svc.Login(ctx, "a@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("bad password: got %v", err)
	}
	if _, _, err := svc.Login(ctx, "nobody@example.com", "correct-horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user: got %v", err)
	}
	if _, _, err := svc.Login(ctx, "", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("empty credentials: got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	svc, _ := newTestService(t, clock)
	ctx := context.Background()

	if _, _, err := svc.Register(ctx, "not-an-email", "correct-horse", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for email, got %v", err)
	}
	if _, _, err := svc.Register(ctx, "a@example.com", "short", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for password, got %v", err)
	}
	long := strings.Repeat("p", MaxPasswordLength+8)
	if _, _, err := svc.Register(ctx, "a@example.com", long, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for long password, got %v", err)
	}
	if _, err := HashPassword(strings.Repeat("p", MaxPasswordLength)); err != nil {
		t.Fatalf("expected %d-byte password accepted, got %v", MaxPasswordLength, err)
	}
}

func TestRefreshRotatesPair(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	svc, store := newTestService(t, clock)
	ctx := context.Background()

	user, pair, err := svc.Register(ctx, "a@example.com", "correct-horse", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	clock.Advance(20 * time.Minute)
	if _, err := svc.Codec().Verify(pair.AccessToken, KindAccess); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected access expiry, got %v", err)
	}

	identity, rotated, err := svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if identity.UserID != user.ID {
		t.Fatalf("unexpected identity %+v", identity)
	}
	if rotated.AccessToken == pair.AccessToken {
		t.Fatalf("expected new access token")
	}

	if _, _, err := svc.Refresh(ctx, rotated.AccessToken); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("access token accepted as refresh: %v", err)
	}

	clock.Advance(8 * 24 * time.Hour)
	if _, _, err := svc.Refresh(ctx, rotated.RefreshToken); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expired refresh accepted: %v", err)
	}

	store.findErr = errors.New("db down")
	clock.t = rotated.IssuedAt.Add(time.Minute)
	if _, _, err := svc.Refresh(ctx, rotated.RefreshToken); err == nil || errors.Is(err, ErrSessionExpired) {
		t.Fatalf("storage failure should surface as internal error, got %v", err)
	}
}
