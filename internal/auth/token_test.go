package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const testSecret = "test-secret-0123456789"

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCodec(t *testing.T, clock *fakeClock) *Codec {
	t.Helper()
	codec, err := NewCodec(testSecret,
		WithIssuer("test-issuer"),
		WithAccessTTL(15*time.Minute),
		WithRefreshTTL(7*24*time.Hour),
		WithClock(clock.Now),
	)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return codec
}

func TestCodecVerifyBeforeAndAfterExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	codec := newTestCodec(t, clock)

	tok, err := codec.Issue("user-42", "user@example.com", KindAccess, 10*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	clock.Advance(10*time.Minute - time.Second)
	payload, err := codec.Verify(tok.Value, KindAccess)
	if err != nil {
		t.Fatalf("Verify before expiry: %v", err)
	}
	if payload.Subject != "user-42" || payload.Identity != "user@example.com" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if !payload.ExpiresAt.Equal(tok.ExpiresAt) {
		t.Fatalf("expiry mismatch: %v vs %v", payload.ExpiresAt, tok.ExpiresAt)
	}

	clock.Advance(2 * time.Second)
	if _, err := codec.Verify(tok.Value, KindAccess); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestCodecRejectsWrongKind(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	codec := newTestCodec(t, clock)

	pair, err := codec.CreateTokens("user-1", "a@example.com")
	if err != nil {
		t.Fatalf("CreateTokens: %v", err)
	}

	if _, err := codec.Verify(pair.RefreshToken, KindAccess); !errors.Is(err, ErrWrongKind) {
		t.Fatalf("refresh accepted as access: %v", err)
	}
	if _, err := codec.Verify(pair.AccessToken, KindRefresh); !errors.Is(err, ErrWrongKind) {
		t.Fatalf("access accepted as refresh: %v", err)
	}
	if !errors.Is(ErrWrongKind, ErrTokenInvalid) {
		t.Fatalf("wrong kind should be a token-invalid failure")
	}
	if _, err := codec.Verify(pair.RefreshToken, ""); err != nil {
		t.Fatalf("kind-agnostic verify failed: %v", err)
	}
}

func TestCreateTokensSharesIssuance(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 500, time.UTC)}
	codec := newTestCodec(t, clock)

	pair, err := codec.CreateTokens("user-1", "a@example.com")
	if err != nil {
		t.Fatalf("CreateTokens: %v", err)
	}
	access, err := codec.Verify(pair.AccessToken, KindAccess)
	if err != nil {
		t.Fatalf("verify access: %v", err)
	}
	refresh, err := codec.Verify(pair.RefreshToken, KindRefresh)
	if err != nil {
		t.Fatalf("verify refresh: %v", err)
	}
	if !access.IssuedAt.Equal(refresh.IssuedAt) || !access.IssuedAt.Equal(pair.IssuedAt) {
		t.Fatalf("issued-at differs: %v %v %v", access.IssuedAt, refresh.IssuedAt, pair.IssuedAt)
	}
	if !pair.AccessExpiresAt.Before(pair.RefreshExpiresAt) {
		t.Fatalf("access must expire before refresh: %v >= %v", pair.AccessExpiresAt, pair.RefreshExpiresAt)
	}
	if access.ID == refresh.ID {
		t.Fatalf("tokens share jti %s", access.ID)
	}
}

func TestCodecRejectsTampering(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	codec := newTestCodec(t, clock)

	tok, err := codec.Issue("user-1", "a@example.com", KindAccess, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	other, err := NewCodec("another-secret-abcdefgh", WithIssuer("test-issuer"), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	if _, err := other.Verify(tok.Value, KindAccess); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for foreign signature, got %v", err)
	}

	parts := strings.Split(tok.Value, ".")
	parts[2] = strings.Repeat("A", len(parts[2]))
	if _, err := codec.Verify(strings.Join(parts, "."), KindAccess); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for forged signature, got %v", err)
	}
	for _, raw := range []string{"", "garbage", "a.b.c"} {
		if _, err := codec.Verify(raw, ""); !errors.Is(err, ErrTokenInvalid) {
			t.Fatalf("Verify(%q) = %v, want ErrTokenInvalid", raw, err)
		}
	}
}

func TestNewCodecValidation(t *testing.T) {
	if _, err := NewCodec("short"); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
	if _, err := NewCodec(testSecret, WithAccessTTL(time.Hour), WithRefreshTTL(time.Minute)); err == nil {
		t.Fatalf("expected refresh ttl <= access ttl to be rejected")
	}
	codec, err := NewCodec(testSecret)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	if _, err := codec.Issue("", "x", KindAccess, time.Minute); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty subject, got %v", err)
	}
	if _, err := codec.Issue("u", "x", Kind("session"), time.Minute); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown kind, got %v", err)
	}
}
