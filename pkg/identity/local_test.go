package identity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"storyforge/internal/ratelimit"
	"storyforge/pkg/domain"
)

type fakeConnector struct {
	cred  FederatedCredential
	err   error
	calls int
}

func (f *fakeConnector) Authenticate(context.Context) (FederatedCredential, error) {
	f.calls++
	return f.cred, f.err
}

func newTestLocal(t *testing.T, cfg LocalConfig) *Local {
	t.Helper()
	local, err := NewLocal(cfg)
	if err != nil {
		t.Fatalf("new local provider: %v", err)
	}
	return local
}

func TestLocalCreateAccountAndSignIn(t *testing.T) {
	ctx := context.Background()
	local := newTestLocal(t, LocalConfig{})

	var seen []*domain.Identity
	stop := local.Watch(func(ident *domain.Identity) { seen = append(seen, ident) })
	defer stop()

	ident, err := local.CreateAccount(ctx, " Ada@Example.com ", "secret1")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if ident.ID == "" || ident.Email != "ada@example.com" {
		t.Fatalf("unexpected identity: %+v", ident)
	}
	token, err := local.IDToken(ctx)
	if err != nil {
		t.Fatalf("id token: %v", err)
	}
	verified, err := local.VerifyIDToken(token)
	if err != nil || verified.ID != ident.ID {
		t.Fatalf("verify token: %+v %v", verified, err)
	}

	if err := local.SignOut(ctx); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if _, err := local.IDToken(ctx); CodeOf(err) != CodeNotSignedIn {
		t.Fatalf("expected no current user after sign out, got %v", err)
	}

	again, err := local.SignIn(ctx, "ada@example.com", "secret1")
	if err != nil || again.ID != ident.ID {
		t.Fatalf("sign in: %+v %v", again, err)
	}

	if len(seen) != 4 || seen[0] != nil || seen[1] == nil || seen[2] != nil || seen[3] == nil {
		t.Fatalf("unexpected watch sequence: %v", seen)
	}
}

func TestLocalErrorCodes(t *testing.T) {
	ctx := context.Background()
	local := newTestLocal(t, LocalConfig{})
	if _, err := local.CreateAccount(ctx, "ada@example.com", "secret1"); err != nil {
		t.Fatalf("create account: %v", err)
	}

	cases := []struct {
		name string
		run  func() error
		code string
	}{
		{"invalid email", func() error { _, err := local.CreateAccount(ctx, "nope", "secret1"); return err }, CodeInvalidEmail},
		{"weak password", func() error { _, err := local.CreateAccount(ctx, "b@example.com", "12345"); return err }, CodeWeakPassword},
		{"email in use", func() error { _, err := local.CreateAccount(ctx, "ADA@example.com", "secret1"); return err }, CodeEmailInUse},
		{"wrong password", func() error { _, err := local.SignIn(ctx, "ada@example.com", "wrong!!"); return err }, CodeInvalidCredential},
		{"unknown user", func() error { _, err := local.SignIn(ctx, "who@example.com", "secret1"); return err }, CodeUserNotFound},
		{"unknown federated", func() error { _, err := local.SignInFederated(ctx, "github"); return err }, CodeOperationNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if code := CodeOf(tc.run()); code != tc.code {
				t.Fatalf("expected %s, got %s", tc.code, code)
			}
		})
	}
}

func TestLocalSignInRateLimited(t *testing.T) {
	ctx := context.Background()
	limiter, err := ratelimit.NewMemoryLimiter(2, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	local := newTestLocal(t, LocalConfig{Limiter: limiter})
	if _, err := local.CreateAccount(ctx, "ada@example.com", "secret1"); err != nil {
		t.Fatalf("create account: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := local.SignIn(ctx, "ada@example.com", "wrong!!"); CodeOf(err) != CodeInvalidCredential {
			t.Fatalf("attempt %d: expected invalid credential, got %v", i, err)
		}
	}
	if _, err := local.SignIn(ctx, "ada@example.com", "secret1"); CodeOf(err) != CodeTooManyRequests {
		t.Fatalf("expected too many requests, got %v", err)
	}
}

func TestLocalFederatedLinksByEmail(t *testing.T) {
	ctx := context.Background()
	google := &fakeConnector{cred: FederatedCredential{
		ProviderID: "google.com",
		Subject:    "g-123",
		Email:      "Ada@Example.com",
		Name:       "Ada Lovelace",
		Picture:    "https://img/ada.png",
	}}
	local := newTestLocal(t, LocalConfig{Federated: map[string]Connector{ProviderGoogle: google}})
	created, err := local.CreateAccount(ctx, "ada@example.com", "secret1")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	ident, err := local.SignInFederated(ctx, "Google")
	if err != nil {
		t.Fatalf("federated sign in: %v", err)
	}
	if ident.ID != created.ID || ident.DisplayName != "Ada Lovelace" || ident.PhotoURL != "https://img/ada.png" {
		t.Fatalf("expected linked identity, got %+v", ident)
	}

	google.cred.Email = "changed@example.com"
	again, err := local.SignInFederated(ctx, ProviderGoogle)
	if err != nil || again.ID != created.ID {
		t.Fatalf("expected lookup by subject, got %+v %v", again, err)
	}
}

func TestLocalFederatedCreatesAccount(t *testing.T) {
	ctx := context.Background()
	google := &fakeConnector{cred: FederatedCredential{Subject: "g-9", Email: "new@example.com", Name: "New"}}
	local := newTestLocal(t, LocalConfig{Federated: map[string]Connector{ProviderGoogle: google}})
	ident, err := local.SignInFederated(ctx, ProviderGoogle)
	if err != nil {
		t.Fatalf("federated sign in: %v", err)
	}
	if ident.ID == "" || ident.Email != "new@example.com" {
		t.Fatalf("unexpected identity: %+v", ident)
	}
	if _, err := local.SignIn(ctx, "new@example.com", "anything"); CodeOf(err) != CodeInvalidCredential {
		t.Fatalf("federated-only account must reject passwords, got %v", err)
	}
}

func TestLocalFederatedPassesConnectorErrors(t *testing.T) {
	google := &fakeConnector{err: newError(CodePopupClosed, "", nil)}
	local := newTestLocal(t, LocalConfig{Federated: map[string]Connector{ProviderGoogle: google}})
	if _, err := local.SignInFederated(context.Background(), ProviderGoogle); CodeOf(err) != CodePopupClosed {
		t.Fatalf("expected popup closed, got %v", err)
	}
}

func TestGormAccounts(t *testing.T) {
	ctx := context.Background()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "accounts.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	accounts, err := NewGormAccounts(db)
	if err != nil {
		t.Fatalf("new gorm accounts: %v", err)
	}
	local := newTestLocal(t, LocalConfig{Accounts: accounts})
	created, err := local.CreateAccount(ctx, "ada@example.com", "secret1")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if _, err := local.CreateAccount(ctx, "ada@example.com", "secret1"); CodeOf(err) != CodeEmailInUse {
		t.Fatalf("expected email in use, got %v", err)
	}
	if err := accounts.Link(ctx, created.ID, ProviderGoogle, "g-1"); err != nil {
		t.Fatalf("link: %v", err)
	}
	found, ok, err := accounts.ByProvider(ctx, ProviderGoogle, "g-1")
	if err != nil || !ok || found.ID != created.ID {
		t.Fatalf("by provider: %+v ok=%v err=%v", found, ok, err)
	}
	if _, err := local.SignIn(ctx, "ada@example.com", "secret1"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
}

func TestTokenSigner(t *testing.T) {
	if _, err := NewTokenSigner(TokenOptions{Secret: "short"}); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
	signer, err := NewTokenSigner(TokenOptions{Secret: "0123456789abcdef0123", TTL: time.Minute, Leeway: time.Second})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	signer.now = func() time.Time { return now }
	token, err := signer.Issue(domain.Identity{ID: "u1", Email: "a@x.com", DisplayName: "Ada"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	ident, err := signer.Verify(token)
	if err != nil || ident.ID != "u1" || ident.DisplayName != "Ada" {
		t.Fatalf("verify: %+v %v", ident, err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := signer.Verify(token); err == nil {
		t.Fatalf("expected expired token to fail")
	}

	other, _ := NewTokenSigner(TokenOptions{Secret: "fedcba9876543210fedc"})
	if _, err := other.Verify(token); err == nil {
		t.Fatalf("expected foreign signature to fail")
	}
}
