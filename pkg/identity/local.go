package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"storyforge/internal/ratelimit"
	"storyforge/pkg/auth"
	"storyforge/pkg/domain"
)

// LocalConfig wires the Local provider.
type LocalConfig struct {
	Accounts AccountStore
	// Limiter bounds password sign-in attempts per email; nil disables it.
	Limiter   ratelimit.Limiter
	Tokens    *TokenSigner
	Federated map[string]Connector
	Now       func() time.Time
	Logger    *slog.Logger
}

// Local is a self-hosted identity provider backed by an AccountStore.
type Local struct {
	accounts  AccountStore
	limiter   ratelimit.Limiter
	tokens    *TokenSigner
	federated map[string]Connector
	now       func() time.Time
	logger    *slog.Logger

	notifier Notifier
	mu       sync.Mutex
	token    string
}

func NewLocal(cfg LocalConfig) (*Local, error) {
	if cfg.Accounts == nil {
		cfg.Accounts = NewMemoryAccounts()
	}
	if cfg.Tokens == nil {
		signer, err := NewTokenSigner(TokenOptions{})
		if err != nil {
			return nil, fmt.Errorf("init token signer: %w", err)
		}
		cfg.Tokens = signer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Local{
		accounts:  cfg.Accounts,
		limiter:   cfg.Limiter,
		tokens:    cfg.Tokens,
		federated: cfg.Federated,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}, nil
}

func (l *Local) CreateAccount(ctx context.Context, email, password string) (domain.Identity, error) {
	normalized, err := auth.NormalizeEmail(email)
	if err != nil {
		return domain.Identity{}, newError(CodeInvalidEmail, "", err)
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.Identity{}, newError(CodeWeakPassword, "", err)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.Identity{}, newError(CodeInternal, "", err)
	}
	account := Account{
		ID:           uuid.NewString(),
		Email:        normalized,
		PasswordHash: hash,
		CreatedAt:    l.now().UTC(),
	}
	if err := l.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, ErrAccountExists) {
			return domain.Identity{}, newError(CodeEmailInUse, "", err)
		}
		return domain.Identity{}, newError(CodeInternal, "", err)
	}
	return l.signedIn(account)
}

func (l *Local) SignIn(ctx context.Context, email, password string) (domain.Identity, error) {
	normalized, err := auth.NormalizeEmail(email)
	if err != nil {
		return domain.Identity{}, newError(CodeInvalidEmail, "", err)
	}
	if l.limiter != nil && !l.limiter.Allow(normalized) {
		return domain.Identity{}, newError(CodeTooManyRequests, "", nil)
	}
	account, ok, err := l.accounts.ByEmail(ctx, normalized)
	if err != nil {
		return domain.Identity{}, newError(CodeInternal, "", err)
	}
	if !ok {
		return domain.Identity{}, newError(CodeUserNotFound, "", nil)
	}
	if account.PasswordHash == "" || !auth.CheckPassword(password, account.PasswordHash) {
		return domain.Identity{}, newError(CodeInvalidCredential, "", nil)
	}
	return l.signedIn(account)
}

// SignInFederated authenticates through a configured connector, then finds
// the account by provider subject, links it by email, or creates it.
func (l *Local) SignInFederated(ctx context.Context, provider string) (domain.Identity, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	connector, ok := l.federated[provider]
	if !ok || connector == nil {
		return domain.Identity{}, newError(CodeOperationNotAllowed, "", fmt.Errorf("provider %q is not enabled", provider))
	}
	cred, err := connector.Authenticate(ctx)
	if err != nil {
		return domain.Identity{}, err
	}
	account, found, err := l.accounts.ByProvider(ctx, provider, cred.Subject)
	if err != nil {
		return domain.Identity{}, newError(CodeInternal, "", err)
	}
	if !found && cred.Email != "" {
		email := strings.ToLower(strings.TrimSpace(cred.Email))
		account, found, err = l.accounts.ByEmail(ctx, email)
		if err != nil {
			return domain.Identity{}, newError(CodeInternal, "", err)
		}
		if found {
			if err := l.accounts.Link(ctx, account.ID, provider, cred.Subject); err != nil {
				return domain.Identity{}, newError(CodeInternal, "", err)
			}
		}
	}
	if !found {
		account = Account{
			ID:              uuid.NewString(),
			Email:           strings.ToLower(strings.TrimSpace(cred.Email)),
			Provider:        provider,
			ProviderSubject: cred.Subject,
			CreatedAt:       l.now().UTC(),
		}
		if err := l.accounts.Create(ctx, account); err != nil {
			return domain.Identity{}, newError(CodeInternal, "", err)
		}
	}
	if account.DisplayName == "" {
		account.DisplayName = cred.Name
	}
	if account.PhotoURL == "" {
		account.PhotoURL = cred.Picture
	}
	return l.signedIn(account)
}

func (l *Local) SignOut(_ context.Context) error {
	l.mu.Lock()
	l.token = ""
	l.mu.Unlock()
	l.notifier.Set(nil)
	return nil
}

func (l *Local) IDToken(_ context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.token == "" {
		return "", newError(CodeNotSignedIn, "", nil)
	}
	return l.token, nil
}

func (l *Local) Watch(fn func(*domain.Identity)) func() {
	return l.notifier.Watch(fn)
}

// VerifyIDToken checks a token issued by this provider.
func (l *Local) VerifyIDToken(token string) (domain.Identity, error) {
	return l.tokens.Verify(token)
}

func (l *Local) signedIn(account Account) (domain.Identity, error) {
	ident := domain.Identity{
		ID:          account.ID,
		Email:       account.Email,
		DisplayName: account.DisplayName,
		PhotoURL:    account.PhotoURL,
	}
	token, err := l.tokens.Issue(ident)
	if err != nil {
		return domain.Identity{}, newError(CodeInternal, "", err)
	}
	l.mu.Lock()
	l.token = token
	l.mu.Unlock()
	l.logger.Debug("identity signed in", "uid", ident.ID)
	l.notifier.Set(&ident)
	return ident, nil
}

var _ Provider = (*Local)(nil)
