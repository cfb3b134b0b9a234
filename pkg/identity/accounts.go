package identity

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"
)

var ErrAccountExists = errors.New("identity: account already exists")

// Account is a credential record held by the Local provider.
type Account struct {
	ID              string
	Email           string
	PasswordHash    string
	DisplayName     string
	PhotoURL        string
	Provider        string
	ProviderSubject string
	CreatedAt       time.Time
}

// AccountStore persists accounts for the Local provider.
type AccountStore interface {
	Create(ctx context.Context, a Account) error
	ByEmail(ctx context.Context, email string) (Account, bool, error)
	ByProvider(ctx context.Context, provider, subject string) (Account, bool, error)
	// Link attaches a federated subject to an existing account.
	Link(ctx context.Context, id, provider, subject string) error
}

// MemoryAccounts keeps accounts in-process.
type MemoryAccounts struct {
	mu       sync.RWMutex
	accounts map[string]Account // key: account ID
	email    map[string]string  // email -> account ID
}

func NewMemoryAccounts() *MemoryAccounts {
	return &MemoryAccounts{
		accounts: make(map[string]Account),
		email:    make(map[string]string),
	}
}

func (m *MemoryAccounts) Create(_ context.Context, a Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.Email != "" {
		if _, exists := m.email[a.Email]; exists {
			return ErrAccountExists
		}
		m.email[a.Email] = a.ID
	}
	m.accounts[a.ID] = a
	return nil
}

func (m *MemoryAccounts) ByEmail(_ context.Context, email string) (Account, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[email]
	if !ok || email == "" {
		return Account{}, false, nil
	}
	return m.accounts[id], true, nil
}

func (m *MemoryAccounts) ByProvider(_ context.Context, provider, subject string) (Account, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.accounts {
		if a.Provider == provider && a.ProviderSubject == subject {
			return a, true, nil
		}
	}
	return Account{}, false, nil
}

func (m *MemoryAccounts) Link(_ context.Context, id, provider, subject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return errors.New("identity: account not found")
	}
	a.Provider = provider
	a.ProviderSubject = subject
	m.accounts[id] = a
	return nil
}

// AccountModel is the gorm row for an account.
type AccountModel struct {
	ID              string `gorm:"primaryKey"`
	Email           string `gorm:"uniqueIndex;not null"`
	PasswordHash    string
	DisplayName     string
	PhotoURL        string
	Provider        string `gorm:"index:idx_account_provider"`
	ProviderSubject string `gorm:"index:idx_account_provider"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time
}

func (AccountModel) TableName() string {
	return "accounts"
}

// GormAccounts stores accounts in SQL.
type GormAccounts struct {
	db *gorm.DB
}

// NewGormAccounts migrates the accounts table.
func NewGormAccounts(db *gorm.DB) (*GormAccounts, error) {
	if err := db.AutoMigrate(&AccountModel{}); err != nil {
		return nil, err
	}
	return &GormAccounts{db: db}, nil
}

func (g *GormAccounts) Create(ctx context.Context, a Account) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&AccountModel{}).Where("email = ?", a.Email).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrAccountExists
		}
		model := accountToModel(a)
		return tx.Create(&model).Error
	})
}

func (g *GormAccounts) ByEmail(ctx context.Context, email string) (Account, bool, error) {
	return g.first(ctx, "email = ?", email)
}

func (g *GormAccounts) ByProvider(ctx context.Context, provider, subject string) (Account, bool, error) {
	return g.first(ctx, "provider = ? AND provider_subject = ?", provider, subject)
}

func (g *GormAccounts) Link(ctx context.Context, id, provider, subject string) error {
	return g.db.WithContext(ctx).Model(&AccountModel{}).
		Where("id = ?", id).
		Updates(map[string]any{"provider": provider, "provider_subject": subject}).Error
}

func (g *GormAccounts) first(ctx context.Context, query string, args ...any) (Account, bool, error) {
	var model AccountModel
	if err := g.db.WithContext(ctx).Where(query, args...).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Account{}, false, nil
		}
		return Account{}, false, err
	}
	return modelToAccount(model), true, nil
}

func accountToModel(a Account) AccountModel {
	return AccountModel{
		ID:              a.ID,
		Email:           a.Email,
		PasswordHash:    a.PasswordHash,
		DisplayName:     a.DisplayName,
		PhotoURL:        a.PhotoURL,
		Provider:        a.Provider,
		ProviderSubject: a.ProviderSubject,
		CreatedAt:       a.CreatedAt,
	}
}

func modelToAccount(m AccountModel) Account {
	return Account{
		ID:              m.ID,
		Email:           m.Email,
		PasswordHash:    m.PasswordHash,
		DisplayName:     m.DisplayName,
		PhotoURL:        m.PhotoURL,
		Provider:        m.Provider,
		ProviderSubject: m.ProviderSubject,
		CreatedAt:       m.CreatedAt,
	}
}
