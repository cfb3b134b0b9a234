package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"storyforge/internal/idtoken"
	"storyforge/internal/ratelimit"
	"storyforge/pkg/docstore"
	"storyforge/pkg/documents"
	"storyforge/pkg/domain"
	"storyforge/pkg/identity"
	"storyforge/pkg/manuscript"
	"storyforge/pkg/metrics"
	"storyforge/pkg/session"
	"storyforge/pkg/snapshotcache"
	"storyforge/pkg/storage"
)

var (
	ErrNotFound      = errors.New("document not found")
	ErrForbidden     = errors.New("forbidden")
	ErrNoVerifier    = errors.New("identity provider cannot verify tokens")
	ErrInvalidFormat = errors.New("unsupported export format")
)

// Config holds runtime configuration for the studio core. Store, Provider,
// Cache and Objects override the backends named by the string fields.
type Config struct {
	Backend              string
	DatabaseURL          string
	SQLitePath           string
	FirestoreProject     string
	FirestoreCredentials string
	PollInterval         time.Duration

	ChangeBus     string
	AMQPURL       string
	RedisAddr     string
	RedisPassword string

	SnapshotCache    string
	SnapshotCacheTTL time.Duration

	Identity       string
	ToolkitAPIKey  string
	ToolkitProject string
	TokenSecret    string
	TokenTTL       time.Duration
	SignInLimit    int
	SignInWindow   time.Duration
	GoogleClientID string
	GoogleSecret   string
	GooglePopup    identity.Popup

	ProfileRetryAttempts int
	ProfileRetryDelay    time.Duration
	PublicLimit          int

	Exports        string
	ExportLinkTTL  time.Duration
	FilesBaseURL   string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	Store    docstore.Store
	Provider identity.Provider
	Cache    snapshotcache.Cache
	Objects  storage.ObjectStore
	Registry *prometheus.Registry
	Now      func() time.Time
	Logger   *slog.Logger
}

// App wires the session manager and document store to their backends.
type App struct {
	session   *session.Manager
	documents *documents.Store
	provider  identity.Provider
	tokens    *idtoken.Verifier
	objects   storage.ObjectStore
	files     *storage.MemoryStore
	registry  *prometheus.Registry
	linkTTL   time.Duration
	logger    *slog.Logger

	closers []func() error
}

// New builds every backend and starts the session manager and document store.
func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if cfg.ExportLinkTTL <= 0 {
		cfg.ExportLinkTTL = 15 * time.Minute
	}
	a := &App{registry: cfg.Registry, linkTTL: cfg.ExportLinkTTL, logger: cfg.Logger}
	ok := false
	defer func() {
		if !ok {
			_ = a.closeBackends()
		}
	}()

	collector := metrics.NewCollector(cfg.Registry)

	remote, db, err := a.openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cache, err := a.openCache(cfg)
	if err != nil {
		return nil, err
	}
	provider, err := a.openProvider(cfg, db)
	if err != nil {
		return nil, err
	}
	objects, err := a.openObjects(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.provider = provider
	a.objects = objects

	a.session = session.New(session.Config{
		Provider:      provider,
		Profiles:      remote,
		RetryAttempts: cfg.ProfileRetryAttempts,
		RetryDelay:    cfg.ProfileRetryDelay,
		Now:           cfg.Now,
		Logger:        cfg.Logger.With("component", "session"),
		Metrics:       collector,
	})
	a.documents = documents.New(documents.Config{
		Remote:      remote,
		Identity:    a.session,
		Cache:       cache,
		PublicLimit: cfg.PublicLimit,
		Now:         cfg.Now,
		Logger:      cfg.Logger.With("component", "documents"),
		Metrics:     collector,
	})
	a.session.Start()
	a.documents.Start()
	ok = true
	return a, nil
}

func (a *App) openStore(ctx context.Context, cfg Config) (docstore.Store, *gorm.DB, error) {
	if cfg.Store != nil {
		return cfg.Store, nil, nil
	}
	switch cfg.Backend {
	case "", "memory":
		return docstore.NewMemoryStore(), nil, nil
	case "firestore":
		fs, err := docstore.NewFirestoreStore(ctx, cfg.FirestoreProject, cfg.FirestoreCredentials, cfg.Logger)
		if err != nil {
			return nil, nil, fmt.Errorf("init firestore store: %w", err)
		}
		a.closers = append(a.closers, fs.Close)
		return fs, nil, nil
	case "sqlite", "postgres":
		dsn := cfg.DatabaseURL
		if cfg.Backend == "sqlite" {
			dsn = cfg.SQLitePath
		}
		db, err := docstore.OpenDB(cfg.Backend, dsn)
		if err != nil {
			return nil, nil, err
		}
		bus, err := a.openBus(cfg)
		if err != nil {
			return nil, nil, err
		}
		gs, err := docstore.NewGormStore(db, docstore.GormConfig{Bus: bus, PollInterval: cfg.PollInterval, Logger: cfg.Logger})
		if err != nil {
			return nil, nil, fmt.Errorf("init %s store: %w", cfg.Backend, err)
		}
		a.closers = append(a.closers, gs.Close)
		return gs, db, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func (a *App) openBus(cfg Config) (docstore.ChangeBus, error) {
	switch cfg.ChangeBus {
	case "", "local":
		return docstore.NewLocalBus(), nil
	case "redis":
		bus, err := docstore.NewRedisBus(cfg.RedisAddr, cfg.RedisPassword, "storyforge")
		if err != nil {
			return nil, fmt.Errorf("init redis change bus: %w", err)
		}
		return bus, nil
	case "amqp":
		bus, err := docstore.NewAMQPBus(cfg.AMQPURL, "storyforge.changes")
		if err != nil {
			return nil, fmt.Errorf("init amqp change bus: %w", err)
		}
		return bus, nil
	default:
		return nil, fmt.Errorf("unknown change bus %q", cfg.ChangeBus)
	}
}

func (a *App) openCache(cfg Config) (snapshotcache.Cache, error) {
	if cfg.Cache != nil {
		return cfg.Cache, nil
	}
	if cfg.SnapshotCache != "redis" {
		return snapshotcache.NewMemory(), nil
	}
	ttl := cfg.SnapshotCacheTTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	cache, err := snapshotcache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, "storyforge:snapshots", ttl)
	if err != nil {
		return nil, fmt.Errorf("init snapshot cache: %w", err)
	}
	a.closers = append(a.closers, cache.Close)
	return cache, nil
}

func (a *App) openProvider(cfg Config, db *gorm.DB) (identity.Provider, error) {
	if cfg.Provider != nil {
		return cfg.Provider, nil
	}
	var federated map[string]identity.Connector
	if cfg.GoogleClientID != "" {
		popup := cfg.GooglePopup
		if popup == nil {
			popup = &identity.LoopbackPopup{}
		}
		federated = map[string]identity.Connector{
			identity.ProviderGoogle: identity.NewGoogleConnector(identity.GoogleConfig{
				ClientID:     cfg.GoogleClientID,
				ClientSecret: cfg.GoogleSecret,
				Popup:        popup,
			}),
		}
	}
	switch cfg.Identity {
	case "toolkit":
		if cfg.ToolkitProject != "" {
			verifier, err := idtoken.NewVerifier(idtoken.Config{ProjectID: cfg.ToolkitProject, Now: cfg.Now})
			if err != nil {
				return nil, fmt.Errorf("init id token verifier: %w", err)
			}
			a.tokens = verifier
		}
		return identity.NewToolkit(identity.ToolkitConfig{APIKey: cfg.ToolkitAPIKey, Federated: federated, Now: cfg.Now}), nil
	case "", "local":
	default:
		return nil, fmt.Errorf("unknown identity provider %q", cfg.Identity)
	}

	var accounts identity.AccountStore = identity.NewMemoryAccounts()
	if db != nil {
		ga, err := identity.NewGormAccounts(db)
		if err != nil {
			return nil, fmt.Errorf("init accounts: %w", err)
		}
		accounts = ga
	}
	limiter, err := a.openLimiter(cfg)
	if err != nil {
		return nil, err
	}
	signer, err := identity.NewTokenSigner(identity.TokenOptions{Secret: cfg.TokenSecret, TTL: cfg.TokenTTL})
	if err != nil {
		return nil, fmt.Errorf("init token signer: %w", err)
	}
	return identity.NewLocal(identity.LocalConfig{
		Accounts:  accounts,
		Limiter:   limiter,
		Tokens:    signer,
		Federated: federated,
		Now:       cfg.Now,
		Logger:    cfg.Logger.With("component", "identity"),
	})
}

func (a *App) openLimiter(cfg Config) (ratelimit.Limiter, error) {
	if cfg.SignInLimit <= 0 {
		return nil, nil
	}
	window := cfg.SignInWindow
	if window <= 0 {
		window = time.Minute
	}
	if cfg.RedisAddr == "" {
		return ratelimit.NewMemoryLimiter(cfg.SignInLimit, window)
	}
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "storyforge:signin", cfg.SignInLimit, window)
	if err != nil {
		return nil, fmt.Errorf("init sign-in limiter: %w", err)
	}
	a.closers = append(a.closers, limiter.Close)
	return limiter, nil
}

func (a *App) openObjects(ctx context.Context, cfg Config) (storage.ObjectStore, error) {
	if cfg.Objects != nil {
		if mem, ok := cfg.Objects.(*storage.MemoryStore); ok {
			a.files = mem
		}
		return cfg.Objects, nil
	}
	if cfg.Exports == "minio" {
		store, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("init minio store: %w", err)
		}
		return store, nil
	}
	a.files = storage.NewMemoryStore(cfg.FilesBaseURL)
	return a.files, nil
}

// Close stops the document store, then the session manager, then releases
// backends in parallel.
func (a *App) Close() error {
	if a.documents != nil {
		a.documents.Close()
	}
	if a.session != nil {
		a.session.Close()
	}
	return a.closeBackends()
}

func (a *App) closeBackends() error {
	var g errgroup.Group
	for _, closeFn := range a.closers {
		g.Go(closeFn)
	}
	a.closers = nil
	return g.Wait()
}

func (a *App) Session() *session.Manager { return a.session }

func (a *App) Documents() *documents.Store { return a.documents }

func (a *App) Registry() *prometheus.Registry { return a.registry }

// Files returns the in-process export store, nil when exports go to MinIO.
func (a *App) Files() *storage.MemoryStore { return a.files }

// IDToken returns the bearer token of the signed-in identity.
func (a *App) IDToken(ctx context.Context) (string, error) {
	return a.provider.IDToken(ctx)
}

// VerifyToken validates a bearer token with the provider's own signer or
// the toolkit project keys. ErrNoVerifier means neither is available.
func (a *App) VerifyToken(ctx context.Context, token string) (domain.Identity, error) {
	if v, ok := a.provider.(interface {
		VerifyIDToken(string) (domain.Identity, error)
	}); ok {
		return v.VerifyIDToken(token)
	}
	if a.tokens != nil {
		return a.tokens.Verify(ctx, token)
	}
	return domain.Identity{}, ErrNoVerifier
}

// Import turns an uploaded manuscript into a new private draft.
func (a *App) Import(ctx context.Context, filename string, r io.Reader) (string, manuscript.Manuscript, error) {
	data, err := io.ReadAll(io.LimitReader(r, manuscript.MaxSize+1))
	if err != nil {
		return "", manuscript.Manuscript{}, fmt.Errorf("read upload: %w", err)
	}
	m, err := manuscript.Extract(filename, data)
	if err != nil {
		return "", manuscript.Manuscript{}, err
	}
	in := domain.DocumentInput{
		Content: domain.Ptr(m.Content),
		Status:  domain.Ptr(domain.StatusDraft),
	}
	if m.Title != "" {
		in.Title = domain.Ptr(m.Title)
	}
	id, err := a.documents.CreateDocument(ctx, in)
	if err != nil {
		return "", manuscript.Manuscript{}, err
	}
	a.logger.Info("manuscript imported", "doc_id", id, "format", m.Format, "words", domain.WordCount(m.Content))
	return id, m, nil
}

// Export is a rendered document parked in object storage.
type Export struct {
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	Format    string    `json:"format"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Export renders a document the viewer owns, or a public one, and returns a
// time-limited link to it.
func (a *App) Export(ctx context.Context, viewer domain.Identity, id, format string) (Export, error) {
	doc, found, err := a.documents.GetDocumentByID(ctx, id)
	if err != nil {
		return Export{}, err
	}
	if !found {
		return Export{}, ErrNotFound
	}
	if doc.Owner != viewer.ID && !doc.IsPublic {
		return Export{}, ErrForbidden
	}
	rendered, err := manuscript.Render(doc, format)
	if err != nil {
		return Export{}, fmt.Errorf("%w: %s", ErrInvalidFormat, format)
	}
	key := manuscript.ExportKey(doc, rendered)
	if err := a.objects.Put(ctx, key, bytes.NewReader(rendered.Body), int64(len(rendered.Body)), rendered.ContentType); err != nil {
		return Export{}, fmt.Errorf("store export: %w", err)
	}
	link, err := a.objects.PresignGet(ctx, key, a.linkTTL)
	if err != nil {
		return Export{}, fmt.Errorf("presign export: %w", err)
	}
	return Export{URL: link, Key: key, Format: rendered.Extension, ExpiresAt: time.Now().Add(a.linkTTL)}, nil
}

// Dashboard summarizes the signed-in writer's library.
type Dashboard struct {
	Profile     *domain.UserProfile       `json:"profile"`
	Documents   int                       `json:"documents"`
	Published   int                       `json:"published"`
	TotalWords  int                       `json:"totalWords"`
	TotalReads  int64                     `json:"totalReads"`
	ByStatus    map[domain.WorkStatus]int `json:"byStatus"`
	Recent      []domain.StoryDocument    `json:"recent"`
	Recommended []domain.StoryDocument    `json:"recommended"`
}

const (
	dashboardRecent      = 5
	dashboardRecommended = 6
)

func (a *App) Dashboard() Dashboard {
	st := a.documents.State()
	d := Dashboard{
		Profile:    a.session.State().Profile,
		Documents:  len(st.Mine),
		TotalWords: domain.TotalWords(st.Mine),
		ByStatus:   map[domain.WorkStatus]int{},
	}
	for _, doc := range st.Mine {
		d.ByStatus[doc.Status]++
		d.TotalReads += doc.Reads
		if doc.IsPublic {
			d.Published++
		}
	}
	recent := st.Mine
	if len(recent) > dashboardRecent {
		recent = recent[:dashboardRecent]
	}
	d.Recent = recent
	d.Recommended = domain.Recommended(st.Public, dashboardRecommended)
	return d
}
