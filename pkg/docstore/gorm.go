package docstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const migrateLockID int64 = 51874301

// OpenDB opens a gorm connection. driver is "postgres" or "sqlite"; for sqlite
// dsn is a file path or ":memory:".
func OpenDB(driverName, dsn string) (*gorm.DB, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driverName)) {
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driverName)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return db, nil
}

// GormConfig tunes a GormStore.
type GormConfig struct {
	// Bus carries change notifications; defaults to a LocalBus.
	Bus ChangeBus
	// PollInterval re-runs live queries periodically when > 0, which also
	// recovers subscriptions after the database comes back.
	PollInterval time.Duration
	Logger       *slog.Logger
}

// GormStore implements Store over a SQL database.
type GormStore struct {
	db     *gorm.DB
	bus    ChangeBus
	poll   time.Duration
	logger *slog.Logger

	closed    chan struct{}
	closeOnce sync.Once
}

// NewGormStore migrates the records table and returns the store.
func NewGormStore(db *gorm.DB, cfg GormConfig) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("gorm store requires a db")
	}
	if cfg.Bus == nil {
		cfg.Bus = NewLocalBus()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	migrate := func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&RecordModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	if db.Dialector.Name() == "postgres" {
		if err := withMigrationLock(db, migrate); err != nil {
			return nil, err
		}
	} else if err := migrate(db); err != nil {
		return nil, err
	}
	return &GormStore{db: db, bus: cfg.Bus, poll: cfg.PollInterval, logger: cfg.Logger, closed: make(chan struct{})}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

func (s *GormStore) Get(ctx context.Context, collection, id string) (Record, bool, error) {
	var model RecordModel
	err := s.db.WithContext(ctx).Where("collection = ? AND id = ?", collection, id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, false, nil
		}
		return Record{}, false, classifySQLError(err)
	}
	return modelToRecord(model), true, nil
}

func (s *GormStore) Set(ctx context.Context, collection, id string, fields Fields) error {
	now := time.Now().UTC()
	model := RecordModel{
		Collection: collection,
		ID:         id,
		Fields:     datatypes.JSONMap(CloneFields(fields)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"fields", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return classifySQLError(err)
	}
	s.changed(ctx, collection)
	return nil
}

func (s *GormStore) Merge(ctx context.Context, collection, id string, fields Fields) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model, found, err := s.lockRecord(tx, collection, id)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if !found {
			model = RecordModel{Collection: collection, ID: id, Fields: datatypes.JSONMap{}, CreatedAt: now}
		}
		for k, v := range fields {
			model.Fields[k] = cloneValue(v)
		}
		model.UpdatedAt = now
		return tx.Save(&model).Error
	})
	if err != nil {
		return classifySQLError(err)
	}
	s.changed(ctx, collection)
	return nil
}

func (s *GormStore) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	now := time.Now().UTC()
	model := RecordModel{
		Collection: collection,
		ID:         uuid.NewString(),
		Fields:     datatypes.JSONMap(CloneFields(fields)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return "", classifySQLError(err)
	}
	s.changed(ctx, collection)
	return model.ID, nil
}

func (s *GormStore) Update(ctx context.Context, collection, id string, fields Fields) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model, found, err := s.lockRecord(tx, collection, id)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		for k, v := range fields {
			model.Fields[k] = cloneValue(v)
		}
		model.UpdatedAt = time.Now().UTC()
		return tx.Save(&model).Error
	})
	if err != nil {
		return classifySQLError(err)
	}
	s.changed(ctx, collection)
	return nil
}

func (s *GormStore) Increment(ctx context.Context, collection, id, field string, delta int64) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model, found, err := s.lockRecord(tx, collection, id)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		model.Fields[field] = toInt64(model.Fields[field]) + delta
		model.UpdatedAt = time.Now().UTC()
		return tx.Save(&model).Error
	})
	if err != nil {
		return classifySQLError(err)
	}
	s.changed(ctx, collection)
	return nil
}

func (s *GormStore) Delete(ctx context.Context, collection, id string) error {
	res := s.db.WithContext(ctx).Where("collection = ? AND id = ?", collection, id).Delete(&RecordModel{})
	if res.Error != nil {
		return classifySQLError(res.Error)
	}
	if res.RowsAffected > 0 {
		s.changed(ctx, collection)
	}
	return nil
}

func (s *GormStore) Query(ctx context.Context, q Query) ([]Record, error) {
	tx := s.db.WithContext(ctx).Where("collection = ?", q.Collection)
	for _, f := range q.Filters {
		var err error
		if tx, err = s.applyFilter(tx, f); err != nil {
			return nil, err
		}
	}
	tx = tx.Order("id")
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var models []RecordModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, classifySQLError(err)
	}
	out := make([]Record, 0, len(models))
	for _, m := range models {
		out = append(out, modelToRecord(m))
	}
	return out, nil
}

// Subscribe runs the query now and again after every change notification for
// the collection, and on every poll tick when polling is enabled.
func (s *GormStore) Subscribe(ctx context.Context, q Query) (Subscription, error) {
	refresh := make(chan struct{}, 1)
	trigger := func() {
		select {
		case refresh <- struct{}{}:
		default:
		}
	}
	stop, err := s.bus.Listen(ctx, q.Collection, trigger)
	if err != nil {
		return nil, fmt.Errorf("listen for changes: %w", err)
	}
	f := newFeed(ctx, stop)
	trigger()
	go func() {
		queryCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-f.done:
			case <-s.closed:
			case <-queryCtx.Done():
			}
			cancel()
		}()
		var tick <-chan time.Time
		if s.poll > 0 {
			ticker := time.NewTicker(s.poll)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			select {
			case <-queryCtx.Done():
				return
			case <-refresh:
			case <-tick:
			}
			records, err := s.Query(queryCtx, q)
			if queryCtx.Err() != nil {
				return
			}
			if err != nil {
				s.logger.Warn("live query failed", "query", q.Key(), "err", err)
				f.push(Snapshot{Err: err})
				continue
			}
			f.push(Snapshot{Records: records})
		}
	}()
	return f, nil
}

func (s *GormStore) lockRecord(tx *gorm.DB, collection, id string) (RecordModel, bool, error) {
	if s.db.Dialector.Name() == "postgres" {
		tx = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model RecordModel
	if err := tx.Where("collection = ? AND id = ?", collection, id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return RecordModel{}, false, nil
		}
		return RecordModel{}, false, err
	}
	if model.Fields == nil {
		model.Fields = datatypes.JSONMap{}
	}
	return model, true, nil
}

// applyFilter matches a top-level JSON field. Postgres uses jsonb containment;
// other dialects use JSON_EXTRACT.
func (s *GormStore) applyFilter(tx *gorm.DB, f Filter) (*gorm.DB, error) {
	if s.db.Dialector.Name() == "postgres" {
		probe, err := json.Marshal(map[string]any{f.Field: f.Value})
		if err != nil {
			return nil, fmt.Errorf("encode filter: %w", err)
		}
		return tx.Where("fields @> ?::jsonb", string(probe)), nil
	}
	return tx.Where(datatypes.JSONQuery("fields").Equals(f.Value, f.Field)), nil
}

func (s *GormStore) changed(ctx context.Context, collection string) {
	if err := s.bus.Publish(ctx, collection); err != nil {
		s.logger.Warn("publish change failed", "collection", collection, "err", err)
	}
}

// Close releases the change bus and the database pool.
func (s *GormStore) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	busErr := s.bus.Close()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.Close(); err != nil {
		return err
	}
	return busErr
}

// classifySQLError maps driver failures onto the store error classes.
func classifySQLError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrPermissionDenied) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42501":
			return fmt.Errorf("%w: %s", ErrPermissionDenied, pgErr.Message)
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01", pgErr.Code == "57P03":
			return fmt.Errorf("%w: %s", ErrUnavailable, pgErr.Message)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
