package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/cenkalti/backoff/v4"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore implements Store over Cloud Firestore, using its native
// snapshot listeners for live queries.
type FirestoreStore struct {
	client *firestore.Client
	logger *slog.Logger
}

// NewFirestoreStore connects to the project. credentialsFile may be empty to
// use application default credentials or the emulator.
func NewFirestoreStore(ctx context.Context, projectID, credentialsFile string, logger *slog.Logger) (*FirestoreStore, error) {
	if projectID == "" {
		return nil, errors.New("firestore project id is required")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firestore client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FirestoreStore{client: client, logger: logger}, nil
}

func (s *FirestoreStore) Get(ctx context.Context, collection, id string) (Record, bool, error) {
	snap, err := s.client.Collection(collection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return Record{}, false, nil
		}
		return Record{}, false, classifyGRPCError(err)
	}
	return Record{ID: snap.Ref.ID, Fields: Fields(snap.Data())}, true, nil
}

func (s *FirestoreStore) Set(ctx context.Context, collection, id string, fields Fields) error {
	_, err := s.client.Collection(collection).Doc(id).Set(ctx, map[string]any(fields))
	return classifyGRPCError(err)
}

func (s *FirestoreStore) Merge(ctx context.Context, collection, id string, fields Fields) error {
	_, err := s.client.Collection(collection).Doc(id).Set(ctx, map[string]any(fields), firestore.MergeAll)
	return classifyGRPCError(err)
}

func (s *FirestoreStore) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	ref, _, err := s.client.Collection(collection).Add(ctx, map[string]any(fields))
	if err != nil {
		return "", classifyGRPCError(err)
	}
	return ref.ID, nil
}

func (s *FirestoreStore) Update(ctx context.Context, collection, id string, fields Fields) error {
	updates := make([]firestore.Update, 0, len(fields))
	for k, v := range fields {
		updates = append(updates, firestore.Update{Path: k, Value: v})
	}
	_, err := s.client.Collection(collection).Doc(id).Update(ctx, updates)
	return classifyGRPCError(err)
}

func (s *FirestoreStore) Increment(ctx context.Context, collection, id, field string, delta int64) error {
	_, err := s.client.Collection(collection).Doc(id).Update(ctx, []firestore.Update{
		{Path: field, Value: firestore.Increment(delta)},
	})
	return classifyGRPCError(err)
}

func (s *FirestoreStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.client.Collection(collection).Doc(id).Delete(ctx)
	return classifyGRPCError(err)
}

func (s *FirestoreStore) Query(ctx context.Context, q Query) ([]Record, error) {
	docs, err := s.query(q).Documents(ctx).GetAll()
	if err != nil {
		return nil, classifyGRPCError(err)
	}
	return snapshotsToRecords(docs), nil
}

// Subscribe attaches a snapshot listener. When the listener fails the error
// is delivered and the listener is re-attached with exponential backoff.
func (s *FirestoreStore) Subscribe(ctx context.Context, q Query) (Subscription, error) {
	listenCtx, cancel := context.WithCancel(context.Background())
	f := newFeed(ctx, cancel)
	go s.listen(listenCtx, q, f)
	return f, nil
}

func (s *FirestoreStore) listen(ctx context.Context, q Query, f *feed) {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 500 * time.Millisecond
	retry.MaxInterval = 30 * time.Second
	retry.MaxElapsedTime = 0
	for {
		it := s.query(q).Snapshots(ctx)
		for {
			qs, err := it.Next()
			if err == nil {
				docs, derr := qs.Documents.GetAll()
				if derr != nil {
					err = derr
				} else {
					retry.Reset()
					f.push(Snapshot{Records: snapshotsToRecords(docs)})
					continue
				}
			}
			it.Stop()
			if ctx.Err() != nil || errors.Is(err, iterator.Done) || status.Code(err) == codes.Canceled {
				return
			}
			s.logger.Warn("firestore listener failed", "query", q.Key(), "err", err)
			f.push(Snapshot{Err: classifyGRPCError(err)})
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retry.NextBackOff()):
		}
	}
}

func (s *FirestoreStore) query(q Query) firestore.Query {
	query := s.client.Collection(q.Collection).Query
	for _, f := range q.Filters {
		query = query.Where(f.Field, "==", f.Value)
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}
	return query
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func snapshotsToRecords(docs []*firestore.DocumentSnapshot) []Record {
	out := make([]Record, 0, len(docs))
	for _, doc := range docs {
		out = append(out, Record{ID: doc.Ref.ID, Fields: Fields(doc.Data())})
	}
	return out
}

func classifyGRPCError(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	case codes.PermissionDenied, codes.Unauthenticated:
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	default:
		return err
	}
}
