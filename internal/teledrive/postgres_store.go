package teledrive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/agentworkforce/teledrive/internal/logging"
)

const (
	postgresCollectionsTable = "teledrive_collections"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps one row per collection, each holding the same JSON
// document the file store would write.
type PostgresStore struct {
	dsn       string
	tableName string
	namespace string
	openDB    sqlOpenFunc
	logger    *zap.Logger

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string, logger *zap.Logger) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresCollectionsTable,
		namespace: "default",
		openDB:    sql.Open,
		logger:    logging.OrDefault(logger, "metadata"),
	}, nil
}

func (s *PostgresStore) Load() (*Snapshot, error) {
	if s == nil {
		return &Snapshot{}, nil
	}
	if err := s.ensureReady(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT collection, document FROM %s WHERE namespace = $1", postgresQuoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query, s.namespace)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	defer rows.Close()

	raw := map[string][]byte{}
	for rows.Next() {
		var collection, document string
		if err := rows.Scan(&collection, &document); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
		}
		raw[collection] = []byte(document)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	return decodeSnapshotCollections(raw, s.tableName, s.logger), nil
}

func (s *PostgresStore) Save(snapshot *Snapshot) error {
	if s == nil || snapshot == nil {
		return nil
	}
	if err := s.ensureReady(); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (namespace, collection, document, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (namespace, collection)
		DO UPDATE SET document = EXCLUDED.document, updated_at = NOW()`, postgresQuoteIdentifier(s.tableName))
	for _, collection := range []string{foldersCollection, filesCollection} {
		payload, err := encodeCollection(snapshot, collection)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(ctx, query, s.namespace, collection, string(payload)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				namespace TEXT NOT NULL,
				collection TEXT NOT NULL,
				document TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (namespace, collection)
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
