package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgreSQLStore implements Store using PostgreSQL
type PostgreSQLStore struct {
	*sqlStore
}

// pool limits applied when Config leaves them zero
var postgresPool = Config{
	MaxOpenConns:    25,
	MaxIdleConns:    5,
	ConnMaxLifetime: 5 * time.Minute,
	ConnMaxIdleTime: time.Minute,
}

func orDefault[T int | time.Duration](v, def T) T {
	if v > 0 {
		return v
	}
	return def
}

// NewPostgreSQLStore connects, pings and creates the schema if missing
func NewPostgreSQLStore(config Config) (*PostgreSQLStore, error) {
	if config.DSN == "" {
		return nil, errors.New("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(orDefault(config.MaxOpenConns, postgresPool.MaxOpenConns))
	db.SetMaxIdleConns(orDefault(config.MaxIdleConns, postgresPool.MaxIdleConns))
	db.SetConnMaxLifetime(orDefault(config.ConnMaxLifetime, postgresPool.ConnMaxLifetime))
	db.SetConnMaxIdleTime(orDefault(config.ConnMaxIdleTime, postgresPool.ConnMaxIdleTime))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach PostgreSQL: %w", err)
	}

	s := &PostgreSQLStore{sqlStore: &sqlStore{db: db, dialect: dialectPostgres}}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// isPostgresUniqueViolation reports SQLSTATE 23505
func isPostgresUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
