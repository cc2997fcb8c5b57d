package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite stores subscribers in an embedded SQLite database
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens the database and creates the schema
func NewSQLite(ctx context.Context, dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	s := &SQLite{db: db}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) init(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS subscribers (
			id TEXT PRIMARY KEY,
			timezone TEXT NOT NULL,
			coins TEXT NOT NULL,
			delivery_time TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}

	return nil
}

// Get returns a subscriber by ID
func (s *SQLite) Get(ctx context.Context, id string) (*Subscriber, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, timezone, coins, delivery_time, updated_at
		 FROM subscribers WHERE id = ?`,
		id,
	)

	sub, err := scanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// GetAll returns every subscriber ordered by ID
func (s *SQLite) GetAll(ctx context.Context) ([]Subscriber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timezone, coins, delivery_time, updated_at
		 FROM subscribers ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}

	return subs, rows.Err()
}

// Upsert inserts or replaces a subscriber
func (s *SQLite) Upsert(ctx context.Context, sub Subscriber) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers (id, timezone, coins, delivery_time, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			timezone = excluded.timezone,
			coins = excluded.coins,
			delivery_time = excluded.delivery_time,
			updated_at = excluded.updated_at`,
		sub.ID, sub.Timezone, joinCoins(sub.Coins), sub.DeliveryTime.String(), now,
	)
	return err
}

// Delete removes a subscriber, returns true if a row existed
func (s *SQLite) Delete(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM subscribers WHERE id = ?", id)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(r rowScanner) (*Subscriber, error) {
	var sub Subscriber
	var coins, deliveryTime string
	var updatedAt int64

	if err := r.Scan(&sub.ID, &sub.Timezone, &coins, &deliveryTime, &updatedAt); err != nil {
		return nil, err
	}

	sub.Coins = splitCoins(coins)
	sub.UpdatedAt = time.Unix(updatedAt, 0)
	t, err := ParseDeliveryTime(deliveryTime)
	if err != nil {
		return nil, err
	}
	sub.DeliveryTime = t
	return &sub, nil
}
