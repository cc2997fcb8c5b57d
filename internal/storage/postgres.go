package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres stores subscribers in PostgreSQL.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres connects to databaseURL and creates the schema.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 10
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	p := &Postgres{db: pool}
	if err := p.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) init(ctx context.Context) error {
	_, err := p.db.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS subscribers (
            id TEXT PRIMARY KEY,
            timezone TEXT NOT NULL,
            coins TEXT[] NOT NULL,
            delivery_time TEXT NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        )
    `)
	return err
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.db.Close()
	return nil
}

// Get returns a subscriber by ID.
func (p *Postgres) Get(ctx context.Context, id string) (*Subscriber, error) {
	query := `
        SELECT id, timezone, coins, delivery_time, updated_at
        FROM subscribers
        WHERE id = $1
    `
	sub, err := scanPgSubscriber(p.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

// GetAll returns every subscriber ordered by ID.
func (p *Postgres) GetAll(ctx context.Context) ([]Subscriber, error) {
	query := `
        SELECT id, timezone, coins, delivery_time, updated_at
        FROM subscribers
        ORDER BY id
    `
	rows, err := p.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscriber
	for rows.Next() {
		sub, err := scanPgSubscriber(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// Upsert inserts or replaces a subscriber.
func (p *Postgres) Upsert(ctx context.Context, sub Subscriber) error {
	query := `
        INSERT INTO subscribers (id, timezone, coins, delivery_time, updated_at)
        VALUES ($1, $2, $3, $4, NOW())
        ON CONFLICT (id) DO UPDATE SET
            timezone = EXCLUDED.timezone,
            coins = EXCLUDED.coins,
            delivery_time = EXCLUDED.delivery_time,
            updated_at = NOW()
    `
	coins := sub.Coins
	if coins == nil {
		coins = []string{}
	}
	_, err := p.db.Exec(ctx, query, sub.ID, sub.Timezone, coins, sub.DeliveryTime.String())
	return err
}

// Delete removes a subscriber, returns true if a row existed.
func (p *Postgres) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := p.db.Exec(ctx, `DELETE FROM subscribers WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func scanPgSubscriber(row pgx.Row) (*Subscriber, error) {
	var sub Subscriber
	var deliveryTime string
	if err := row.Scan(&sub.ID, &sub.Timezone, &sub.Coins, &deliveryTime, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	t, err := ParseDeliveryTime(deliveryTime)
	if err != nil {
		return nil, err
	}
	sub.DeliveryTime = t
	return &sub, nil
}
