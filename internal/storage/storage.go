package storage

import (
	"context"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

// Store is a durable mapping from subscriber ID to configuration.
//
// Read-modify-write sequences built on top of Get and Upsert are not atomic;
// concurrent edits to the same subscriber are last-write-wins.
type Store interface {
	Get(ctx context.Context, id string) (*Subscriber, error)
	GetAll(ctx context.Context) ([]Subscriber, error)
	Upsert(ctx context.Context, s Subscriber) error
	Delete(ctx context.Context, id string) (bool, error)
	Close() error
}

// Drivers accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverJSON     = "json"
)

// Options selects and configures a backend.
type Options struct {
	Driver      string
	DBPath      string
	DatabaseURL string
	JSONPath    string
	Defaults    Defaults
}

// Open creates the configured store
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case DriverSQLite, "":
		return NewSQLite(ctx, opts.DBPath)
	case DriverPostgres:
		return NewPostgres(ctx, opts.DatabaseURL)
	case DriverJSON:
		return OpenJSON(opts.JSONPath, opts.Defaults)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

// Import copies every record of src into dst and returns the number copied.
func Import(ctx context.Context, src, dst Store) (int, error) {
	subs, err := src.GetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("read source: %w", err)
	}
	for i, s := range subs {
		if err := dst.Upsert(ctx, s); err != nil {
			return i, fmt.Errorf("write %s: %w", s.ID, err)
		}
	}
	return len(subs), nil
}
