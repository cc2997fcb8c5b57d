// Package subscriptions implements the subscriber commands: each one
// mutates the store and then brings the digest schedule in line.
package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/suspectuso/crypto-reminder/internal/storage"
)

var (
	ErrInvalidTime         = storage.ErrInvalidTime
	ErrUnknownCoin         = errors.New("unknown coin")
	ErrNoCoins             = errors.New("no coins given")
	ErrInvalidTimezone     = errors.New("invalid timezone")
	ErrUpstreamUnavailable = errors.New("market data unavailable")
	ErrNotSubscribed       = errors.New("not subscribed")
)

// UnknownCoinsError lists the coin IDs the market data source did not recognize.
type UnknownCoinsError struct {
	Coins []string
}

func (e *UnknownCoinsError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnknownCoin, strings.Join(e.Coins, ", "))
}

func (e *UnknownCoinsError) Is(target error) bool {
	return target == ErrUnknownCoin
}

// Store is the subset of storage.Store the service uses.
type Store interface {
	Get(ctx context.Context, id string) (*storage.Subscriber, error)
	Upsert(ctx context.Context, s storage.Subscriber) error
	Delete(ctx context.Context, id string) (bool, error)
}

// Scheduler is the digest job table.
type Scheduler interface {
	Register(ctx context.Context, subscriberID string) error
	Unregister(subscriberID string)
	Fire(ctx context.Context, subscriberID string) error
}

// CoinChecker reports which coin IDs exist; an error means the answer is
// unknown.
type CoinChecker interface {
	KnownCoins(ctx context.Context, ids []string) (map[string]bool, error)
}

type Service struct {
	store    Store
	sched    Scheduler
	coins    CoinChecker
	defaults storage.Defaults
	log      *zap.Logger
}

func New(store Store, sched Scheduler, coins CoinChecker, defaults storage.Defaults, log *zap.Logger) *Service {
	return &Service{
		store:    store,
		sched:    sched,
		coins:    coins,
		defaults: defaults,
		log:      log,
	}
}

// Defaults returns the settings new subscribers start with.
func (s *Service) Defaults() storage.Defaults {
	return s.defaults
}

// Subscribe creates a default record and schedules its digest. created is
// false when the subscriber already existed.
func (s *Service) Subscribe(ctx context.Context, id string) (created bool, err error) {
	_, err = s.store.Get(ctx, id)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("load subscriber: %w", err)
	}

	if err := s.store.Upsert(ctx, s.defaults.NewSubscriber(id)); err != nil {
		return false, fmt.Errorf("save subscriber: %w", err)
	}
	if err := s.sched.Register(ctx, id); err != nil {
		return true, fmt.Errorf("schedule digest: %w", err)
	}

	s.log.Info("subscribed", zap.String("subscriber_id", id))
	return true, nil
}

// Unsubscribe deletes the record and removes the digest job before
// returning. If the delete fails the job is kept.
func (s *Service) Unsubscribe(ctx context.Context, id string) (removed bool, err error) {
	removed, err = s.store.Delete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("delete subscriber: %w", err)
	}
	s.sched.Unregister(id)

	if removed {
		s.log.Info("unsubscribed", zap.String("subscriber_id", id))
	}
	return removed, nil
}

// SetCoins replaces the coin list. Every coin must be known to the market
// data source; otherwise nothing is saved. It returns the normalized list.
func (s *Service) SetCoins(ctx context.Context, id string, coins []string) ([]string, error) {
	coins = storage.NormalizeCoins(coins)
	if len(coins) == 0 {
		return nil, ErrNoCoins
	}

	known, err := s.coins.KnownCoins(ctx, coins)
	if err != nil {
		s.log.Warn("coin validation failed", zap.Error(err))
		return nil, ErrUpstreamUnavailable
	}
	var unknown []string
	for _, c := range coins {
		if !known[c] {
			unknown = append(unknown, c)
		}
	}
	if len(unknown) > 0 {
		return nil, &UnknownCoinsError{Coins: unknown}
	}

	err = s.update(ctx, id, true, func(sub *storage.Subscriber) {
		sub.Coins = coins
	})
	if err != nil {
		return nil, err
	}
	return coins, nil
}

// SetTime changes the local delivery time and reschedules.
func (s *Service) SetTime(ctx context.Context, id, hhmm string) (storage.DeliveryTime, error) {
	t, err := storage.ParseDeliveryTime(hhmm)
	if err != nil {
		return storage.DeliveryTime{}, err
	}

	err = s.update(ctx, id, true, func(sub *storage.Subscriber) {
		sub.DeliveryTime = t
	})
	if err != nil {
		return storage.DeliveryTime{}, err
	}
	if err := s.sched.Register(ctx, id); err != nil {
		return t, fmt.Errorf("reschedule digest: %w", err)
	}
	return t, nil
}

// SetTimezone changes the subscriber's zone and reschedules. Unlike
// SetCoins and SetTime it does not create a record.
func (s *Service) SetTimezone(ctx context.Context, id, zone string) error {
	zone = strings.TrimSpace(zone)
	if zone == "" {
		return ErrInvalidTimezone
	}
	if _, err := time.LoadLocation(zone); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidTimezone, zone)
	}

	err := s.update(ctx, id, false, func(sub *storage.Subscriber) {
		sub.Timezone = zone
	})
	if err != nil {
		return err
	}
	if err := s.sched.Register(ctx, id); err != nil {
		return fmt.Errorf("reschedule digest: %w", err)
	}
	return nil
}

// Settings returns the subscriber's record.
func (s *Service) Settings(ctx context.Context, id string) (*storage.Subscriber, error) {
	sub, err := s.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotSubscribed
	}
	if err != nil {
		return nil, fmt.Errorf("load subscriber: %w", err)
	}
	return sub, nil
}

// TriggerDigestNow sends the subscriber's digest immediately.
func (s *Service) TriggerDigestNow(ctx context.Context, id string) error {
	if _, err := s.Settings(ctx, id); err != nil {
		return err
	}
	return s.sched.Fire(ctx, id)
}

// update loads (or, if create is set, initializes) the record, applies fn
// and saves it. A newly created record gets its digest scheduled.
func (s *Service) update(ctx context.Context, id string, create bool, fn func(*storage.Subscriber)) error {
	sub, err := s.store.Get(ctx, id)
	created := false
	switch {
	case errors.Is(err, storage.ErrNotFound) && create:
		fresh := s.defaults.NewSubscriber(id)
		sub = &fresh
		created = true
	case errors.Is(err, storage.ErrNotFound):
		return ErrNotSubscribed
	case err != nil:
		return fmt.Errorf("load subscriber: %w", err)
	}

	fn(sub)
	if err := s.store.Upsert(ctx, *sub); err != nil {
		return fmt.Errorf("save subscriber: %w", err)
	}

	if created {
		s.log.Info("subscriber created by settings change", zap.String("subscriber_id", id))
		if err := s.sched.Register(ctx, id); err != nil {
			return fmt.Errorf("schedule digest: %w", err)
		}
	}
	return nil
}
