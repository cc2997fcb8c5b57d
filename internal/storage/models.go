package storage

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidTime = errors.New("invalid time, expected HH:MM")

// DeliveryTime is a local time of day.
type DeliveryTime struct {
	Hour   int
	Minute int
}

// ParseDeliveryTime parses "HH:MM" (also accepts "H:MM").
func ParseDeliveryTime(s string) (DeliveryTime, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 || len(parts[1]) != 2 || len(parts[0]) == 0 || len(parts[0]) > 2 {
		return DeliveryTime{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return DeliveryTime{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return DeliveryTime{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	return DeliveryTime{Hour: h, Minute: m}, nil
}

func (t DeliveryTime) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Subscriber is a subscriber's digest configuration
type Subscriber struct {
	ID           string
	Timezone     string
	Coins        []string
	DeliveryTime DeliveryTime
	UpdatedAt    time.Time
}

// HasCoin reports whether coin is in the subscriber's list
func (s *Subscriber) HasCoin(coin string) bool {
	for _, c := range s.Coins {
		if c == coin {
			return true
		}
	}
	return false
}

// Defaults are applied to new subscribers and to legacy records with missing fields.
type Defaults struct {
	Timezone     string
	Coins        []string
	DeliveryTime DeliveryTime
}

// DefaultSettings returns the stock defaults.
func DefaultSettings() Defaults {
	return Defaults{
		Timezone:     "Asia/Shanghai",
		Coins:        []string{"bitcoin", "ethereum", "dogecoin"},
		DeliveryTime: DeliveryTime{Hour: 8},
	}
}

// NewSubscriber builds a subscriber record from defaults.
func (d Defaults) NewSubscriber(id string) Subscriber {
	return Subscriber{
		ID:           id,
		Timezone:     d.Timezone,
		Coins:        append([]string(nil), d.Coins...),
		DeliveryTime: d.DeliveryTime,
	}
}

// NormalizeCoins lower-cases, trims and de-duplicates coin IDs, keeping order.
func NormalizeCoins(coins []string) []string {
	seen := make(map[string]bool, len(coins))
	out := make([]string, 0, len(coins))
	for _, c := range coins {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func joinCoins(coins []string) string {
	return strings.Join(coins, ",")
}

func splitCoins(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ",")
}
