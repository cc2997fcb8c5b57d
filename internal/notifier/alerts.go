package notifier

import (
	"context"
	"fmt"
	"html"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/suspectuso/crypto-reminder/internal/coingecko"
	"github.com/suspectuso/crypto-reminder/internal/events"
)

// DefaultAlertThreshold is the absolute 24h change, in percent, that
// starts an excursion.
const DefaultAlertThreshold = 5.0

// AlertMonitor polls prices for every tracked coin and alerts subscribers
// once per excursion: a coin alerts when its |24h change| first reaches the
// threshold and is re-armed only after it drops back below.
type AlertMonitor struct {
	store     SubscriberReader
	prices    PriceSource
	sender    Sender
	events    events.Publisher
	threshold float64
	log       *zap.Logger

	// Poll is normally serialized by the scheduler; the lock covers
	// manual calls.
	mu          sync.Mutex
	inExcursion map[string]bool
}

func NewAlertMonitor(store SubscriberReader, prices PriceSource, sender Sender, pub events.Publisher, threshold float64, log *zap.Logger) *AlertMonitor {
	if threshold <= 0 {
		threshold = DefaultAlertThreshold
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &AlertMonitor{
		store:       store,
		prices:      prices,
		sender:      sender,
		events:      pub,
		threshold:   threshold,
		log:         log,
		inExcursion: make(map[string]bool),
	}
}

// Poll runs one monitoring pass.
func (a *AlertMonitor) Poll(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	subs, err := a.store.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("load subscribers: %w", err)
	}

	// coin -> recipients, and the tracked set in first-seen order
	holders := make(map[string][]string)
	var tracked []string
	for _, s := range subs {
		for _, coin := range s.Coins {
			if _, ok := holders[coin]; !ok {
				tracked = append(tracked, coin)
			}
			holders[coin] = append(holders[coin], s.ID)
		}
	}
	if len(tracked) == 0 {
		return nil
	}

	prices := a.prices.GetPrices(ctx, tracked)

	alerted := 0
	for _, coin := range tracked {
		p, ok := prices[coin]
		if !ok {
			continue
		}

		if math.Abs(p.Change24h) < a.threshold {
			if a.inExcursion[coin] {
				delete(a.inExcursion, coin)
				a.log.Debug("alert re-armed", zap.String("coin", coin), zap.Float64("change_24h", p.Change24h))
			}
			continue
		}
		if a.inExcursion[coin] {
			continue
		}

		a.inExcursion[coin] = true
		alerted++
		a.dispatch(ctx, coin, p, holders[coin])
	}

	a.log.Debug("alert poll done",
		zap.Int("tracked", len(tracked)),
		zap.Int("priced", len(prices)),
		zap.Int("alerted", alerted),
	)
	return nil
}

func (a *AlertMonitor) dispatch(ctx context.Context, coin string, p coingecko.Price, recipients []string) {
	text := FormatAlert(coin, p)
	for _, id := range recipients {
		if err := a.sender.Send(ctx, id, text); err != nil {
			a.log.Error("send alert",
				zap.String("coin", coin),
				zap.String("subscriber_id", id),
				zap.Error(err),
			)
		}
	}

	a.log.Info("price alert",
		zap.String("coin", coin),
		zap.Float64("change_24h", p.Change24h),
		zap.Int("recipients", len(recipients)),
	)

	ev := events.AlertTriggered{
		Coin:       coin,
		Change24h:  p.Change24h,
		PriceUSD:   p.USD,
		Recipients: recipients,
		At:         time.Now().UTC(),
	}
	if err := a.events.Publish(ctx, events.KeyAlertTriggered, ev); err != nil {
		a.log.Warn("publish alert event", zap.Error(err))
	}
}

// InExcursion reports whether coin has alerted and not yet re-armed.
func (a *AlertMonitor) InExcursion(coin string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inExcursion[coin]
}

// FormatAlert renders the alert message for a coin.
func FormatAlert(coin string, p coingecko.Price) string {
	lines := []string{
		fmt.Sprintf("🚨 <b>%s</b> moved %s in 24h", html.EscapeString(strings.ToUpper(coin)), FormatChange(p.Change24h)),
		"",
		fmt.Sprintf("Price: <code>%s</code>", FormatUSD(p.USD)),
	}
	if p.MarketCap > 0 {
		lines = append(lines, fmt.Sprintf("Market Cap: <code>$%s</code>", FormatCompact(p.MarketCap)))
	}
	return strings.Join(lines, "\n")
}
