package notifier

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/suspectuso/crypto-reminder/internal/coingecko"
	"github.com/suspectuso/crypto-reminder/internal/events"
	"github.com/suspectuso/crypto-reminder/internal/storage"
)

// DigestHeader opens every digest message.
const DigestHeader = "<b>🌅 Morning Crypto Update</b>"

// ErrNoPriceData is returned by Fire when none of the subscriber's coins
// had market data, so nothing was sent.
var ErrNoPriceData = errors.New("no price data for any coin")

// Sender delivers a text message to a recipient.
type Sender interface {
	Send(ctx context.Context, recipientID, text string) error
}

// PriceSource returns market data keyed by coin ID. Missing coins are absent.
type PriceSource interface {
	GetPrices(ctx context.Context, ids []string) map[string]coingecko.Price
}

// SubscriberReader is the read side of the subscriber store.
type SubscriberReader interface {
	Get(ctx context.Context, id string) (*storage.Subscriber, error)
	GetAll(ctx context.Context) ([]storage.Subscriber, error)
}

// JobContext carries what a single digest firing needs: the subscriber it
// is for and where to deliver the rendered message.
type JobContext struct {
	SubscriberID string
	Dispatch     func(ctx context.Context, text string) error
}

// SenderContext builds a JobContext that dispatches through s.
func SenderContext(s Sender, subscriberID string) JobContext {
	return JobContext{
		SubscriberID: subscriberID,
		Dispatch: func(ctx context.Context, text string) error {
			return s.Send(ctx, subscriberID, text)
		},
	}
}

// Digester renders and dispatches daily digests.
type Digester struct {
	store  SubscriberReader
	prices PriceSource
	events events.Publisher
	log    *zap.Logger
}

func NewDigester(store SubscriberReader, prices PriceSource, pub events.Publisher, log *zap.Logger) *Digester {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Digester{
		store:  store,
		prices: prices,
		events: pub,
		log:    log,
	}
}

// Fire loads the subscriber's current record and dispatches its digest.
// A subscriber that no longer exists is a stale trigger: it is logged and
// nil is returned without dispatching.
func (d *Digester) Fire(ctx context.Context, jc JobContext) error {
	sub, err := d.store.Get(ctx, jc.SubscriberID)
	if errors.Is(err, storage.ErrNotFound) {
		d.log.Info("stale digest trigger, subscriber gone", zap.String("subscriber_id", jc.SubscriberID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load subscriber %s: %w", jc.SubscriberID, err)
	}

	prices := d.prices.GetPrices(ctx, sub.Coins)
	text, n := RenderDigest(sub.Coins, prices)
	if n == 0 {
		return ErrNoPriceData
	}
	if n < len(sub.Coins) {
		d.log.Debug("partial digest",
			zap.String("subscriber_id", sub.ID),
			zap.Int("coins", len(sub.Coins)),
			zap.Int("rendered", n),
		)
	}

	if err := jc.Dispatch(ctx, text); err != nil {
		return fmt.Errorf("dispatch digest: %w", err)
	}

	ev := events.DigestSent{SubscriberID: sub.ID, Coins: sub.Coins, At: time.Now().UTC()}
	if err := d.events.Publish(ctx, events.KeyDigestSent, ev); err != nil {
		d.log.Warn("publish digest event", zap.Error(err))
	}
	return nil
}

// RenderDigest formats one line per coin with data, in the subscriber's
// order, and returns the message together with the number of coin lines.
func RenderDigest(coins []string, prices map[string]coingecko.Price) (string, int) {
	lines := []string{DigestHeader, ""}
	n := 0
	for _, coin := range coins {
		p, ok := prices[coin]
		if !ok {
			continue
		}
		lines = append(lines, DigestLine(coin, p))
		n++
	}
	return strings.Join(lines, "\n"), n
}

// DigestLine renders "SYMBOL: $PRICE DIRECTION±CHANGE%".
func DigestLine(coin string, p coingecko.Price) string {
	return fmt.Sprintf("%s: %s %s",
		html.EscapeString(strings.ToUpper(coin)), FormatUSD(p.USD), FormatChange(p.Change24h))
}
