package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/suspectuso/crypto-reminder/internal/coingecko"
	"github.com/suspectuso/crypto-reminder/internal/events"
	"github.com/suspectuso/crypto-reminder/internal/storage"
)

type stubStore struct {
	subs map[string]storage.Subscriber
	err  error
}

func (s *stubStore) Get(_ context.Context, id string) (*storage.Subscriber, error) {
	if s.err != nil {
		return nil, s.err
	}
	sub, ok := s.subs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &sub, nil
}

func (s *stubStore) GetAll(_ context.Context) ([]storage.Subscriber, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]storage.Subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out, nil
}

type stubPrices struct {
	prices map[string]coingecko.Price
	calls  [][]string
}

func (s *stubPrices) GetPrices(_ context.Context, ids []string) map[string]coingecko.Price {
	s.calls = append(s.calls, ids)
	out := make(map[string]coingecko.Price)
	for _, id := range ids {
		if p, ok := s.prices[id]; ok {
			out[id] = p
		}
	}
	return out
}

type sentMessage struct {
	to   string
	text string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (r *recordingSender) Send(_ context.Context, to, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMessage{to: to, text: text})
	return nil
}

type recordingPublisher struct {
	keys []string
}

func (p *recordingPublisher) Publish(_ context.Context, key string, _ any) error {
	p.keys = append(p.keys, key)
	return nil
}

func (p *recordingPublisher) Close() {}

func TestDigester_PartialDigestStillSent(t *testing.T) {
	store := &stubStore{subs: map[string]storage.Subscriber{
		"42": {ID: "42", Coins: []string{"bitcoin", "ethereum"}},
	}}
	prices := &stubPrices{prices: map[string]coingecko.Price{
		"bitcoin": {USD: 65000.00, Change24h: 1.5},
	}}
	sender := &recordingSender{}
	pub := &recordingPublisher{}
	d := NewDigester(store, prices, pub, zap.NewNop())

	if err := d.Fire(context.Background(), SenderContext(sender, "42")); err != nil {
		t.Fatalf("Fire: %v", err)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(sender.sent))
	}
	msg := sender.sent[0]
	if msg.to != "42" {
		t.Fatalf("sent to %q", msg.to)
	}
	if !strings.Contains(msg.text, "BITCOIN: $65,000.00 🟢+1.50%") {
		t.Fatalf("missing bitcoin line in %q", msg.text)
	}
	if strings.Contains(msg.text, "ETHEREUM") {
		t.Fatalf("ethereum must be skipped: %q", msg.text)
	}
	if len(prices.calls) != 1 || len(prices.calls[0]) != 2 {
		t.Fatalf("expected one batched price call, got %v", prices.calls)
	}
	if len(pub.keys) != 1 || pub.keys[0] != events.KeyDigestSent {
		t.Fatalf("expected digest event, got %v", pub.keys)
	}
}

func TestDigester_StaleTriggerSendsNothing(t *testing.T) {
	store := &stubStore{subs: map[string]storage.Subscriber{}}
	sender := &recordingSender{}
	d := NewDigester(store, &stubPrices{}, nil, zap.NewNop())

	if err := d.Fire(context.Background(), SenderContext(sender, "gone")); err != nil {
		t.Fatalf("stale fire must not fail: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected no dispatch, got %v", sender.sent)
	}
}

func TestDigester_NoDataSendsNothing(t *testing.T) {
	store := &stubStore{subs: map[string]storage.Subscriber{
		"1": {ID: "1", Coins: []string{"bitcoin"}},
	}}
	sender := &recordingSender{}
	d := NewDigester(store, &stubPrices{}, nil, zap.NewNop())

	err := d.Fire(context.Background(), SenderContext(sender, "1"))
	if !errors.Is(err, ErrNoPriceData) {
		t.Fatalf("expected ErrNoPriceData, got %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected no dispatch, got %v", sender.sent)
	}
}

func TestDigester_StoreFailure(t *testing.T) {
	store := &stubStore{err: errors.New("disk gone")}
	d := NewDigester(store, &stubPrices{}, nil, zap.NewNop())

	err := d.Fire(context.Background(), JobContext{
		SubscriberID: "1",
		Dispatch: func(context.Context, string) error {
			t.Fatal("must not dispatch")
			return nil
		},
	})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRenderDigest_KeepsSubscriberOrder(t *testing.T) {
	text, n := RenderDigest([]string{"ethereum", "bitcoin"}, map[string]coingecko.Price{
		"bitcoin":  {USD: 1, Change24h: 0},
		"ethereum": {USD: 2, Change24h: -3.256},
	})
	if n != 2 {
		t.Fatalf("expected 2 lines, got %d", n)
	}
	lines := strings.Split(text, "\n")
	if lines[0] != DigestHeader {
		t.Fatalf("unexpected header %q", lines[0])
	}
	if lines[2] != "ETHEREUM: $2.00 🔻-3.26%" || lines[3] != "BITCOIN: $1.00 🟢+0.00%" {
		t.Fatalf("unexpected lines %q", lines[2:])
	}
}

// changeFeed returns a fixed change for "x" per tick.
type changeFeed struct {
	tick    int
	changes []float64
}

func (f *changeFeed) GetPrices(_ context.Context, ids []string) map[string]coingecko.Price {
	c := f.changes[f.tick]
	f.tick++
	return map[string]coingecko.Price{"x": {USD: 10, Change24h: c}}
}

func TestAlertMonitor_EdgeTriggered(t *testing.T) {
	store := &stubStore{subs: map[string]storage.Subscriber{
		"1": {ID: "1", Coins: []string{"x"}},
	}}
	feed := &changeFeed{changes: []float64{6.0, 7.0, 2.0, 6.0}}
	sender := &recordingSender{}
	pub := &recordingPublisher{}
	m := NewAlertMonitor(store, feed, sender, pub, 5.0, zap.NewNop())

	var perTick []int
	for i := 0; i < 4; i++ {
		before := len(sender.sent)
		if err := m.Poll(context.Background()); err != nil {
			t.Fatalf("tick %d: %v", i+1, err)
		}
		perTick = append(perTick, len(sender.sent)-before)
	}

	want := []int{1, 0, 0, 1}
	for i := range want {
		if perTick[i] != want[i] {
			t.Fatalf("alerts per tick = %v, want %v", perTick, want)
		}
	}
	if len(pub.keys) != 2 {
		t.Fatalf("expected 2 alert events, got %v", pub.keys)
	}
	if !m.InExcursion("x") {
		t.Fatal("x should be in excursion after tick 4")
	}
}

func TestAlertMonitor_NegativeMoveAndRecipients(t *testing.T) {
	store := &stubStore{subs: map[string]storage.Subscriber{
		"1": {ID: "1", Coins: []string{"bitcoin", "dogecoin"}},
		"2": {ID: "2", Coins: []string{"dogecoin"}},
		"3": {ID: "3", Coins: []string{"bitcoin"}},
	}}
	prices := &stubPrices{prices: map[string]coingecko.Price{
		"bitcoin":  {USD: 60000, Change24h: 1.2},
		"dogecoin": {USD: 0.1, Change24h: -8.4},
	}}
	sender := &recordingSender{}
	m := NewAlertMonitor(store, prices, sender, nil, 5.0, zap.NewNop())

	if err := m.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	got := map[string]bool{}
	for _, s := range sender.sent {
		if !strings.Contains(s.text, "DOGECOIN") {
			t.Fatalf("unexpected alert %q", s.text)
		}
		got[s.to] = true
	}
	if len(sender.sent) != 2 || !got["1"] || !got["2"] {
		t.Fatalf("expected alerts to 1 and 2, got %v", sender.sent)
	}
	if len(prices.calls) != 1 || len(prices.calls[0]) != 2 {
		t.Fatalf("expected one batch of 2 coins, got %v", prices.calls)
	}
}

func TestAlertMonitor_MissingDataKeepsState(t *testing.T) {
	store := &stubStore{subs: map[string]storage.Subscriber{
		"1": {ID: "1", Coins: []string{"x"}},
	}}
	prices := &stubPrices{prices: map[string]coingecko.Price{"x": {USD: 1, Change24h: 9}}}
	sender := &recordingSender{}
	m := NewAlertMonitor(store, prices, sender, nil, 5.0, zap.NewNop())

	_ = m.Poll(context.Background())
	prices.prices = nil
	_ = m.Poll(context.Background())
	if !m.InExcursion("x") {
		t.Fatal("missing data must not re-arm the coin")
	}
	prices.prices = map[string]coingecko.Price{"x": {USD: 1, Change24h: 9}}
	_ = m.Poll(context.Background())

	if len(sender.sent) != 1 {
		t.Fatalf("expected a single alert, got %d", len(sender.sent))
	}
}

func TestFormatUSD(t *testing.T) {
	cases := map[float64]string{
		65000:       "$65,000.00",
		1234567.891: "$1,234,567.89",
		0.5:         "$0.50",
		0.00001234:  "$0.00001234",
	}
	for in, want := range cases {
		if got := FormatUSD(in); got != want {
			t.Errorf("FormatUSD(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatPriceCard(t *testing.T) {
	card := FormatPriceCard("bitcoin", coingecko.Price{USD: 65000, Change24h: -2, MarketCap: 1_280_000_000_000})
	want := "<b>💰 BITCOIN</b>\nPrice: <code>$65,000.00</code>\n24h Change: 🔻-2.00%\nMarket Cap: <code>$1,280,000,000,000</code>"
	if card != want {
		t.Fatalf("card = %q", card)
	}
}
