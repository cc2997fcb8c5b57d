package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"go.uber.org/zap"

	"github.com/suspectuso/crypto-reminder/internal/coingecko"
	"github.com/suspectuso/crypto-reminder/internal/notifier"
	"github.com/suspectuso/crypto-reminder/internal/storage"
	"github.com/suspectuso/crypto-reminder/internal/subscriptions"
)

// Commands is the subscriber command API the bot drives.
type Commands interface {
	Subscribe(ctx context.Context, id string) (bool, error)
	Unsubscribe(ctx context.Context, id string) (bool, error)
	SetCoins(ctx context.Context, id string, coins []string) ([]string, error)
	SetTime(ctx context.Context, id, hhmm string) (storage.DeliveryTime, error)
	SetTimezone(ctx context.Context, id, zone string) error
	Settings(ctx context.Context, id string) (*storage.Subscriber, error)
	TriggerDigestNow(ctx context.Context, id string) error
	Defaults() storage.Defaults
}

// Market is the market data the bot shows on demand.
type Market interface {
	GetPrices(ctx context.Context, ids []string) map[string]coingecko.Price
	GetTopCoins(ctx context.Context, limit int) []string
}

// Bot wraps the telegram bot with handlers
type Bot struct {
	bot      *bot.Bot
	cmds     Commands
	market   Market
	topLimit int
	states   *StateManager
	log      *zap.Logger
}

type reply struct {
	text     string
	keyboard *models.InlineKeyboardMarkup
}

func newBot(cmds Commands, market Market, topLimit int, log *zap.Logger) *Bot {
	if topLimit <= 0 {
		topLimit = 10
	}
	return &Bot{
		cmds:     cmds,
		market:   market,
		topLimit: topLimit,
		states:   NewStateManager(5 * time.Minute),
		log:      log,
	}
}

// New creates a new telegram bot. The scheduler needs the bot as its
// sender before the command API exists, so commands are attached with
// SetCommands before Start.
func New(token string, market Market, topLimit int, log *zap.Logger) (*Bot, error) {
	b := newBot(nil, market, topLimit, log)

	opts := []bot.Option{
		bot.WithDefaultHandler(b.defaultHandler),
		bot.WithCallbackQueryDataHandler("", bot.MatchTypePrefix, b.callbackHandler),
	}

	tgBot, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}

	b.bot = tgBot
	return b, nil
}

// SetCommands attaches the command API. It must be called before Start.
func (b *Bot) SetCommands(cmds Commands) {
	b.cmds = cmds
}

// Start starts the bot polling
func (b *Bot) Start(ctx context.Context) {
	b.bot.Start(ctx)
}

// Send delivers an HTML message to a chat. recipientID is the decimal chat ID.
func (b *Bot) Send(ctx context.Context, recipientID, text string) error {
	chatID, err := strconv.ParseInt(recipientID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad chat id %q: %w", recipientID, err)
	}

	disablePreview := true
	_, err = b.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
		LinkPreviewOptions: &models.LinkPreviewOptions{
			IsDisabled: &disablePreview,
		},
	})
	return err
}

// --- Update entry points ---

func (b *Bot) defaultHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}

	chatID := update.Message.Chat.ID
	text := strings.TrimSpace(update.Message.Text)

	var replies []reply
	if cmd, args, ok := parseCommand(text); ok {
		b.states.Clear(chatID)
		replies = b.handleCommand(ctx, chatID, cmd, args)
	} else {
		replies = b.handleText(ctx, chatID, text)
	}

	for _, r := range replies {
		b.sendMessage(ctx, chatID, r.text, r.keyboard)
	}
}

func (b *Bot) callbackHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.CallbackQuery == nil {
		return
	}

	cb := update.CallbackQuery

	// Answer callback to remove loading state
	tgBot.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: cb.ID,
	})

	action, err := ParseAction(cb.Data)
	if err != nil {
		b.log.Warn("unknown callback", zap.String("data", cb.Data), zap.Int64("user_id", cb.From.ID), zap.Error(err))
		return
	}

	chatID := callbackChatID(cb)
	for _, r := range b.handleAction(ctx, chatID, action) {
		b.sendMessage(ctx, chatID, r.text, r.keyboard)
	}
}

// --- Commands ---

func (b *Bot) handleCommand(ctx context.Context, chatID int64, cmd string, args []string) []reply {
	id := subscriberID(chatID)

	switch cmd {
	case "start":
		return b.startReply(ctx)
	case "help":
		return []reply{{text: b.helpText()}}
	case "price":
		if len(args) == 0 {
			return []reply{{text: "Please specify one or more coin IDs, e.g. <code>/price bitcoin ethereum</code>, or see /help."}}
		}
		return b.priceReplies(ctx, args)
	case "subscribe":
		return b.subscribe(ctx, id)
	case "unsubscribe":
		return b.unsubscribe(ctx, id, "🚫 You've unsubscribed.")
	case "setcoins":
		coins, err := b.cmds.SetCoins(ctx, id, args)
		if err != nil {
			return b.errorReply(err, id)
		}
		return []reply{{text: fmt.Sprintf("✅ Your digest coins: <b>%s</b>", strings.Join(coins, ", "))}}
	case "settime":
		if len(args) != 1 {
			return []reply{{text: "Usage: <code>/settime HH:MM</code>, e.g. <code>/settime 07:30</code>"}}
		}
		t, err := b.cmds.SetTime(ctx, id, args[0])
		if err != nil {
			return b.errorReply(err, id)
		}
		return []reply{{text: fmt.Sprintf("⏰ Daily digest time set to <b>%s</b>.", t)}}
	case "settimezone":
		if len(args) == 0 {
			return []reply{{text: "🌍 Choose your timezone:", keyboard: TimezoneKeyboard()}}
		}
		return b.setTimezone(ctx, id, args[0])
	case "settings":
		sub, err := b.cmds.Settings(ctx, id)
		if err != nil {
			return b.errorReply(err, id)
		}
		return []reply{{text: settingsText(sub)}}
	case "testdigest":
		if err := b.cmds.TriggerDigestNow(ctx, id); err != nil {
			return b.errorReply(err, id)
		}
		return nil
	default:
		return []reply{{text: "Unknown command. Use /help to see what I can do."}}
	}
}

func (b *Bot) handleAction(ctx context.Context, chatID int64, a Action) []reply {
	id := subscriberID(chatID)

	switch a.Kind {
	case ActionPrice:
		prices := b.market.GetPrices(ctx, []string{a.Arg})
		p, ok := prices[a.Arg]
		if !ok {
			return []reply{{text: fmt.Sprintf("❌ Could not find price for '%s'", a.Arg)}}
		}
		return []reply{{text: notifier.FormatPriceCard(a.Arg, p)}}
	case ActionTop:
		return []reply{b.topReply(ctx)}
	case ActionSubscribe:
		return b.subscribe(ctx, id)
	case ActionUnsubscribe:
		return b.unsubscribe(ctx, id, "🚫 Unsubscribed via button.")
	case ActionTimezone:
		return b.setTimezone(ctx, id, a.Arg)
	case ActionTimezoneCustom:
		b.states.Set(chatID, StateWaitTimezone)
		return []reply{{text: "✏️ Send your timezone name, e.g. <code>Europe/Berlin</code>"}}
	}
	return nil
}

// handleText handles plain text, which only matters mid-conversation.
func (b *Bot) handleText(ctx context.Context, chatID int64, text string) []reply {
	switch b.states.Get(chatID) {
	case StateWaitTimezone:
		replies := b.setTimezone(ctx, subscriberID(chatID), text)
		b.states.Clear(chatID)
		return replies
	}
	return nil
}

func (b *Bot) startReply(ctx context.Context) []reply {
	top := b.market.GetTopCoins(ctx, b.topLimit)
	return []reply{{
		text:     "Welcome to Crypto Reminder Bot!\nUse /help for full instructions.",
		keyboard: StartKeyboard(top, b.topLimit),
	}}
}

func (b *Bot) helpText() string {
	d := b.cmds.Defaults()
	lines := []string{
		"📘 <b>Crypto Reminder Bot Help</b>",
		"",
		"🟢 <b>/start</b> — buttons for the top coins.",
		"🟢 <b>/price &lt;coin_id&gt;…</b> — price, 24h change and market cap.",
		"   <i>Example:</i> <code>/price bitcoin ethereum</code>",
		fmt.Sprintf("🟢 <b>/subscribe</b> — daily digest at %s (%s).", d.DeliveryTime, d.Timezone),
		"🟢 <b>/unsubscribe</b> — stop the daily digest.",
		"🟢 <b>/setcoins &lt;coin_id&gt;…</b> — coins in your digest.",
		"🟢 <b>/settime HH:MM</b> — digest delivery time.",
		"🟢 <b>/settimezone [zone]</b> — your timezone, e.g. <code>Europe/Berlin</code>.",
		"🟢 <b>/settings</b> — show your digest settings.",
		"🟢 <b>/testdigest</b> — send your digest now.",
		"",
		fmt.Sprintf("💡 Use CoinGecko IDs like <code>%s</code>.", strings.Join(d.Coins, "</code>, <code>")),
		"🚨 Subscribers also get an alert when one of their coins moves sharply in 24h.",
	}
	return strings.Join(lines, "\n")
}

func (b *Bot) priceReplies(ctx context.Context, args []string) []reply {
	coins := storage.NormalizeCoins(args)
	prices := b.market.GetPrices(ctx, coins)

	var replies []reply
	missing := false
	for _, coin := range coins {
		p, ok := prices[coin]
		if !ok {
			missing = true
			replies = append(replies, reply{text: fmt.Sprintf("❌ '%s' not found.", coin)})
			continue
		}
		replies = append(replies, reply{text: notifier.FormatPriceCard(coin, p)})
	}

	if missing {
		if top := b.topReply(ctx); top.text != "" {
			replies = append(replies, top)
		}
	}
	return replies
}

func (b *Bot) topReply(ctx context.Context) reply {
	top := b.market.GetTopCoins(ctx, b.topLimit)
	if len(top) == 0 {
		return reply{text: "⚠️ Could not load the top coins right now."}
	}
	return reply{text: fmt.Sprintf("📈 %s IDs:\n%s", topLabel(b.topLimit), strings.Join(top, ", "))}
}

func (b *Bot) subscribe(ctx context.Context, id string) []reply {
	created, err := b.cmds.Subscribe(ctx, id)
	if err != nil {
		return b.errorReply(err, id)
	}
	if !created {
		return []reply{{text: "📬 You're already subscribed."}}
	}
	d := b.cmds.Defaults()
	return []reply{{text: fmt.Sprintf(
		"✅ You've subscribed to daily updates at <b>%s</b> (%s).\nChange it with /settime and /settimezone.",
		d.DeliveryTime, d.Timezone,
	)}}
}

func (b *Bot) unsubscribe(ctx context.Context, id, done string) []reply {
	removed, err := b.cmds.Unsubscribe(ctx, id)
	if err != nil {
		return b.errorReply(err, id)
	}
	if !removed {
		return []reply{{text: "❌ You weren't subscribed."}}
	}
	return []reply{{text: done}}
}

func (b *Bot) setTimezone(ctx context.Context, id, zone string) []reply {
	zone = strings.TrimSpace(zone)
	if err := b.cmds.SetTimezone(ctx, id, zone); err != nil {
		return b.errorReply(err, id)
	}
	return []reply{{text: fmt.Sprintf("🌍 Timezone set to <b>%s</b>.", zone)}}
}

// errorReply maps command errors to user-facing text.
func (b *Bot) errorReply(err error, id string) []reply {
	var unknown *subscriptions.UnknownCoinsError

	var text string
	switch {
	case errors.As(err, &unknown):
		text = fmt.Sprintf("❌ Unknown coin ID(s): <b>%s</b>\nUse CoinGecko IDs like <code>bitcoin</code> or <code>ethereum</code>.",
			strings.Join(unknown.Coins, ", "))
	case errors.Is(err, subscriptions.ErrNoCoins):
		text = "Please specify one or more coin IDs, e.g. <code>/setcoins bitcoin ethereum</code>"
	case errors.Is(err, subscriptions.ErrInvalidTime):
		text = "❌ Invalid time. Use HH:MM, e.g. <code>/settime 07:30</code>"
	case errors.Is(err, subscriptions.ErrInvalidTimezone):
		text = "❌ Unknown timezone. Use an IANA name like <code>Europe/Berlin</code>."
	case errors.Is(err, subscriptions.ErrNotSubscribed):
		text = "❌ You're not subscribed. Use /subscribe first."
	case errors.Is(err, subscriptions.ErrUpstreamUnavailable):
		text = "⚠️ Market data is unavailable right now, please try again later."
	case errors.Is(err, notifier.ErrNoPriceData):
		text = "⚠️ Could not fetch prices for your coins right now."
	default:
		b.log.Error("command failed", zap.String("subscriber_id", id), zap.Error(err))
		text = "⚠️ Something went wrong and your change was not saved. Please try again."
	}
	return []reply{{text: text}}
}

// --- Helpers ---

// parseCommand splits "/cmd@botname arg1 arg2" into "cmd" and its args.
func parseCommand(text string) (string, []string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text)
	cmd := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	if cmd == "" {
		return "", nil, false
	}
	return strings.ToLower(cmd), fields[1:], true
}

func settingsText(sub *storage.Subscriber) string {
	lines := []string{
		"⚙️ <b>Your digest settings</b>",
		"",
		fmt.Sprintf("Coins: <b>%s</b>", strings.Join(sub.Coins, ", ")),
		fmt.Sprintf("Time: <b>%s</b>", sub.DeliveryTime),
		fmt.Sprintf("Timezone: <b>%s</b>", sub.Timezone),
	}
	return strings.Join(lines, "\n")
}

func topLabel(limit int) string {
	return fmt.Sprintf("Top %d Coins", limit)
}

func subscriberID(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}

func callbackChatID(cb *models.CallbackQuery) int64 {
	switch {
	case cb.Message.Message != nil:
		return cb.Message.Message.Chat.ID
	case cb.Message.InaccessibleMessage != nil:
		return cb.Message.InaccessibleMessage.Chat.ID
	default:
		return cb.From.ID
	}
}

func (b *Bot) sendMessage(ctx context.Context, chatID int64, text string, keyboard *models.InlineKeyboardMarkup) {
	params := &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	}
	if keyboard != nil {
		params.ReplyMarkup = keyboard
	}

	_, err := b.bot.SendMessage(ctx, params)
	if err != nil {
		b.log.Error("send message", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}
