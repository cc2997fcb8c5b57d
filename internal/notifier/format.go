package notifier

import (
	"fmt"
	"html"
	"math"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/suspectuso/crypto-reminder/internal/coingecko"
)

var printer = message.NewPrinter(language.English)

// FormatUSD renders a price with thousands separators, e.g. "$65,000.00".
// Sub-cent prices keep more precision.
func FormatUSD(v float64) string {
	if v != 0 && math.Abs(v) < 0.01 {
		return printer.Sprintf("$%.8f", v)
	}
	return printer.Sprintf("$%.2f", v)
}

// FormatChange renders a 24h change with its direction marker, e.g. "🟢+1.50%".
func FormatChange(change float64) string {
	if change >= 0 {
		return fmt.Sprintf("🟢+%.2f%%", change)
	}
	return fmt.Sprintf("🔻%.2f%%", change)
}

// FormatCompact renders large amounts as K/M/B/T.
func FormatCompact(num float64) string {
	abs := math.Abs(num)

	switch {
	case abs >= 1_000_000_000_000:
		return fmt.Sprintf("%.2fT", num/1_000_000_000_000)
	case abs >= 1_000_000_000:
		return fmt.Sprintf("%.2fB", num/1_000_000_000)
	case abs >= 1_000_000:
		return fmt.Sprintf("%.2fM", num/1_000_000)
	case abs >= 1_000:
		return fmt.Sprintf("%.2fK", num/1_000)
	default:
		return fmt.Sprintf("%.2f", num)
	}
}

// FormatPriceCard renders the /price reply for one coin.
func FormatPriceCard(coin string, p coingecko.Price) string {
	lines := []string{
		fmt.Sprintf("<b>💰 %s</b>", html.EscapeString(strings.ToUpper(coin))),
		fmt.Sprintf("Price: <code>%s</code>", FormatUSD(p.USD)),
		fmt.Sprintf("24h Change: %s", FormatChange(p.Change24h)),
	}
	if p.MarketCap > 0 {
		lines = append(lines, printer.Sprintf("Market Cap: <code>$%.0f</code>", p.MarketCap))
	}
	return strings.Join(lines, "\n")
}
