package telegram

import (
	"strings"

	"github.com/go-telegram/bot/models"
)

// PresetTimezones are offered by /settimezone without an argument.
var PresetTimezones = []string{
	"Asia/Shanghai",
	"Asia/Tokyo",
	"Asia/Singapore",
	"Europe/London",
	"Europe/Berlin",
	"America/New_York",
	"America/Los_Angeles",
	"UTC",
}

func button(text string, a Action) models.InlineKeyboardButton {
	return models.InlineKeyboardButton{Text: text, CallbackData: a.Data()}
}

// StartKeyboard returns price buttons for the top coins, two per row, then
// the top list and subscription buttons.
func StartKeyboard(topCoins []string, topLimit int) *models.InlineKeyboardMarkup {
	var rows [][]models.InlineKeyboardButton

	for i := 0; i < len(topCoins); i += 2 {
		row := []models.InlineKeyboardButton{
			button(coinTitle(topCoins[i]), Action{Kind: ActionPrice, Arg: topCoins[i]}),
		}
		if i+1 < len(topCoins) {
			row = append(row, button(coinTitle(topCoins[i+1]), Action{Kind: ActionPrice, Arg: topCoins[i+1]}))
		}
		rows = append(rows, row)
	}

	rows = append(rows,
		[]models.InlineKeyboardButton{
			button(topLabel(topLimit), Action{Kind: ActionTop}),
		},
		[]models.InlineKeyboardButton{
			button("📬 Subscribe", Action{Kind: ActionSubscribe}),
			button("🚫 Unsubscribe", Action{Kind: ActionUnsubscribe}),
		},
	)

	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// TimezoneKeyboard returns the preset zones plus a custom entry button.
func TimezoneKeyboard() *models.InlineKeyboardMarkup {
	var rows [][]models.InlineKeyboardButton
	for i := 0; i < len(PresetTimezones); i += 2 {
		row := []models.InlineKeyboardButton{
			button(PresetTimezones[i], Action{Kind: ActionTimezone, Arg: PresetTimezones[i]}),
		}
		if i+1 < len(PresetTimezones) {
			row = append(row, button(PresetTimezones[i+1], Action{Kind: ActionTimezone, Arg: PresetTimezones[i+1]}))
		}
		rows = append(rows, row)
	}
	rows = append(rows, []models.InlineKeyboardButton{
		button("✏️ Other timezone", Action{Kind: ActionTimezoneCustom}),
	})
	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// coinTitle turns "shiba-inu" into "Shiba-Inu".
func coinTitle(id string) string {
	parts := strings.Split(id, "-")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "-")
}
