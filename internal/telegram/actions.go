package telegram

import (
	"fmt"
	"strings"
)

// ActionKind identifies what an inline button does.
type ActionKind string

const (
	ActionPrice          ActionKind = "price"
	ActionTop            ActionKind = "top"
	ActionSubscribe      ActionKind = "subscribe"
	ActionUnsubscribe    ActionKind = "unsubscribe"
	ActionTimezone       ActionKind = "tz"
	ActionTimezoneCustom ActionKind = "tz_custom"
)

// Action is decoded callback data. Arg is the coin for ActionPrice and the
// zone name for ActionTimezone.
type Action struct {
	Kind ActionKind
	Arg  string
}

// maxCallbackData is Telegram's limit on callback_data.
const maxCallbackData = 64

// Data encodes the action as callback data.
func (a Action) Data() string {
	if a.Arg == "" {
		return string(a.Kind)
	}
	return string(a.Kind) + ":" + a.Arg
}

// ParseAction decodes callback data produced by Action.Data.
func ParseAction(data string) (Action, error) {
	if data == "" || len(data) > maxCallbackData {
		return Action{}, fmt.Errorf("bad callback data %q", data)
	}

	kind, arg, _ := strings.Cut(data, ":")
	a := Action{Kind: ActionKind(kind), Arg: arg}

	switch a.Kind {
	case ActionPrice, ActionTimezone:
		if a.Arg == "" {
			return Action{}, fmt.Errorf("callback %q needs an argument", kind)
		}
	case ActionTop, ActionSubscribe, ActionUnsubscribe, ActionTimezoneCustom:
		if a.Arg != "" {
			return Action{}, fmt.Errorf("callback %q takes no argument", kind)
		}
	default:
		return Action{}, fmt.Errorf("unknown callback %q", kind)
	}
	return a, nil
}
