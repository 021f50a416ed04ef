package vkui

import (
	"encoding/json"
	"unicode/utf8"
)

// Button colors understood by the provider.
const (
	ColorPrimary   = "primary"
	ColorSecondary = "secondary"
	ColorPositive  = "positive"
	ColorNegative  = "negative"
)

// Action is one button's behavior.
type Action struct {
	Type    string `json:"type"`
	Label   string `json:"label,omitempty"`
	Payload string `json:"payload,omitempty"`
	Link    string `json:"link,omitempty"`
}

// Button pairs an action with an optional color.
type Button struct {
	Action Action `json:"action"`
	Color  string `json:"color,omitempty"`
}

// keyboard is the wire shape of the messages.send "keyboard" parameter.
type keyboard struct {
	OneTime bool       `json:"one_time,omitempty"`
	Inline  bool       `json:"inline,omitempty"`
	Buttons [][]Button `json:"buttons"`
}

// Builder accumulates rows and serializes a keyboard. Zero value is a
// regular keyboard; use NewInline for message-attached ones.
type Builder struct {
	inline  bool
	oneTime bool
	rows    [][]Button
}

func NewKeyboard() *Builder { return &Builder{} }

func NewInline() *Builder { return &Builder{inline: true} }

// OneTime hides the keyboard after the first press. Ignored for inline.
func (b *Builder) OneTime() *Builder {
	b.oneTime = true
	return b
}

// Row appends one row of buttons.
func (b *Builder) Row(btns ...Button) *Builder {
	if len(btns) == 0 {
		return b
	}
	b.rows = append(b.rows, btns)
	return b
}

// String serializes the keyboard, validating provider limits.
func (b *Builder) String() (string, error) {
	total := 0
	for _, row := range b.rows {
		if len(row) > MaxRowButtons {
			return "", ErrKeyboardTooLarge
		}
		total += len(row)
		for _, btn := range row {
			if utf8.RuneCountInString(btn.Action.Label) > MaxLabelLen {
				return "", ErrLabelTooLong
			}
			if utf8.RuneCountInString(btn.Action.Payload) > MaxPayloadLen {
				return "", ErrPayloadTooLong
			}
		}
	}
	if b.inline {
		if total > MaxInlineButtons {
			return "", ErrKeyboardTooLarge
		}
	} else if len(b.rows) > MaxRows {
		return "", ErrKeyboardTooLarge
	}

	raw, err := json.Marshal(keyboard{
		OneTime: b.oneTime && !b.inline,
		Inline:  b.inline,
		Buttons: b.rows,
	})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Btn builds a plain text button.
func Btn(label, payload string) Button {
	return Button{Action: Action{Type: "text", Label: label, Payload: payload}}
}

// PositiveBtn builds a green (confirm) text button.
func PositiveBtn(label, payload string) Button {
	b := Btn(label, payload)
	b.Color = ColorPositive
	return b
}

// NegativeBtn builds a red (decline) text button.
func NegativeBtn(label, payload string) Button {
	b := Btn(label, payload)
	b.Color = ColorNegative
	return b
}

// PrimaryBtn builds a highlighted text button.
func PrimaryBtn(label, payload string) Button {
	b := Btn(label, payload)
	b.Color = ColorPrimary
	return b
}

// URLBtn builds an open_link button.
func URLBtn(label, link string) Button {
	return Button{Action: Action{Type: "open_link", Label: label, Link: link}}
}

// Confirm builds the common 2-button yes/no inline keyboard.
func Confirm(yes, no Button) *Builder {
	return NewInline().Row(yes, no)
}

// Empty serializes the keyboard that removes a previously shown one.
func Empty() string {
	return `{"one_time":true,"buttons":[]}`
}
