package vkui

import "errors"

// Provider limits for keyboards and message text.
const (
	// TextLimit is the messages.send text size in characters.
	TextLimit = 4096
	// MaxLabelLen is the button label size in characters.
	MaxLabelLen = 40
	// MaxPayloadLen is the button payload size in characters.
	MaxPayloadLen = 255
	// MaxRowButtons is the widest allowed keyboard row.
	MaxRowButtons = 5
	// MaxRows bounds a regular keyboard.
	MaxRows = 10
	// MaxInlineButtons bounds an inline keyboard in total.
	MaxInlineButtons = 10
)

var (
	ErrLabelTooLong     = errors.New("vkui: button label too long")
	ErrPayloadTooLong   = errors.New("vkui: button payload too long")
	ErrKeyboardTooLarge = errors.New("vkui: keyboard exceeds provider limits")
)
