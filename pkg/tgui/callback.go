package tgui

import (
	"errors"
	"strings"
)

// MaxCallbackDataLen is Telegram's callback_data size limit in bytes.
const MaxCallbackDataLen = 64

var ErrCallbackDataTooLong = errors.New("tgui: callback_data too long")

// Data formats inline callback data as "action:payload". Payload is kept
// as-is; keep it short, Telegram caps the whole string at 64 bytes.
func Data(action, payload string) string {
	action = strings.TrimSpace(action)
	if payload == "" {
		return action
	}
	return action + ":" + payload
}

// Split breaks callback data back into action and payload. The payload
// part may itself contain ':'.
func Split(data string) (action, payload string) {
	data = strings.TrimPrefix(strings.TrimSpace(data), "\f")
	action, payload, _ = strings.Cut(data, ":")
	return action, payload
}
