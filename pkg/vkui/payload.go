package vkui

import (
	"encoding/json"
	"strings"
)

// cmdPayload is the canonical button payload: a tiny JSON object the
// command router can route on without parsing free text.
type cmdPayload struct {
	Cmd string `json:"cmd"`
	Arg string `json:"arg,omitempty"`
}

// CommandPayload encodes a routable button payload.
func CommandPayload(cmd, arg string) string {
	raw, err := json.Marshal(cmdPayload{Cmd: strings.TrimSpace(cmd), Arg: strings.TrimSpace(arg)})
	if err != nil {
		return ""
	}
	return string(raw)
}

// ParseCommandPayload decodes a payload produced by CommandPayload.
// ok is false for empty, foreign or malformed payloads.
func ParseCommandPayload(payload string) (cmd, arg string, ok bool) {
	if strings.TrimSpace(payload) == "" {
		return "", "", false
	}
	var p cmdPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil || p.Cmd == "" {
		return "", "", false
	}
	return p.Cmd, p.Arg, true
}

// PackJSON marshals v for embedding in a button payload.
func PackJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// UnpackJSON unmarshals a payload produced by PackJSON.
func UnpackJSON(payload string, v any) error {
	return json.Unmarshal([]byte(payload), v)
}
