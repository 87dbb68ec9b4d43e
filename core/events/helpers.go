package events

import "strings"

// PayloadOf renders evt into its wire form when it supports it.
func PayloadOf(evt Event) (string, map[string]string, bool) {
	payload, ok := evt.(Payload)
	if !ok {
		return "", nil, false
	}
	rendered := payload.Event()
	if rendered == nil {
		return "", nil, false
	}
	return strings.TrimSpace(rendered.Type), rendered.Attributes, true
}
