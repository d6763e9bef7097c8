package ami

import "strings"

// Event is a parsed key/value block from the switch. Both action responses
// and asynchronous events share this shape.
type Event map[string]string

// Get returns the value for key, matching case-insensitively.
func (e Event) Get(key string) string {
	if v, ok := e[key]; ok {
		return v
	}
	for k, v := range e {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// Success reports whether the block acknowledges the action.
func (e Event) Success() bool {
	return strings.EqualFold(e.Get("Response"), "Success")
}

// Name returns the event name, empty for plain responses.
func (e Event) Name() string {
	return e.Get("Event")
}

// parseBlock converts raw "Key: Value" lines into an Event.
func parseBlock(lines []string) Event {
	ev := make(Event, len(lines))
	for _, line := range lines {
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if key != "" {
			ev[key] = value
		}
	}
	return ev
}
