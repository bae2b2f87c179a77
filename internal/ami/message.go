package ami

import (
	"strconv"
	"strings"
)

// Message is one AMI block (event or response) with headers in wire order.
type Message struct {
	headers []header
}

type header struct {
	Key   string
	Value string
}

// NewMessage builds a Message from alternating keys and values.
func NewMessage(kvs ...string) Message {
	m := Message{}
	for i := 0; i+1 < len(kvs); i += 2 {
		m.headers = append(m.headers, header{Key: kvs[i], Value: kvs[i+1]})
	}
	return m
}

// Get returns the first value for key, matched case-insensitively, or "".
func (m Message) Get(key string) string {
	for _, h := range m.headers {
		if strings.EqualFold(h.Key, key) {
			return h.Value
		}
	}
	return ""
}

// GetInt returns the integer value for key, or 0.
func (m Message) GetInt(key string) int {
	v, _ := strconv.Atoi(strings.TrimSpace(m.Get(key)))
	return v
}

// Type returns the Event header.
func (m Message) Type() string {
	return m.Get("Event")
}

// IsResponse reports whether this block answers an action.
func (m Message) IsResponse() bool {
	return m.Get("Response") != ""
}

// ActionID returns the ActionID header.
func (m Message) ActionID() string {
	return m.Get("ActionID")
}

// Len returns the number of headers.
func (m Message) Len() int {
	return len(m.headers)
}

// Fields returns the headers as a map; later duplicates win.
func (m Message) Fields() map[string]string {
	out := make(map[string]string, len(m.headers))
	for _, h := range m.headers {
		out[h.Key] = h.Value
	}
	return out
}
