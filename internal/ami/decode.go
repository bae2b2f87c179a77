package ami

import (
	"strings"
	"unicode"
)

// EventKind enumerates the switch events the call engine consumes.
type EventKind int

const (
	KindNewChannel EventKind = iota + 1
	KindDialBegin
	KindDialEnd
	KindHangup
	KindBlindTransfer
)

func (k EventKind) String() string {
	switch k {
	case KindNewChannel:
		return "NewChannel"
	case KindDialBegin:
		return "DialBegin"
	case KindDialEnd:
		return "DialEnd"
	case KindHangup:
		return "Hangup"
	case KindBlindTransfer:
		return "BlindTransfer"
	default:
		return "Unknown"
	}
}

// CallEvent is a validated switch event. Only the fields relevant to Kind are set.
type CallEvent struct {
	Kind     EventKind
	SwitchID string
	// AltSwitchID is a second channel id worth trying (the transferee on BlindTransfer).
	AltSwitchID string
	Context     string

	From string // DialBegin
	To   string // DialBegin

	DialStatus string // DialEnd

	Cause     int    // Hangup
	CauseText string // Hangup

	TransferTarget string // BlindTransfer
}

// DecodeCallEvent converts a raw message. ok is false for responses, other
// event types, and events missing required fields.
func DecodeCallEvent(m Message) (CallEvent, bool) {
	if m.IsResponse() {
		return CallEvent{}, false
	}

	switch m.Type() {
	case "Newchannel":
		ev := CallEvent{Kind: KindNewChannel, SwitchID: m.Get("Uniqueid"), Context: m.Get("Context")}
		return ev, ev.SwitchID != ""

	case "DialBegin":
		ev := CallEvent{
			Kind:     KindDialBegin,
			SwitchID: first(m.Get("Uniqueid"), m.Get("DestUniqueid")),
			Context:  first(m.Get("Context"), m.Get("DestContext")),
			From:     first(m.Get("CallerIDNum"), m.Get("DestConnectedLineNum")),
			To:       first(m.Get("DestCallerIDNum"), numberFromDialString(m.Get("DialString")), m.Get("DestExten")),
		}
		return ev, ev.SwitchID != ""

	case "DialEnd":
		ev := CallEvent{
			Kind:       KindDialEnd,
			SwitchID:   first(m.Get("Uniqueid"), m.Get("DestUniqueid")),
			Context:    first(m.Get("Context"), m.Get("DestContext")),
			DialStatus: strings.ToUpper(m.Get("DialStatus")),
		}
		return ev, ev.SwitchID != "" && ev.DialStatus != ""

	case "Hangup":
		ev := CallEvent{
			Kind:      KindHangup,
			SwitchID:  m.Get("Uniqueid"),
			Context:   m.Get("Context"),
			Cause:     m.GetInt("Cause"),
			CauseText: m.Get("Cause-txt"),
		}
		return ev, ev.SwitchID != ""

	case "BlindTransfer":
		ev := CallEvent{
			Kind:           KindBlindTransfer,
			SwitchID:       first(m.Get("TransfererUniqueid"), m.Get("TransfereeUniqueid")),
			Context:        first(m.Get("TransfererContext"), m.Get("TransfereeContext")),
			TransferTarget: m.Get("Extension"),
		}
		if alt := m.Get("TransfereeUniqueid"); alt != ev.SwitchID {
			ev.AltSwitchID = alt
		}
		return ev, ev.SwitchID != ""
	}
	return CallEvent{}, false
}

func first(values ...string) string {
	for _, v := range values {
		if v != "" && v != "<unknown>" {
			return v
		}
	}
	return ""
}

// numberFromDialString extracts the dialed number from strings such as
// "carrier/5551234567" or "5551234567@carrier".
func numberFromDialString(s string) string {
	if s == "" {
		return ""
	}
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.Index(s, "@"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimFunc(s, func(r rune) bool { return !unicode.IsDigit(r) && r != '+' })
	return s
}
