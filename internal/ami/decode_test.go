package ami

import "testing"

func TestDecodeCallEvent(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		ok   bool
		want CallEvent
	}{
		{
			name: "newchannel",
			msg:  NewMessage("Event", "Newchannel", "Uniqueid", "1.1", "Context", "tenant-a-out"),
			ok:   true,
			want: CallEvent{Kind: KindNewChannel, SwitchID: "1.1", Context: "tenant-a-out"},
		},
		{
			name: "dialbegin dest fields",
			msg: NewMessage("Event", "DialBegin",
				"DestUniqueid", "1.2", "DestContext", "tenant-a-out",
				"DestCallerIDNum", "5551234567", "DestConnectedLineNum", "5550000000",
				"DialString", "carrier/5551234567"),
			ok: true,
			want: CallEvent{Kind: KindDialBegin, SwitchID: "1.2", Context: "tenant-a-out",
				From: "5550000000", To: "5551234567"},
		},
		{
			name: "dialbegin number from dial string",
			msg: NewMessage("Event", "DialBegin", "DestUniqueid", "1.3",
				"DestCallerIDNum", "<unknown>", "DestConnectedLineNum", "555", "DialString", "5551234567@carrier"),
			ok:   true,
			want: CallEvent{Kind: KindDialBegin, SwitchID: "1.3", From: "555", To: "5551234567"},
		},
		{
			name: "dialend upper-cases status",
			msg:  NewMessage("Event", "DialEnd", "DestUniqueid", "1.2", "DialStatus", "answer"),
			ok:   true,
			want: CallEvent{Kind: KindDialEnd, SwitchID: "1.2", DialStatus: "ANSWER"},
		},
		{
			name: "dialend without status",
			msg:  NewMessage("Event", "DialEnd", "DestUniqueid", "1.2"),
		},
		{
			name: "hangup",
			msg:  NewMessage("Event", "Hangup", "Uniqueid", "1.2", "Context", "ctx", "Cause", "16", "Cause-txt", "Normal Clearing"),
			ok:   true,
			want: CallEvent{Kind: KindHangup, SwitchID: "1.2", Context: "ctx", Cause: 16, CauseText: "Normal Clearing"},
		},
		{
			name: "hangup without uniqueid",
			msg:  NewMessage("Event", "Hangup", "Cause", "16"),
		},
		{
			name: "blind transfer",
			msg: NewMessage("Event", "BlindTransfer", "TransfererUniqueid", "1.2",
				"TransfereeUniqueid", "1.5", "TransfererContext", "ctx", "Extension", "5559999999"),
			ok: true,
			want: CallEvent{Kind: KindBlindTransfer, SwitchID: "1.2", AltSwitchID: "1.5",
				Context: "ctx", TransferTarget: "5559999999"},
		},
		{
			name: "unrelated event",
			msg:  NewMessage("Event", "PeerStatus", "Peer", "SIP/carrier"),
		},
		{
			name: "response",
			msg:  NewMessage("Response", "Success", "Event", "Hangup", "Uniqueid", "1.2"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DecodeCallEvent(tt.msg)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("got %+v\nwant %+v", got, tt.want)
			}
		})
	}
}

func TestEventKindString(t *testing.T) {
	if KindBlindTransfer.String() != "BlindTransfer" || EventKind(0).String() != "Unknown" {
		t.Error("unexpected kind names")
	}
}
