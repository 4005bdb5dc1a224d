package kernel_test

import (
	"testing"

	"github.com/runehost/runehost/internal/kernel"
	"github.com/runehost/runehost/pkg/models"
)

func TestValidate_ChannelShapes(t *testing.T) {
	p := kernel.NewProtocolEngine()

	cases := []struct {
		name string
		msg  models.UniversalMessage
		ok   bool
	}{
		{"shell request", kernel.NewRequest(models.ChannelShell, "execute_request", nil), true},
		{"control request", kernel.NewRequest(models.ChannelControl, "interrupt_request", nil), true},
		{"shell without method or status", models.UniversalMessage{Channel: models.ChannelShell}, false},
		{"iopub broadcast", models.UniversalMessage{
			Channel: models.ChannelIOPub,
			Content: models.MessageContent{Broadcast: "status"},
		}, true},
		{"iopub without broadcast", models.UniversalMessage{Channel: models.ChannelIOPub}, false},
		{"heartbeat with empty content", models.UniversalMessage{Channel: models.ChannelHeartbeat}, true},
		{"unknown channel", models.UniversalMessage{Channel: models.Channel("carrier-pigeon")}, false},
	}
	for _, tc := range cases {
		err := p.Validate(tc.msg)
		if tc.ok && err != nil {
			t.Errorf("%s: Validate() error: %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: Validate() accepted an invalid message", tc.name)
		}
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	p := kernel.NewProtocolEngine()

	msg := kernel.NewRequest(models.ChannelShell, "execute_request", map[string]interface{}{"code": "1+1"})
	data, err := p.Encode(msg)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	got, err := p.Decode(data)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if got.ID != msg.ID || got.Channel != msg.Channel || got.Content.Method != "execute_request" {
		t.Errorf("round trip = %+v", got)
	}
	if got.Protocol != kernel.ProtocolVersion {
		t.Errorf("Protocol = %q, want %q", got.Protocol, kernel.ProtocolVersion)
	}
}

func TestEncode_RejectsInvalid(t *testing.T) {
	p := kernel.NewProtocolEngine()

	if _, err := p.Encode(models.UniversalMessage{Channel: models.ChannelShell}); err == nil {
		t.Error("Encode() accepted a shapeless shell message")
	}
	if _, err := p.Decode([]byte("{not json")); err == nil {
		t.Error("Decode() accepted malformed input")
	}
}

func TestNewReply_PropagatesParentContext(t *testing.T) {
	parent := kernel.NewRequest(models.ChannelShell, "execute_request", nil)
	parent.Metadata.SessionID = "sess-1"
	parent.Metadata.CorrelationID = "corr-1"

	reply := kernel.NewReply(parent, "ok", nil)
	if reply.Channel != parent.Channel {
		t.Errorf("reply Channel = %s, want %s", reply.Channel, parent.Channel)
	}
	if reply.Metadata.ParentID != parent.ID {
		t.Errorf("ParentID = %q, want %q", reply.Metadata.ParentID, parent.ID)
	}
	if reply.Metadata.SessionID != "sess-1" || reply.Metadata.CorrelationID != "corr-1" {
		t.Errorf("reply metadata = %+v", reply.Metadata)
	}

	bcast := kernel.NewBroadcast(parent, "status", map[string]interface{}{"execution_state": "busy"})
	if bcast.Channel != models.ChannelIOPub {
		t.Errorf("broadcast Channel = %s, want iopub", bcast.Channel)
	}
	if bcast.Metadata.ParentID != parent.ID {
		t.Errorf("broadcast ParentID = %q", bcast.Metadata.ParentID)
	}
}

func TestChannelView_ForcesChannel(t *testing.T) {
	client, server := kernel.InProcPair()
	defer client.Close()
	defer server.Close()

	p := kernel.NewProtocolEngine()
	view := p.ChannelView(models.ChannelControl, client)
	if view.Channel() != models.ChannelControl {
		t.Errorf("Channel() = %s", view.Channel())
	}

	// The view overrides whatever channel the message claims.
	msg := kernel.NewRequest(models.ChannelShell, "interrupt_request", nil)
	if err := view.Send(msg); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	got := recvReply(t, server, "")
	if got.Channel != models.ChannelControl {
		t.Errorf("received Channel = %s, want control", got.Channel)
	}
}
