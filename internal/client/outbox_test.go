package client

import "testing"

func TestOutboxDropsOldestSettledBeyondHistory(t *testing.T) {
	o := NewOutboxWithHistory(2)

	pending := o.Add("general", "still waiting")
	var settled []OutboundMessage
	for i := 0; i < 4; i++ {
		settled = append(settled, o.Add("general", "hello"))
	}
	o.Confirm(settled[0].ClientID)
	o.Fail(settled[1].ClientID, "NotMember")
	o.Confirm(settled[2].ClientID)
	o.Confirm(settled[3].ClientID)

	for _, msg := range settled[:2] {
		if _, ok := o.Get(msg.ClientID); ok {
			t.Fatalf("expected %s to be pruned", msg.ClientID)
		}
	}
	for _, msg := range settled[2:] {
		got, ok := o.Get(msg.ClientID)
		if !ok || got.Status != DeliveryConfirmed {
			t.Fatalf("expected recent confirmed message kept, got %+v ok=%v", got, ok)
		}
	}
	if p := o.Pending(); len(p) != 1 || p[0].ClientID != pending.ClientID {
		t.Fatalf("pending messages must never be pruned, got %+v", p)
	}
	if len(o.order) != 3 || len(o.items) != 3 {
		t.Fatalf("expected 3 tracked messages, got order=%d items=%d", len(o.order), len(o.items))
	}
}

func TestOutboxSettlesOnlyPending(t *testing.T) {
	o := NewOutbox()
	msg := o.Add("general", "hi")
	if !o.Confirm(msg.ClientID) {
		t.Fatalf("expected confirm to settle a pending message")
	}
	if o.Fail(msg.ClientID, "late") {
		t.Fatalf("expected a settled message to stay confirmed")
	}
	if o.Confirm("unknown") {
		t.Fatalf("expected unknown client id to be ignored")
	}
}
