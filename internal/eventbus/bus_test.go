package eventbus

import (
	"testing"
)

func TestPublishDeliversInOrder(t *testing.T) {
	b := New()
	var got []Event
	b.Subscribe(func(ev Event) { got = append(got, ev) })

	b.Publish("plan_1", PlanStart, PlanStartPayload{Title: "t", StepCount: 2})
	b.Publish("plan_1", StepAdd, StepAddPayload{StepID: "s1"})
	b.Publish("plan_1", StepAdd, StepAddPayload{StepID: "s2"})

	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	for i, ev := range got {
		if ev.Seq != int64(i+1) {
			t.Errorf("event %d seq = %d, want %d", i, ev.Seq, i+1)
		}
		if ev.PlanID != "plan_1" {
			t.Errorf("event %d plan id = %q", i, ev.PlanID)
		}
		if ev.ID == "" {
			t.Errorf("event %d has empty id", i)
		}
	}
	if got[0].Type != PlanStart {
		t.Errorf("first type = %s, want %s", got[0].Type, PlanStart)
	}
	p, ok := got[1].Payload.(StepAddPayload)
	if !ok || p.StepID != "s1" {
		t.Errorf("second payload = %#v", got[1].Payload)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	count := 0
	cancel := b.Subscribe(func(Event) { count++ })

	b.Publish("", StatusChange, StatusChangePayload{Status: "retrying"})
	cancel()
	cancel() // idempotent
	b.Publish("", StatusChange, StatusChangePayload{Status: "retrying"})

	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}
}

func TestPanickingSubscriberDoesNotBreakOthers(t *testing.T) {
	b := New()
	b.Subscribe(func(Event) { panic("boom") })
	delivered := false
	b.Subscribe(func(Event) { delivered = true })

	b.Publish("p", PlanComplete, PlanCompletePayload{})

	if !delivered {
		t.Error("second subscriber did not receive the event")
	}
}

func TestReset(t *testing.T) {
	b := New()
	b.Subscribe(func(Event) {})
	b.Publish("p", PlanStart, nil)

	b.Reset()

	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("SubscriberCount after Reset = %d, want 0", n)
	}
	var seq int64
	b.Subscribe(func(ev Event) { seq = ev.Seq })
	b.Publish("p", PlanStart, nil)
	if seq != 1 {
		t.Errorf("seq after Reset = %d, want 1", seq)
	}
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Publish("p", PlanStart, nil)
	r.Publish("p", StepAdd, nil)

	types := r.Types()
	if len(types) != 2 || types[0] != PlanStart || types[1] != StepAdd {
		t.Errorf("Types = %v", types)
	}
	r.Reset()
	if len(r.Events()) != 0 {
		t.Error("Reset did not clear events")
	}
}
