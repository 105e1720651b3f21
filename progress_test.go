package ocrgate

import (
	"errors"
	"testing"
	"time"
)

func TestProgressHubReplayAndFinish(t *testing.T) {
	h := NewProgressHub(4, testLogger(t))
	if err := h.Open("t1"); err != nil {
		t.Fatal(err)
	}
	if err := h.Open("t1"); err == nil {
		t.Fatalf("expected duplicate open error")
	}
	h.Emit("t1", ProgressEvent{Status: EventStatusProcessing, Message: "validating input", Progress: 10})

	sub, err := h.Subscribe("t1")
	if err != nil {
		t.Fatal(err)
	}
	h.Emit("t1", ProgressEvent{Status: EventStatusProcessing, Message: "recognizing text", Progress: 30})
	h.Finish("t1", ProgressEvent{Status: EventStatusCompleted, Message: "complete", Progress: 100})
	// 结束后的事件被丢弃
	h.Emit("t1", ProgressEvent{Status: EventStatusProcessing, Message: "late", Progress: 100})

	events := collectEvents(t, sub, time.Second)
	if len(events) != 3 {
		t.Fatalf("got %d events: %+v", len(events), events)
	}
	if events[0].Progress != 10 || events[1].Progress != 30 || !events[2].Terminal() {
		t.Fatalf("unexpected sequence %+v", events)
	}
	for _, ev := range events {
		if ev.TaskID != "t1" || ev.Timestamp == 0 {
			t.Fatalf("event not stamped: %+v", ev)
		}
	}

	// 结束后订阅只能拿到最终事件
	late, err := h.Subscribe("t1")
	if err != nil {
		t.Fatal(err)
	}
	events = collectEvents(t, late, time.Second)
	if len(events) != 1 || events[0].Status != EventStatusCompleted {
		t.Fatalf("late subscriber got %+v", events)
	}

	h.Remove("t1")
	if _, err := h.Subscribe("t1"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if h.Len() != 0 {
		t.Fatalf("hub still has %d channels", h.Len())
	}
}

func TestProgressHubSlowSubscriberKeepsLatest(t *testing.T) {
	h := NewProgressHub(2, testLogger(t))
	if err := h.Open("t1"); err != nil {
		t.Fatal(err)
	}
	sub, err := h.Subscribe("t1")
	if err != nil {
		t.Fatal(err)
	}
	for p := 1; p <= 10; p++ {
		h.Emit("t1", ProgressEvent{Status: EventStatusProcessing, Progress: p})
	}
	h.Finish("t1", ProgressEvent{Status: EventStatusFailed, Message: "failed: boom", Progress: 100})

	events := collectEvents(t, sub, time.Second)
	if len(events) != 2 {
		t.Fatalf("got %+v", events)
	}
	if events[0].Progress != 10 || events[1].Status != EventStatusFailed {
		t.Fatalf("expected latest progress then failure, got %+v", events)
	}
}

func TestProgressHubUnsubscribe(t *testing.T) {
	h := NewProgressHub(4, testLogger(t))
	if err := h.Open("t1"); err != nil {
		t.Fatal(err)
	}
	a, _ := h.Subscribe("t1")
	b, _ := h.Subscribe("t1")
	a.Close()
	a.Close()

	h.Emit("t1", ProgressEvent{Status: EventStatusProcessing, Progress: 30})
	if _, ok := <-a.Events(); ok {
		t.Fatalf("closed subscription received an event")
	}
	select {
	case ev := <-b.Events():
		if ev.Progress != 30 {
			t.Fatalf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("remaining subscriber got nothing")
	}

	h.Remove("t1")
	if _, ok := <-b.Events(); ok {
		t.Fatalf("subscription not closed by Remove")
	}
	b.Close()
}
