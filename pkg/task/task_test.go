package task

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type stubTask struct {
	id     string
	status TaskStatus
}

func (s *stubTask) GetTaskID() string       { return s.id }
func (s *stubTask) GetType() string         { return "stub" }
func (s *stubTask) GetStatus() TaskStatus   { return s.status }
func (s *stubTask) Stop() error             { return nil }
func (s *stubTask) SetStatus(st TaskStatus) error {
	if !s.status.CanTransition(st) {
		return ErrInvalidTransition
	}
	s.status = st
	return nil
}
func (s *stubTask) GetResult() Record {
	return Record{TaskID: s.id, Type: "stub", Status: s.status, FinishedAt: time.Now()}
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		ok       bool
	}{
		{TaskStatusCreated, TaskStatusStaged, true},
		{TaskStatusCreated, TaskStatusRunning, false},
		{TaskStatusStaged, TaskStatusRunning, true},
		{TaskStatusRunning, TaskStatusSucceeded, true},
		{TaskStatusStaged, TaskStatusSucceeded, false},
		{TaskStatusCreated, TaskStatusFailed, true},
		{TaskStatusRunning, TaskStatusFailed, true},
		{TaskStatusSucceeded, TaskStatusFailed, false},
		{TaskStatusFailed, TaskStatusSucceeded, false},
		{TaskStatusFailed, TaskStatusFailed, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.ok {
			t.Errorf("%s -> %s: got %v want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestStatusJSON(t *testing.T) {
	b, err := json.Marshal(Record{TaskID: "x", Status: TaskStatusSucceeded})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r.Status != TaskStatusSucceeded {
		t.Fatalf("status round trip: got %s", r.Status)
	}
	var s TaskStatus
	if err := s.UnmarshalText([]byte("exploded")); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}

func TestTaskManager(t *testing.T) {
	tm := NewTaskManager()
	a := &stubTask{id: "a"}
	if err := tm.AddTask(a); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := tm.AddTask(a); !errors.Is(err, ErrTaskExists) {
		t.Fatalf("expected ErrTaskExists, got %v", err)
	}
	got, err := tm.GetTask("a")
	if err != nil || got.GetTaskID() != "a" {
		t.Fatalf("GetTask: %v %v", got, err)
	}
	if tm.Len() != 1 || len(tm.GetAllTasks()) != 1 {
		t.Fatalf("expected one task")
	}
	if err := tm.RemoveTask("a"); err != nil {
		t.Fatalf("RemoveTask: %v", err)
	}
	if _, err := tm.GetTask("a"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if err := tm.RemoveTask("a"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound on second remove, got %v", err)
	}
}

func TestTaskStore(t *testing.T) {
	ts, err := NewTaskStore()
	if err != nil {
		t.Fatalf("NewTaskStore: %v", err)
	}
	defer ts.Close()

	if err := ts.AddTask(&stubTask{id: "fresh", status: TaskStatusFailed}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	old := Record{TaskID: "old", Status: TaskStatusSucceeded, FinishedAt: time.Now().Add(-2 * time.Hour)}
	if err := ts.PutRecord(old); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}

	r, err := ts.GetRecord("fresh")
	if err != nil || r.Status != TaskStatusFailed {
		t.Fatalf("GetRecord: %+v %v", r, err)
	}

	n, err := ts.Purge(time.Now().Add(-time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("Purge = %d, %v; want 1", n, err)
	}
	if _, err := ts.GetRecord("old"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected old record purged, got %v", err)
	}
	// 已交付的记录保留到过期, 重复领取才能得到 410
	if r, err := ts.GetRecord("fresh"); err != nil || r.TaskID != "fresh" {
		t.Fatalf("fresh record purged: %+v %v", r, err)
	}
}
