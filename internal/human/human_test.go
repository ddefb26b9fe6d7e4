package human

import (
	"errors"
	"testing"
	"time"

	"github.com/droverhq/drover/internal/bus"
	"github.com/droverhq/drover/internal/timing"
)

func newManager(t *testing.T) (*Manager, *timing.Engine) {
	t.Helper()
	timers := timing.New(nil)
	t.Cleanup(timers.Close)
	return New(timers, nil), timers
}

func TestCreateClaimComplete(t *testing.T) {
	m, _ := newManager(t)

	done := make(chan Task, 1)
	id := m.Create(Task{
		InstanceID: "wf-1",
		ActivityID: "approve",
		Name:       "Approve rollout",
		Candidates: []string{"ops"},
	}, func(task Task) { done <- task })

	if err := m.Claim(id, "alex"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	task, err := m.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != StatusClaimed || task.ClaimedBy != "alex" {
		t.Errorf("unexpected task after claim: %+v", task)
	}

	if err := m.Complete(id, map[string]any{"approved": true}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	select {
	case finished := <-done:
		if finished.Outputs["approved"] != true {
			t.Errorf("expected outputs to flow through, got %v", finished.Outputs)
		}
	case <-time.After(time.Second):
		t.Fatal("completion callback never ran")
	}

	if err := m.Complete(id, nil); !errors.Is(err, ErrTaskNotOpen) {
		t.Errorf("expected ErrTaskNotOpen on double complete, got %v", err)
	}
}

func TestSLAEscalation(t *testing.T) {
	timers := timing.New(nil)
	defer timers.Close()
	b := bus.New(8)
	defer b.Close()
	events := b.Subscribe(bus.EventHumanTaskSLAExpired)
	m := New(timers, b)

	id := m.Create(Task{
		InstanceID: "wf-1",
		Name:       "Review incident",
		Assignee:   "oncall",
		EscalateTo: "lead",
		SLA:        10 * time.Millisecond,
	}, nil)

	select {
	case event := <-events:
		if event.TaskID != id {
			t.Errorf("expected %s, got %s", id, event.TaskID)
		}
	case <-time.After(time.Second):
		t.Fatal("SLA never fired")
	}

	task, err := m.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != StatusEscalated {
		t.Errorf("expected ESCALATED, got %s", task.Status)
	}
	if task.Assignee != "lead" {
		t.Errorf("expected reassignment to lead, got %s", task.Assignee)
	}

	// An escalated task can still be completed.
	if err := m.Complete(id, nil); err != nil {
		t.Errorf("complete after escalation: %v", err)
	}
}

func TestCompleteCancelsSLA(t *testing.T) {
	m, timers := newManager(t)

	id := m.Create(Task{InstanceID: "wf-1", Name: "n", SLA: time.Hour}, nil)
	if timers.Pending() != 1 {
		t.Fatalf("expected armed SLA timer, got %d", timers.Pending())
	}
	if err := m.Complete(id, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if timers.Pending() != 0 {
		t.Errorf("expected SLA timer cancelled, got %d pending", timers.Pending())
	}
}

func TestCancelByInstance(t *testing.T) {
	m, _ := newManager(t)

	ran := false
	m.Create(Task{InstanceID: "wf-1", Name: "a"}, func(Task) { ran = true })
	m.Create(Task{InstanceID: "wf-1", Name: "b"}, nil)
	other := m.Create(Task{InstanceID: "wf-2", Name: "c"}, nil)

	if got := m.CancelByInstance("wf-1"); got != 2 {
		t.Errorf("expected 2 cancelled, got %d", got)
	}
	if ran {
		t.Error("cancelled task must not invoke its completion callback")
	}

	open := m.Open()
	if len(open) != 1 || open[0].ID != other {
		t.Errorf("expected only wf-2 task open, got %v", open)
	}
}

func TestClaimUnknownTask(t *testing.T) {
	m, _ := newManager(t)
	if err := m.Claim("ghost", "alex"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}
