package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/procedures/internal/config"
	"github.com/aristath/procedures/internal/events"
)

type fakeController struct {
	suspended bool
	cancelled error
}

func (c *fakeController) SetSuspended(suspended bool) { c.suspended = suspended }
func (c *fakeController) IsSuspended() bool           { return c.suspended }
func (c *fakeController) CancelAll(err error)         { c.cancelled = err }

func newTestModel(t *testing.T, control Controller) Model {
	t.Helper()
	bus := events.NewEventBus()
	t.Cleanup(bus.Close)
	dir := t.TempDir()
	return New(bus, control, config.DefaultConfig(), dir+"/global.yaml", dir+"/project.yaml")
}

func update(m Model, msg tea.Msg) Model {
	next, _ := m.Update(msg)
	return next.(Model)
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// TestTaskPane_Lifecycle verifies task events move a task through its
// statuses.
func TestTaskPane_Lifecycle(t *testing.T) {
	tests := []struct {
		name     string
		finished events.TaskFinishedEvent
		want     string
	}{
		{"succeeded", events.TaskFinishedEvent{ID: "t1"}, StatusSucceeded},
		{"failed", events.TaskFinishedEvent{ID: "t1", Errs: []error{errors.New("boom")}}, StatusFailed},
		{"cancelled", events.TaskFinishedEvent{ID: "t1", Cancelled: true}, StatusCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pane := NewTaskPaneModel()
			pane, _ = pane.Update(events.TaskAddedEvent{ID: "t1", Name: "build"})
			if got, _ := pane.Task("t1"); got.Status != StatusPending {
				t.Fatalf("expected pending, got %s", got.Status)
			}

			pane, _ = pane.Update(events.TaskStartedEvent{ID: "t1", Timestamp: time.Now()})
			if got, _ := pane.Task("t1"); got.Status != StatusRunning {
				t.Fatalf("expected running, got %s", got.Status)
			}

			pane, _ = pane.Update(events.TaskOutputEvent{ID: "t1", Stream: "stdout", Line: "compiling"})
			pane, _ = pane.Update(tt.finished)

			got, ok := pane.Task("t1")
			if !ok {
				t.Fatal("task not tracked")
			}
			if got.Status != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got.Status)
			}
			if len(got.Output) < 2 || got.Output[0] != "compiling" {
				t.Errorf("unexpected output: %v", got.Output)
			}
		})
	}
}

// TestTaskPane_IgnoresUnknownTasks verifies events for tasks never added are
// dropped.
func TestTaskPane_IgnoresUnknownTasks(t *testing.T) {
	pane := NewTaskPaneModel()
	pane, _ = pane.Update(events.TaskStartedEvent{ID: "ghost"})
	pane, _ = pane.Update(events.TaskFinishedEvent{ID: "ghost"})

	if _, ok := pane.Task("ghost"); ok {
		t.Error("expected unknown task to be ignored")
	}
}

// TestModel_Controls verifies the pause and cancel keys drive the
// controller.
func TestModel_Controls(t *testing.T) {
	control := &fakeController{}
	m := newTestModel(t, control)

	m = update(m, key(KeySuspend))
	if !control.suspended {
		t.Error("expected scheduler to be suspended")
	}
	m = update(m, key(KeySuspend))
	if control.suspended {
		t.Error("expected scheduler to be resumed")
	}

	update(m, key(KeyCancel))
	if !errors.Is(control.cancelled, ErrCancelledFromUI) {
		t.Errorf("expected cancellation from UI, got %v", control.cancelled)
	}
}

// TestModel_NilController verifies control keys are ignored without a
// controller.
func TestModel_NilController(t *testing.T) {
	m := newTestModel(t, nil)
	m = update(m, key(KeySuspend))
	update(m, key(KeyCancel))
}

// TestModel_RoutesEvents verifies bus events reach the right pane and the
// view renders them.
func TestModel_RoutesEvents(t *testing.T) {
	m := newTestModel(t, nil)
	m = update(m, tea.WindowSizeMsg{Width: 100, Height: 40})
	m = update(m, events.TaskAddedEvent{ID: "t1", Name: "compile"})
	m = update(m, events.ProgressEvent{Total: 4, Succeeded: 1, Running: 1, Pending: 2})

	view := m.View()
	if !strings.Contains(view, "compile") {
		t.Errorf("expected task name in view:\n%s", view)
	}
	if !strings.Contains(view, "1/4") {
		t.Errorf("expected progress in view:\n%s", view)
	}
}

// TestModel_FocusCycle verifies tab cycles between the panes.
func TestModel_FocusCycle(t *testing.T) {
	m := newTestModel(t, nil)
	if m.focusedPane != PaneTasks {
		t.Fatalf("expected tasks pane focused initially")
	}
	m = update(m, tea.KeyMsg{Type: tea.KeyTab})
	if m.focusedPane != PaneProgress {
		t.Errorf("expected progress pane focused, got %d", m.focusedPane)
	}
	m = update(m, tea.KeyMsg{Type: tea.KeyTab})
	if m.focusedPane != PaneTasks {
		t.Errorf("expected focus to wrap to tasks pane, got %d", m.focusedPane)
	}
}

// TestRenderBar verifies the bar width and finished count.
func TestRenderBar(t *testing.T) {
	bar := renderBar(events.ProgressEvent{Total: 4, Succeeded: 2, Failed: 1, Pending: 1}, 20)
	if !strings.HasSuffix(bar, "3/4") {
		t.Errorf("expected finished count 3/4, got %q", bar)
	}
}

// TestSettingsPane_Apply verifies form values are parsed into a config copy.
func TestSettingsPane_Apply(t *testing.T) {
	cfg := config.DefaultConfig()
	pane := NewSettingsPaneModel(cfg, "global.yaml", "project.yaml")
	pane.fields.maxConcurrent = "8"
	pane.fields.defaultTimeout = "1m"
	pane.fields.verbose = true

	updated, err := pane.applyFormToConfig()
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if updated.Scheduler.MaxConcurrent != 8 || updated.Scheduler.DefaultTimeout.Std() != time.Minute || !updated.Log.Verbose {
		t.Errorf("unexpected config: %+v", updated)
	}
	if cfg.Scheduler.MaxConcurrent != 4 {
		t.Error("expected live config to be untouched until saved")
	}

	pane.fields.defaultTimeout = "soon"
	if _, err := pane.applyFormToConfig(); err == nil {
		t.Error("expected invalid duration error")
	}
}
