package intent

import (
	"testing"
)

func TestSessionStartResetsState(t *testing.T) {
	s := NewSession()
	s.SetResult(&Result{Type: RouteNoMatch})
	s.AppendField(FieldName, "stale")

	id := s.Start("query", nil, true, "smart")
	if id == "" {
		t.Fatal("empty session id")
	}
	if !s.Active() || s.Stage() != StageAnalyzing {
		t.Errorf("active=%v stage=%s", s.Active(), s.Stage())
	}
	if s.Result() != nil {
		t.Error("stale result survived Start")
	}
	if got := s.Fields().Name.Content; got != "" {
		t.Errorf("stale field content %q survived Start", got)
	}
	if !s.Thinking() || s.EnhanceMode() != "smart" || s.Query() != "query" {
		t.Error("captured inputs not stored")
	}

	// Each run gets a fresh id.
	if second := s.Start("other", nil, false, "off"); second == id {
		t.Error("session ids must be unique per run")
	}
}

func TestSessionFieldRouting(t *testing.T) {
	s := NewSession()
	s.Start("q", nil, false, "off")

	s.SetFieldStatus(FieldName, FieldStreaming, nil)
	s.AppendField(FieldName, "Site ")
	s.AppendField(FieldName, "Watcher")
	s.AppendField(FieldDescription, "ignored field mixing")

	fields := s.Fields()
	if fields.Name.Content != "Site Watcher" {
		t.Errorf("name = %q", fields.Name.Content)
	}
	if fields.Description.Content != "ignored field mixing" {
		t.Errorf("description = %q", fields.Description.Content)
	}
	if !fields.Generating() {
		t.Error("a streaming field should report generating")
	}

	done := "Site Watcher"
	s.SetFieldStatus(FieldName, FieldDone, &done)
	s.SetFieldStatus(FieldDescription, FieldDone, nil)
	s.SetFieldStatus(FieldSystemPrompt, FieldDone, nil)
	finished := s.Fields()
	if !finished.Complete() {
		t.Error("all-done fields should report complete")
	}

	// Unknown field names are ignored.
	s.SetFieldStatus("telemetry", FieldDone, nil)
	if got := s.AppendField("telemetry", "x"); got != "" {
		t.Errorf("unknown field accumulated %q", got)
	}
}

func TestSessionCleanupsRunExactlyOnce(t *testing.T) {
	s := NewSession()
	s.Start("q", nil, false, "off")

	runs := 0
	s.RegisterCleanup(func() { runs++ })
	s.RegisterCleanup(func() { runs++ })

	s.CancelOperation()
	s.CancelOperation()
	s.CompleteOperation()

	if runs != 2 {
		t.Errorf("cleanup runs = %d, want each hook exactly once", runs)
	}
}

func TestSessionCompleteKeepsResult(t *testing.T) {
	s := NewSession()
	s.Start("q", nil, false, "off")
	s.SetResult(&Result{Type: RouteCreateForge})
	s.SetConfig(&GeneratedConfig{Name: "X"})

	s.CompleteOperation()
	if s.Active() || s.Stage() != StageIdle {
		t.Error("complete should return to idle")
	}
	if s.Result() == nil || s.Config() == nil {
		t.Error("complete keeps the result and config")
	}

	s.Start("q2", nil, false, "off")
	s.CancelOperation()
	if s.Result() != nil || s.Config() != nil {
		t.Error("cancel discards the result and config")
	}
}

func TestStageText(t *testing.T) {
	if StageIdle.Text() != "" {
		t.Errorf("idle text = %q", StageIdle.Text())
	}
	if StageAnalyzing.Text() == "" || StageSending.Text() == "" {
		t.Error("active stages need user-facing labels")
	}
}
