package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New()
	l.SetOutput(&buf)
	l.SetLevel(LevelWarn)

	l.Debug("hidden")
	l.Info("hidden too")
	l.Warn("visible")
	l.Error("also visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("messages below min level should be suppressed")
	}
	if !strings.Contains(out, "visible") {
		t.Error("warn message missing")
	}
	if !strings.Contains(out, "also visible") {
		t.Error("error message missing")
	}
}

func TestComponentAndConversationScope(t *testing.T) {
	var buf bytes.Buffer
	l := New()
	l.SetOutput(&buf)

	scoped := l.WithComponent("memory").WithConversation("conv-42")
	scoped.Info("retrieved", map[string]interface{}{"count": 3})

	out := buf.String()
	if !strings.Contains(out, "[memory]") {
		t.Errorf("component scope missing: %s", out)
	}
	if !strings.Contains(out, "(conv-42)") {
		t.Errorf("conversation scope missing: %s", out)
	}
	if !strings.Contains(out, "count=3") {
		t.Errorf("fields missing: %s", out)
	}
}

func TestScopingDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	l := New()
	l.SetOutput(&buf)

	_ = l.WithComponent("reflect")
	l.Info("plain")

	if strings.Contains(buf.String(), "[reflect]") {
		t.Error("deriving a scoped logger must not mutate the parent")
	}
}

func TestNopDiscards(t *testing.T) {
	// Must not panic and must not write anywhere visible.
	l := Nop()
	l.Error("goes nowhere")
}
