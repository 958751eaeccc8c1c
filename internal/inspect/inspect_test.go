package inspect

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

func TestFractionClampsAboveOne(t *testing.T) {
	if got := fraction(5, 4); got != 1 {
		t.Fatalf("fraction(5, 4) = %v, want 1", got)
	}
}

func TestFractionZeroCapacityIsZero(t *testing.T) {
	if got := fraction(3, 0); got != 0 {
		t.Fatalf("fraction(3, 0) = %v, want 0", got)
	}
}

func TestFractionNormalRatio(t *testing.T) {
	if got := fraction(1, 4); got != 0.25 {
		t.Fatalf("fraction(1, 4) = %v, want 0.25", got)
	}
}

func TestUpdateAppliesStatsMessage(t *testing.T) {
	ch := make(chan Stats)
	m := New(ch)
	updated, _ := m.Update(statsMsg(Stats{CallDepth: 2, CallCapacity: 4, LastEvent: "gc"}))
	mm := updated.(*Model)
	if mm.current.CallDepth != 2 || mm.current.LastEvent != "gc" {
		t.Fatalf("current = %+v, want CallDepth 2, LastEvent gc", mm.current)
	}
}

func TestUpdateQuitsOnQKey(t *testing.T) {
	ch := make(chan Stats)
	m := New(ch)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if !m.done {
		t.Fatalf("expected Update to mark the model done on 'q'")
	}
	if cmd == nil {
		t.Fatalf("expected a quit command on 'q'")
	}
}

func TestViewRendersCurrentStats(t *testing.T) {
	ch := make(chan Stats)
	m := New(ch)
	m.current = Stats{CallDepth: 1, CallCapacity: 10, YoungUsed: 2, YoungCapacity: 20, OldUsed: 3, OldCapacity: 30, DirtyCards: 1, TotalCards: 8, LastEvent: "alloc"}
	view := m.View()
	if !strings.Contains(view, "stackvm inspector") || !strings.Contains(view, "alloc") {
		t.Fatalf("View() = %q, want it to include the title and last event", view)
	}
}

func TestViewEmptyWhenDone(t *testing.T) {
	ch := make(chan Stats)
	m := New(ch)
	m.done = true
	if got := m.View(); got != "" {
		t.Fatalf("View() = %q, want empty once done", got)
	}
}

func TestWaitForStatsReturnsQuitWhenChannelCloses(t *testing.T) {
	ch := make(chan Stats)
	m := New(ch)
	close(ch)
	msg := m.waitForStats(ch)()
	if msg == nil {
		t.Fatalf("expected a non-nil quit message once the stats channel closes")
	}
}

func TestWaitForStatsReturnsStatsMsgFromChannel(t *testing.T) {
	ch := make(chan Stats, 1)
	m := New(ch)
	ch <- Stats{CallDepth: 5}
	msg := m.waitForStats(ch)()
	sm, ok := msg.(statsMsg)
	if !ok || sm.CallDepth != 5 {
		t.Fatalf("waitForStats() = %+v, want a statsMsg carrying CallDepth 5", msg)
	}
}
