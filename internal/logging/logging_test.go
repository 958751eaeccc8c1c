package logging

import "testing"

func TestNopDiscardsWithoutPanicking(t *testing.T) {
	l := Nop()
	l.Infow("hello", "key", "value")
}

func TestNewProductionLoggerBuilds(t *testing.T) {
	l := New(false)
	if l == nil {
		t.Fatalf("New(false) returned a nil logger")
	}
	l.Infow("production mode")
}

func TestNewDevelopmentLoggerBuilds(t *testing.T) {
	l := New(true)
	if l == nil {
		t.Fatalf("New(true) returned a nil logger")
	}
	l.Infow("development mode")
}
