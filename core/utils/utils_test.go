package utils

import "testing"

func TestRandStringLength(t *testing.T) {
	s, err := RandString(32)
	if err != nil {
		t.Fatalf("rand: %v", err)
	}
	if len(s) != 32 {
		t.Fatalf("expected 32 chars, got %d", len(s))
	}
	other, _ := RandString(32)
	if s == other {
		t.Fatalf("expected distinct values")
	}
}

func TestValidateEmail(t *testing.T) {
	cases := map[string]bool{
		"analyst@example.org":         true,
		"":                            false,
		"not-an-email":                false,
		"Name <analyst@example.org>":  false,
		NormalizeEmail(" A@B.io "):    true,
	}
	for in, ok := range cases {
		err := ValidateEmail(in)
		if ok && err != nil {
			t.Fatalf("expected %q valid: %v", in, err)
		}
		if !ok && err == nil {
			t.Fatalf("expected %q invalid", in)
		}
	}
}

func TestNopLoggerIsSafe(t *testing.T) {
	var nilLogger *Logger
	nilLogger.Printf("ignored %d", 1)
	l := NewNopLogger()
	l.With("k", "v").Errorf("ignored %s", "x")
}
