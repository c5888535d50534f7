package policy

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestLogTextCollapsesAndCaps(t *testing.T) {
	got := LogText("  my email is  ravi@school.in\n\nwhat is torque?  ")
	if got != "my email is [REDACTED_EMAIL] what is torque?" {
		t.Fatalf("LogText() = %q", got)
	}

	long := LogText(strings.Repeat("force ", 60))
	if n := utf8.RuneCountInString(long); n != logTextLimit+1 {
		t.Fatalf("rune count = %d, want %d", n, logTextLimit+1)
	}
}
