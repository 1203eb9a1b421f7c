package domain

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestValidateTitle(t *testing.T) {
	cases := []struct {
		name  string
		title string
		ok    bool
	}{
		{"plain", "Ship the release", true},
		{"max length", strings.Repeat("a", 100), true},
		{"empty", "", false},
		{"too long", strings.Repeat("a", 101), false},
		{"matches Todo column", "Todo", false},
		{"matches In Progress column", "In Progress", false},
		{"matches Done column", "Done", false},
		{"column name different case", "todo", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateTitle(tc.title)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrValidation) {
				t.Fatalf("got %v, want ErrValidation", err)
			}
		})
	}
}

func TestValidateDescription(t *testing.T) {
	if err := ValidateDescription(strings.Repeat("d", 500)); err != nil {
		t.Fatalf("500 chars should pass: %v", err)
	}
	if err := ValidateDescription(""); err != nil {
		t.Fatalf("empty should pass: %v", err)
	}
	if err := ValidateDescription(strings.Repeat("d", 501)); !errors.Is(err, ErrValidation) {
		t.Fatalf("got %v, want ErrValidation", err)
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusTodo, StatusInProgress, StatusDone} {
		if !s.Valid() {
			t.Fatalf("%q should be valid", s)
		}
	}
	for _, s := range []Status{"", "Archived", "todo"} {
		if s.Valid() {
			t.Fatalf("%q should be invalid", s)
		}
	}
}

func TestPriorityValid(t *testing.T) {
	for _, p := range []Priority{PriorityLow, PriorityMedium, PriorityHigh} {
		if !p.Valid() {
			t.Fatalf("%q should be valid", p)
		}
	}
	for _, p := range []Priority{"", "Urgent", "low"} {
		if p.Valid() {
			t.Fatalf("%q should be invalid", p)
		}
	}
}

func TestTaskPatchEmpty(t *testing.T) {
	if !(TaskPatch{}).Empty() {
		t.Fatal("zero patch should be empty")
	}
	pos := 0
	if (TaskPatch{Position: &pos}).Empty() {
		t.Fatal("patch with a set field should not be empty")
	}
}

func TestClampMessage(t *testing.T) {
	if got := ClampMessage("short"); got != "short" {
		t.Fatalf("got %q", got)
	}
	long := strings.Repeat("m", 250)
	got := ClampMessage(long)
	if len(got) != 200 {
		t.Fatalf("clamped length = %d, want 200", len(got))
	}
	if !strings.HasPrefix(long, got) {
		t.Fatal("clamp must truncate, not rewrite")
	}
}

func TestClampMessageKeepsRunesIntact(t *testing.T) {
	// Three-byte runes: byte 200 falls mid-rune and the cut must back off.
	long := strings.Repeat("€", 100)
	got := ClampMessage(long)
	if !utf8.ValidString(got) {
		t.Fatalf("clamp split a rune: %q", got)
	}
	if len(got) != 198 {
		t.Fatalf("clamped length = %d, want 198", len(got))
	}
	if !strings.HasPrefix(long, got) {
		t.Fatal("clamp must truncate, not rewrite")
	}
}
