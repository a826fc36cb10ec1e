package ids

import (
	"testing"
	"time"
)

func TestNewIsSortableAndValid(t *testing.T) {
	prev := New()
	if !Valid(prev) {
		t.Fatalf("expected %q to be valid", prev)
	}
	for i := 0; i < 100; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("ids not monotonic: %s <= %s", next, prev)
		}
		prev = next
	}
}

func TestNewAtCarriesTimestamp(t *testing.T) {
	early := NewAt(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	late := NewAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if early >= late {
		t.Fatalf("expected %s < %s", early, late)
	}
}

func TestValidRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "abc", "not-a-ulid-at-all-xxxxxxxxx"} {
		if Valid(s) {
			t.Fatalf("expected %q to be invalid", s)
		}
	}
}
