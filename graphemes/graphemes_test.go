package graphemes

import "testing"

const family = "👨‍👩‍👧‍👦"

func TestCount(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"empty", "", 0},
		{"ascii", "hello", 5},
		{"accented", "Loja atualizada é", 17},
		{"family emoji is one cluster", "Hi " + family + "!", 5},
		{"flag", "🇧🇷", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Count(tt.in); got != tt.want {
				t.Errorf("Count(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	t.Run("short text unchanged", func(t *testing.T) {
		if got := Truncate("hello", 10); got != "hello" {
			t.Errorf("expected 'hello', got %q", got)
		}
	})

	t.Run("long text cut", func(t *testing.T) {
		if got := Truncate("hello world", 5); got != "hello" {
			t.Errorf("expected 'hello', got %q", got)
		}
	})

	t.Run("cluster kept whole", func(t *testing.T) {
		if got := Truncate("Hi "+family+"!", 4); got != "Hi "+family {
			t.Errorf("expected emoji intact, got %q", got)
		}
	})

	t.Run("zero", func(t *testing.T) {
		if got := Truncate("hello", 0); got != "" {
			t.Errorf("expected empty, got %q", got)
		}
	})
}

func TestShorten(t *testing.T) {
	if got := Shorten("hello world", 6); got != "hello"+Ellipsis {
		t.Errorf("expected 'hello…', got %q", got)
	}
	if got := Shorten("hello", 5); got != "hello" {
		t.Errorf("expected 'hello', got %q", got)
	}
	if got := Count(Shorten("a much longer status line", 10)); got != 10 {
		t.Errorf("shortened text should be 10 clusters, got %d", got)
	}
}

func TestSanitize(t *testing.T) {
	if got := Sanitize("  Loja\x00 atualizada\n "); got != "Loja atualizada" {
		t.Errorf("unexpected sanitized text %q", got)
	}
	if got := Sanitize("line one\nline two"); got != "line one\nline two" {
		t.Errorf("newlines should be kept, got %q", got)
	}
}
