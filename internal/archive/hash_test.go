package archive

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  Hello   World ", "hello world"},
		{"x\t+\n1", "x + 1"},
		{"ＡＢＣ１２３", "abc123"}, // full-width
		{"Straße", "strasse"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestContentHash(t *testing.T) {
	base := ContentHash("Math", "What is 2+2?", "4")
	if len(base) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(base))
	}

	same := []struct{ subject, text, answer string }{
		{"math", "what is 2+2?", "4"},
		{" MATH ", "What  is 2+2?", " 4"},
	}
	for _, s := range same {
		if got := ContentHash(s.subject, s.text, s.answer); got != base {
			t.Errorf("ContentHash(%q, %q, %q) differs from equivalent input", s.subject, s.text, s.answer)
		}
	}

	different := []struct{ subject, text, answer string }{
		{"physics", "What is 2+2?", "4"},
		{"Math", "What is 2+2?", "5"},
		// Field boundaries matter.
		{"Math What", "is 2+2?", "4"},
	}
	for _, d := range different {
		if got := ContentHash(d.subject, d.text, d.answer); got == base {
			t.Errorf("ContentHash(%q, %q, %q) collides with base", d.subject, d.text, d.answer)
		}
	}
}
