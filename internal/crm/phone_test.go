package crm

import (
	"strings"
	"testing"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"5551234567", "+15551234567"},
		{"555-123-4567", "+15551234567"},
		{"(555) 123-4567", "+15551234567"},
		{"+15551234567", "+15551234567"},
		{"15551234567", "+15551234567"},
		{"+44 20 7946 0958", "+442079460958"},
		{"1234567", "+1234567"},
		{"123456789012", "+123456789012"},
	}

	for _, tt := range tests {
		if got := NormalizePhone(tt.in); got != tt.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizePhoneLength(t *testing.T) {
	digits := "98765432101234"
	for n := 1; n <= len(digits); n++ {
		in := digits[:n]
		got := NormalizePhone(in)

		if !strings.HasPrefix(got, "+") {
			t.Fatalf("NormalizePhone(%q) = %q, missing +", in, got)
		}
		wantLen := n + 1
		if n == 10 {
			wantLen = n + 2
			if got[1] != '1' {
				t.Errorf("NormalizePhone(%q) = %q, want country code 1", in, got)
			}
		}
		if len(got) != wantLen {
			t.Errorf("NormalizePhone(%q) = %q, length %d want %d", in, got, len(got), wantLen)
		}
	}
}

func TestDigits(t *testing.T) {
	if got := Digits(" +1 (555) 123-4567 ext."); got != "15551234567" {
		t.Errorf("Digits = %q", got)
	}
	if got := Digits("no digits"); got != "" {
		t.Errorf("Digits = %q, want empty", got)
	}
}

func TestPhoneFormats(t *testing.T) {
	formats := phoneFormats("15551234567")
	want := []string{
		"+15551234567",
		"15551234567",
		"+1 555 123 4567",
		"(555) 123-4567",
		"(555)123-4567",
		"555.123.4567",
		"+1-555-123-4567",
		"555-123-4567",
	}

	if len(formats) != len(want) {
		t.Fatalf("phoneFormats = %q, want %q", formats, want)
	}
	for i := range want {
		if formats[i] != want[i] {
			t.Errorf("format[%d] = %q, want %q", i, formats[i], want[i])
		}
	}
}

func TestPhoneFormatsTenDigits(t *testing.T) {
	formats := phoneFormats("555 123 4567")
	has := func(f string) bool {
		for _, got := range formats {
			if got == f {
				return true
			}
		}
		return false
	}

	for _, f := range []string{"+5551234567", "5551234567", "+1 555 123 4567", "+15551234567", "555-123-4567"} {
		if !has(f) {
			t.Errorf("phoneFormats missing %q in %q", f, formats)
		}
	}

	seen := map[string]bool{}
	for _, f := range formats {
		if seen[f] {
			t.Errorf("duplicate format %q", f)
		}
		seen[f] = true
	}
}

func TestPhoneFormatsShortNumber(t *testing.T) {
	formats := phoneFormats("12345")
	if len(formats) != 2 || formats[0] != "+12345" || formats[1] != "12345" {
		t.Fatalf("phoneFormats = %q", formats)
	}
}

func TestPhoneClause(t *testing.T) {
	clause := phoneClause([]string{"+1555", "o'brien"})
	want := `Phone LIKE '%+1555' OR Phone LIKE '+1555%' OR Phone LIKE '%o\'brien' OR Phone LIKE 'o\'brien%'`
	if clause != want {
		t.Fatalf("phoneClause = %s\nwant %s", clause, want)
	}
}
