package sms

import "testing"

func TestNormalizeE164(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"5551234567", "+15551234567"},
		{"(555) 123-4567", "+15551234567"},
		{"15551234567", "+15551234567"},
		{"+15551234567", "+15551234567"},
		{"442071234567", "+442071234567"},
		{"", ""},
	}
	for _, c := range cases {
		if got := NormalizeE164(c.in); got != c.want {
			t.Errorf("NormalizeE164(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeE164Idempotent(t *testing.T) {
	inputs := []string{"5551234567", "15551234567", "+15551234567", "442071234567"}
	for _, in := range inputs {
		once := NormalizeE164(in)
		twice := NormalizeE164(once)
		if once != twice {
			t.Errorf("NormalizeE164 not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}
