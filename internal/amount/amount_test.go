package amount

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"RUB -10,000.00", "10000"},
		{"RUB 1 500,50", "1500.5"},
		{"RUB 1.500,50", "1500.5"},
		{"RUB 2,500.75", "2500.75"},
		{"USD 42", "42"},
		{"-3 000", "3000"},
		{"RUB 0,99", "0.99"},
	}
	for _, tc := range cases {
		got := Parse(tc.in)
		if got == nil {
			t.Fatalf("Parse(%q) = nil, want %s", tc.in, tc.want)
		}
		if got.String() != tc.want {
			t.Errorf("Parse(%q) = %s, want %s", tc.in, got.String(), tc.want)
		}
	}
}

func TestParseUnparseable(t *testing.T) {
	for _, in := range []string{"garbage", "", "RUB", "— —", ", ."} {
		if got := Parse(in); got != nil {
			t.Errorf("Parse(%q) = %s, want nil", in, got.String())
		}
	}
}
