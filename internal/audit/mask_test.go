package audit

import "testing"

func TestMaskIP(t *testing.T) {
	cases := map[string]string{
		"203.0.113.55":          "203.0.113.xxx",
		"10.0.0.1":              "10.0.0.xxx",
		"2001:db8:1:2:3:4:5:6":  "2001:db8:1:2::xxxx",
		"2001:0db8:0:0:0:0:0:1": "2001:db8:0:0::xxxx",
		"::ffff:198.51.100.7":   "::ffff:198.51.100.xxx",
		"[2001:db8::1]":         "2001:db8:0:0::xxxx",
		"fe80::1%eth0":          "fe80:0:0:0::xxxx",
		"":                      "",
		"not-an-ip":             "invalid",
	}
	for in, want := range cases {
		if got := MaskIP(in); got != want {
			t.Errorf("MaskIP(%q) = %q, want %q", in, got, want)
		}
	}
}
