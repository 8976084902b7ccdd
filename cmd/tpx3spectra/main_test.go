package main

import "testing"

func TestIsPacketIDVersion(t *testing.T) {
	cases := map[string]bool{
		"3.20": true,
		"3.21": true,
		"4.0":  true,
		"3.19": false,
		"3.2":  false,
		"2.99": false,
		"junk": false,
	}

	for in, want := range cases {
		if got := isPacketIDVersion(in); got != want {
			t.Errorf("isPacketIDVersion(%q) = %v, want %v", in, got, want)
		}
	}
}
