//go:build linux

package classic

import "testing"

func TestParseBDAddr(t *testing.T) {
	got, err := parseBDAddr("AA:BB:CC:DD:EE:01")
	if err != nil {
		t.Fatalf("parseBDAddr() error = %v", err)
	}
	want := [6]uint8{0x01, 0xEE, 0xDD, 0xCC, 0xBB, 0xAA}
	if got != want {
		t.Errorf("parseBDAddr() = % x, want % x", got, want)
	}

	for _, bad := range []string{"", "AA:BB:CC", "zz:BB:CC:DD:EE:FF", "AA:BB:CC:DD:EE:FF:00"} {
		if _, err := parseBDAddr(bad); err == nil {
			t.Errorf("parseBDAddr(%q) should fail", bad)
		}
	}
}
