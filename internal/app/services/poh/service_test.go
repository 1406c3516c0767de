package poh

import "testing"

func TestCalculateMultiplier(t *testing.T) {
	cases := []struct {
		duration float64
		want     float64
	}{
		{0, 0},
		{-5, 0},
		{35, 1},
		{17.5, 2},
		{1, 20}, // 35/1 = 35, clamped to 20
	}
	for _, c := range cases {
		got := calculateMultiplier(c.duration)
		if got != c.want {
			t.Errorf("calculateMultiplier(%v) = %v, want %v", c.duration, got, c.want)
		}
	}
}

func TestIsHex64(t *testing.T) {
	valid := ""
	for i := 0; i < 64; i++ {
		valid += "a"
	}
	if !isHex64(valid) {
		t.Fatalf("expected 64 hex chars to validate")
	}
	if isHex64(valid[:63]) {
		t.Fatalf("expected short hash to be rejected")
	}
	if isHex64("zz" + valid[2:]) {
		t.Fatalf("expected non-hex characters to be rejected")
	}
}

func TestRandomHexLength(t *testing.T) {
	s, err := randomHex(16)
	if err != nil {
		t.Fatalf("randomHex: %v", err)
	}
	if len(s) != 32 {
		t.Fatalf("expected 32 hex chars for 16 bytes, got %d", len(s))
	}
}
