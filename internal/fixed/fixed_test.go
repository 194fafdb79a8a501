package fixed

import (
	"math"
	"testing"
)

func TestFromFloatRoundTrip(t *testing.T) {
	cases := []float64{0, 1, -1, 0.5, -0.5, 440, 123.456, -32768, 32767}
	for _, f := range cases {
		got := FromFloat(f).Float()
		if math.Abs(got-f) > 1.0/65536 {
			t.Errorf("FromFloat(%f).Float() = %f, want within 1 LSB", f, got)
		}
	}
}

func TestFromFloatClampsRange(t *testing.T) {
	if got := FromFloat(1e9); got != FromFloat(32767) {
		t.Errorf("positive overflow should clamp to max input, got %d", got)
	}
	if got := FromFloat(-1e9); got != FromFloat(-32768) {
		t.Errorf("negative overflow should clamp to min input, got %d", got)
	}
}

func TestMul(t *testing.T) {
	cases := []struct {
		a, b, want float64
	}{
		{1, 1, 1},
		{0.5, 0.5, 0.25},
		{2, 3, 6},
		{-2, 3, -6},
		{0, 440, 0},
	}
	for _, c := range cases {
		got := Mul(FromFloat(c.a), FromFloat(c.b)).Float()
		if math.Abs(got-c.want) > 0.001 {
			t.Errorf("Mul(%f, %f) = %f, want %f", c.a, c.b, got, c.want)
		}
	}
}

func TestMulOverflowDegradesToZero(t *testing.T) {
	big := FromFloat(30000)
	if got := Mul(big, big); got != 0 {
		t.Errorf("overflowing multiply should return 0, got %d", got)
	}
}

func TestNormalizeMIDI(t *testing.T) {
	if got := NormalizeMIDI(0); got != 0 {
		t.Errorf("NormalizeMIDI(0) = %d, want 0", got)
	}
	if got := NormalizeMIDI(127).Float(); math.Abs(got-1.0) > 0.01 {
		t.Errorf("NormalizeMIDI(127) = %f, want ~1.0", got)
	}
	if got := NormalizeMIDI(64).Float(); math.Abs(got-0.5) > 0.01 {
		t.Errorf("NormalizeMIDI(64) = %f, want ~0.5", got)
	}
	// Out-of-range values clamp instead of wrapping.
	if got := NormalizeMIDI(200); got != NormalizeMIDI(127) {
		t.Errorf("NormalizeMIDI(200) = %d, want clamp to 127", got)
	}
	if got := NormalizeMIDI(-5); got != 0 {
		t.Errorf("NormalizeMIDI(-5) = %d, want 0", got)
	}
}

func TestNormalizePitchBendCentering(t *testing.T) {
	if got := NormalizePitchBend(8192); got != 0 {
		t.Fatalf("NormalizePitchBend(8192) = %d, want exactly 0", got)
	}
	if got := NormalizePitchBend(0).Float(); math.Abs(got-(-1.0)) > 0.001 {
		t.Errorf("NormalizePitchBend(0) = %f, want ~-1.0", got)
	}
	if got := NormalizePitchBend(16383).Float(); math.Abs(got-1.0) > 0.001 {
		t.Errorf("NormalizePitchBend(16383) = %f, want ~1.0", got)
	}
}

func TestClamp(t *testing.T) {
	lo, hi := FromInt(-1), FromInt(1)
	if got := Clamp(FromInt(5), lo, hi); got != hi {
		t.Errorf("Clamp above = %d, want %d", got, hi)
	}
	if got := Clamp(FromInt(-5), lo, hi); got != lo {
		t.Errorf("Clamp below = %d, want %d", got, lo)
	}
	if got := Clamp(0, lo, hi); got != 0 {
		t.Errorf("Clamp inside = %d, want 0", got)
	}
}

func TestLerp(t *testing.T) {
	a, b := FromInt(20), FromInt(20000)
	if got := Lerp(a, b, 0); got != a {
		t.Errorf("Lerp t=0 = %d, want %d", got, a)
	}
	if got := Lerp(a, b, One); got != b {
		t.Errorf("Lerp t=1 = %d, want %d", got, b)
	}
	mid := Lerp(a, b, Half).Float()
	if math.Abs(mid-10010) > 0.5 {
		t.Errorf("Lerp midpoint = %f, want 10010", mid)
	}
}
