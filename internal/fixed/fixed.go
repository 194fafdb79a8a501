// Package fixed implements Q16.16 fixed-point arithmetic for control-rate
// parameter math. All modulation values stay in this representation so that
// rounding is reproducible; conversion to float64 happens only at the
// synthesis-engine boundary.
package fixed

// Value is a signed Q16.16 fixed-point number: the real value times 65536.
type Value int32

const (
	// Shift is the number of fractional bits.
	Shift = 16
	// One is the fixed-point representation of 1.0.
	One Value = 1 << Shift
	// Half is the fixed-point representation of 0.5.
	Half Value = One / 2

	maxInput = 32767.0
	minInput = -32768.0

	// midiScale is One/127 rounded, so NormalizeMIDI(127) lands within a few
	// LSB of One.
	midiScale Value = 516

	bendCenter = 8192
)

// FromFloat converts a float to Q16.16. Inputs outside the representable
// range are clamped rather than wrapped.
func FromFloat(f float64) Value {
	if f > maxInput {
		f = maxInput
	} else if f < minInput {
		f = minInput
	}
	return Value(f * float64(One))
}

// FromInt converts an integer to Q16.16, clamping to the representable range.
func FromInt(i int) Value {
	if i > 32767 {
		i = 32767
	} else if i < -32768 {
		i = -32768
	}
	return Value(i) << Shift
}

// Float converts back to float64.
func (v Value) Float() float64 {
	return float64(v) / float64(One)
}

// Int truncates the fractional bits.
func (v Value) Int() int {
	return int(v >> Shift)
}

// Mul multiplies two Q16.16 values. A product that does not fit in 32 bits
// degrades to zero instead of wrapping; a mangled parameter must fall silent,
// not crash or screech.
func Mul(a, b Value) Value {
	p := (int64(a) * int64(b)) >> Shift
	if p > int64(1<<31-1) || p < int64(-1<<31) {
		return 0
	}
	return Value(p)
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi Value) Value {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Lerp interpolates between a and b by t in [0, One].
func Lerp(a, b, t Value) Value {
	return a + Mul(b-a, t)
}

// NormalizeMIDI maps a 7-bit MIDI value 0..127 onto 0..~1.0.
func NormalizeMIDI(v int) Value {
	if v < 0 {
		v = 0
	} else if v > 127 {
		v = 127
	}
	return Value(v) * midiScale
}

// NormalizePitchBend maps a 14-bit pitch bend value 0..16383 onto -1..1,
// centered exactly at 8192.
func NormalizePitchBend(v int) Value {
	if v < 0 {
		v = 0
	} else if v > 16383 {
		v = 16383
	}
	return Value(v-bendCenter) * 8
}
