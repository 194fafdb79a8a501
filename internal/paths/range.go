package paths

import (
	"math"

	"github.com/cbegin/mpesynth-go/internal/fixed"
)

// MidiRange maps 7-bit MIDI values onto a declared parameter range through a
// precomputed 128-entry table. Lookup is a bounds check and an array index.
type MidiRange struct {
	Min, Max fixed.Value
	Integer  bool
	table    [128]fixed.Value
}

// NewMidiRange builds the table from the declared float endpoints. Each
// entry quantizes once, straight from the interpolated float, so the table
// tracks the ideal line within one fixed-point step.
func NewMidiRange(lo, hi float64, integer bool) *MidiRange {
	r := &MidiRange{
		Min:     fixed.FromFloat(lo),
		Max:     fixed.FromFloat(hi),
		Integer: integer,
	}
	for i := 0; i < 128; i++ {
		v := lo + (float64(i)/127.0)*(hi-lo)
		if integer {
			v = math.Trunc(v)
		}
		r.table[i] = fixed.FromFloat(v)
	}
	return r
}

// Lookup converts a MIDI value 0..127. Out-of-range input clamps to the
// nearest endpoint rather than failing; a wild CC byte must not glitch.
func (r *MidiRange) Lookup(v int) fixed.Value {
	if v < 0 {
		v = 0
	} else if v > 127 {
		v = 127
	}
	return r.table[v]
}

// LookupBend converts a raw 14-bit pitch bend value 0..16383, centered at
// 8192, into the range. 8192 maps to the exact midpoint. Bend stays
// continuous even for integer ranges; the integer cast applies only to the
// 7-bit table, a stepped bend would be audible.
func (r *MidiRange) LookupBend(raw int) fixed.Value {
	norm := fixed.NormalizePitchBend(raw)
	t := (norm + fixed.One) / 2
	return fixed.Lerp(r.Min, r.Max, t)
}

// noteFreq holds equal-tempered frequencies for all 128 MIDI notes,
// referenced to A4 = MIDI note 69 = 440 Hz.
var noteFreq [128]fixed.Value

func init() {
	for n := 0; n < 128; n++ {
		f := 440.0 * math.Pow(2, float64(n-69)/12.0)
		noteFreq[n] = fixed.FromFloat(f)
	}
}

// NoteFrequency returns the frequency in Hz for a MIDI note number.
func NoteFrequency(note int) fixed.Value {
	if note < 0 || note > 127 {
		return 0
	}
	return noteFreq[note]
}
