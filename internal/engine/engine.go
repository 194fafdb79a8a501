// Package engine defines the boundary to the synthesis backend. The core
// resolves parameter values and drives note lifecycle through this
// interface; it never observes sample rendering directly.
package engine

import "github.com/cbegin/mpesynth-go/internal/fixed"

// NoteID is an opaque handle to a backend note object. Zero means no note.
type NoteID int

// EnvelopeState reports where a note sits in its amplitude envelope.
type EnvelopeState int

const (
	EnvOff EnvelopeState = iota
	EnvAttack
	EnvDecay
	EnvSustain
	EnvRelease
)

// Sounding reports whether the note contributes to the active-note count.
// Releasing notes are still audible but no longer count for polyphony.
func (s EnvelopeState) Sounding() bool {
	return s == EnvAttack || s == EnvDecay || s == EnvSustain
}

// Param is the closed set of note parameters the core may update after
// creation. Config parameter names are validated against this set at
// instrument-load time.
type Param int

const (
	ParamFrequency Param = iota
	ParamAmplitude
	ParamBend
	ParamPanning
	ParamWaveform
	ParamMorph
	ParamFilterFrequency
	ParamFilterResonance
	ParamRingFrequency
	ParamRingBend
	ParamRingMorph
	ParamAttackTime
	ParamDecayTime
	ParamReleaseTime
	ParamAttackLevel
	ParamSustainLevel
	ParamPressure
)

var paramNames = map[string]Param{
	"frequency":        ParamFrequency,
	"amplitude":        ParamAmplitude,
	"bend":             ParamBend,
	"panning":          ParamPanning,
	"waveform":         ParamWaveform,
	"morph":            ParamMorph,
	"filter_frequency": ParamFilterFrequency,
	"filter_resonance": ParamFilterResonance,
	"ring_frequency":   ParamRingFrequency,
	"ring_bend":        ParamRingBend,
	"ring_morph":       ParamRingMorph,
	"attack_time":      ParamAttackTime,
	"decay_time":       ParamDecayTime,
	"release_time":     ParamReleaseTime,
	"attack_level":     ParamAttackLevel,
	"sustain_level":    ParamSustainLevel,
	"pressure":         ParamPressure,
}

// ParseParam resolves a config parameter name. Unknown names are a
// configuration error and must be rejected at load time, not at play time.
func ParseParam(name string) (Param, bool) {
	p, ok := paramNames[name]
	return p, ok
}

func (p Param) String() string {
	for name, v := range paramNames {
		if v == p {
			return name
		}
	}
	return "unknown"
}

type FilterType int

const (
	FilterNone FilterType = iota
	FilterLowPass
	FilterHighPass
	FilterBandPass
	FilterNotch
)

func ParseFilterType(name string) FilterType {
	switch name {
	case "low_pass":
		return FilterLowPass
	case "high_pass":
		return FilterHighPass
	case "band_pass":
		return FilterBandPass
	case "notch":
		return FilterNotch
	}
	return FilterNone
}

// Envelope holds ADSR settings in seconds and levels in 0..1.
type Envelope struct {
	AttackTime   fixed.Value
	DecayTime    fixed.Value
	ReleaseTime  fixed.Value
	AttackLevel  fixed.Value
	SustainLevel fixed.Value
}

type Filter struct {
	Type      FilterType
	Frequency fixed.Value
	Resonance fixed.Value
}

// Ring configures the ring modulation oscillator.
type Ring struct {
	Frequency fixed.Value
	Bend      fixed.Value
	Waveform  string
}

// NoteParams carries everything needed to construct a note. Nil optional
// sections mean the backend's defaults (instant on/off envelope, no filter,
// no ring mod).
type NoteParams struct {
	Frequency fixed.Value
	Amplitude fixed.Value
	Waveform  string
	Envelope  *Envelope
	Filter    *Filter
	Ring      *Ring
}

// Engine is the synthesis backend contract.
//
// CreateNote constructs a note without sounding it; the note starts when it
// appears in a ChangeAtomic press list. ChangeAtomic applies releases and
// presses as one indivisible operation so a voice steal never leaves the
// backend with neither or both notes active.
type Engine interface {
	CreateNote(p NoteParams) NoteID
	ChangeAtomic(release, press []NoteID)
	UpdateNote(id NoteID, param Param, v fixed.Value)
	EnvelopeState(id NoteID) EnvelopeState
}
