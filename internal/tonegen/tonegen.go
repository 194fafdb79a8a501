// Package tonegen is the default synthesis backend: a small
// oscillator/filter/envelope voice chain behind the engine boundary. The
// control loop drives it through engine.Engine; the audio callback pulls
// stereo frames through Process. It aims for a usable monitoring tone, not
// DSP fidelity.
package tonegen

import (
	"math"
	"sync"

	"github.com/cbegin/mpesynth-go/internal/engine"
	"github.com/cbegin/mpesynth-go/internal/fixed"
	"github.com/cbegin/mpesynth-go/internal/wavetable"
)

const twoPi = math.Pi * 2

type envState int

const (
	envOff envState = iota
	envAttack
	envDecay
	envSustain
	envRelease
)

type note struct {
	id engine.NoteID

	freq      float64
	bend      float64 // semitones
	amplitude float64
	pan       float64 // -1..1
	morph     float64

	table    []float64
	phase    float64
	waveform string

	pressed      bool
	hasEnv       bool
	env          float64
	envState     envState
	attackSec    float64
	decaySec     float64
	releaseSec   float64
	attackLevel  float64
	sustainLevel float64

	filterKind engine.FilterType
	cutoff     float64
	resonance  float64
	lp         float64
	bp         float64

	ringOn    bool
	ringFreq  float64
	ringBend  float64
	ringPhase float64
	ringTable []float64
}

// Engine renders every live note into one stereo stream. Control methods
// and Process run on different goroutines; the mutex keeps parameter
// updates out of the middle of a frame.
type Engine struct {
	mu         sync.Mutex
	sampleRate float64
	cache      *wavetable.Cache
	notes      map[engine.NoteID]*note
	nextID     engine.NoteID
	morphSeq   []string
	masterGain float64
}

func New(sampleRate int) *Engine {
	return &Engine{
		sampleRate: float64(sampleRate),
		cache:      wavetable.NewCache(),
		notes:      make(map[engine.NoteID]*note),
		masterGain: 0.4,
	}
}

// SetMorphSequence installs the waveform list the morph parameter sweeps
// across. Cached tables from a previous instrument are dropped.
func (e *Engine) SetMorphSequence(seq []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.morphSeq = append([]string(nil), seq...)
	e.cache.Clear()
}

func (e *Engine) SetMasterGain(gain float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gain < 0 {
		gain = 0
	}
	e.masterGain = gain
}

// CreateNote builds a silent note. It starts sounding when a ChangeAtomic
// press names it.
func (e *Engine) CreateNote(p engine.NoteParams) engine.NoteID {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	n := &note{
		id:        e.nextID,
		freq:      p.Frequency.Float(),
		amplitude: p.Amplitude.Float(),
		waveform:  p.Waveform,
		table:     e.cache.Get(p.Waveform, wavetable.DefaultSize),
		envState:  envOff,
	}
	if p.Envelope != nil {
		n.hasEnv = true
		n.attackSec = p.Envelope.AttackTime.Float()
		n.decaySec = p.Envelope.DecayTime.Float()
		n.releaseSec = p.Envelope.ReleaseTime.Float()
		n.attackLevel = p.Envelope.AttackLevel.Float()
		n.sustainLevel = p.Envelope.SustainLevel.Float()
	}
	if p.Filter != nil {
		n.filterKind = p.Filter.Type
		n.cutoff = p.Filter.Frequency.Float()
		n.resonance = p.Filter.Resonance.Float()
	}
	if p.Ring != nil {
		n.ringOn = true
		n.ringFreq = p.Ring.Frequency.Float()
		n.ringBend = p.Ring.Bend.Float()
		n.ringTable = e.cache.Get(p.Ring.Waveform, wavetable.DefaultSize)
	}
	e.notes[n.id] = n
	return n.id
}

// ChangeAtomic applies releases and presses under one lock so a voice
// steal swaps notes between two audio frames, never inside one.
func (e *Engine) ChangeAtomic(release, press []engine.NoteID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range release {
		n := e.notes[id]
		if n == nil || n.envState == envOff {
			continue
		}
		if n.hasEnv {
			n.envState = envRelease
		} else {
			n.envState = envOff
			n.env = 0
		}
	}
	for _, id := range press {
		n := e.notes[id]
		if n == nil {
			continue
		}
		n.pressed = true
		if n.hasEnv {
			n.envState = envAttack
			n.env = 0
		} else {
			// Instant on when no envelope is declared.
			n.envState = envSustain
			n.env = 1
		}
	}
}

func (e *Engine) UpdateNote(id engine.NoteID, param engine.Param, v fixed.Value) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.notes[id]
	if n == nil {
		return
	}
	f := v.Float()
	switch param {
	case engine.ParamFrequency:
		n.freq = f
	case engine.ParamBend:
		n.bend = f
	case engine.ParamAmplitude, engine.ParamPressure:
		n.amplitude = f
	case engine.ParamPanning:
		n.pan = clamp(f*2-1, -1, 1)
	case engine.ParamMorph:
		n.morph = clamp(f, 0, 1)
		n.table = e.morphTable(n.waveform, n.morph)
	case engine.ParamFilterFrequency:
		n.cutoff = f
	case engine.ParamFilterResonance:
		n.resonance = f
	case engine.ParamRingFrequency:
		n.ringFreq = f
	case engine.ParamRingBend:
		n.ringBend = f
	case engine.ParamRingMorph:
		if n.ringOn {
			n.ringTable = e.morphTable("", clamp(f, 0, 1))
		}
	case engine.ParamAttackTime:
		n.attackSec = f
	case engine.ParamDecayTime:
		n.decaySec = f
	case engine.ParamReleaseTime:
		n.releaseSec = f
	case engine.ParamAttackLevel:
		n.attackLevel = f
	case engine.ParamSustainLevel:
		n.sustainLevel = f
	}
}

func (e *Engine) EnvelopeState(id engine.NoteID) engine.EnvelopeState {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.notes[id]
	if n == nil {
		return engine.EnvOff
	}
	switch n.envState {
	case envAttack:
		return engine.EnvAttack
	case envDecay:
		return engine.EnvDecay
	case envSustain:
		return engine.EnvSustain
	case envRelease:
		return engine.EnvRelease
	}
	return engine.EnvOff
}

// NoteCount returns the number of live note objects, silent ones included.
func (e *Engine) NoteCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.notes)
}

// Process fills dst with interleaved stereo float32 frames.
func (e *Engine) Process(dst []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	frames := len(dst) / 2
	for f := 0; f < frames; f++ {
		var l, r float64
		for _, n := range e.notes {
			sig, ok := e.renderNote(n)
			if !ok {
				delete(e.notes, n.id)
				continue
			}
			angle := (n.pan + 1) / 2 * (math.Pi / 2)
			l += sig * math.Cos(angle)
			r += sig * math.Sin(angle)
		}
		dst[2*f] = float32(clamp(l*e.masterGain, -1, 1))
		dst[2*f+1] = float32(clamp(r*e.masterGain, -1, 1))
	}
}

// renderNote produces one mono sample and advances the note. Returns
// ok=false once the note has fully faded and can be destroyed.
func (e *Engine) renderNote(n *note) (float64, bool) {
	if n.envState == envOff {
		// Created but never pressed notes stay parked until a press names
		// them; faded-out notes are destroyed.
		return 0, !n.pressed
	}
	e.advanceEnv(n)
	if n.envState == envOff && n.env == 0 {
		return 0, false
	}

	sig := lookup(n.table, n.phase)
	freq := n.freq * math.Pow(2, n.bend/12)
	n.phase += freq * float64(len(n.table)) / e.sampleRate
	n.phase = wrap(n.phase, float64(len(n.table)))

	if n.ringOn && len(n.ringTable) > 0 {
		sig *= lookup(n.ringTable, n.ringPhase)
		rf := n.ringFreq * math.Pow(2, n.ringBend/12)
		n.ringPhase += rf * float64(len(n.ringTable)) / e.sampleRate
		n.ringPhase = wrap(n.ringPhase, float64(len(n.ringTable)))
	}

	sig *= n.env * n.amplitude

	if n.filterKind != engine.FilterNone && n.cutoff > 0 {
		sig = n.filter(sig, e.sampleRate)
	}
	return sig, true
}

func (e *Engine) advanceEnv(n *note) {
	switch n.envState {
	case envAttack:
		step := 1.0 / (n.attackSec * e.sampleRate)
		if step <= 0 {
			step = 1
		}
		n.env += step
		peak := n.attackLevel
		if peak <= 0 {
			peak = 1
		}
		if n.env >= peak {
			n.env = peak
			n.envState = envDecay
		}
	case envDecay:
		step := (n.attackLevel - n.sustainLevel) / (n.decaySec * e.sampleRate)
		if step <= 0 {
			step = 1
		}
		n.env -= step
		if n.env <= n.sustainLevel {
			n.env = n.sustainLevel
			n.envState = envSustain
		}
	case envSustain:
		n.env = n.sustainLevel
		if !n.hasEnv {
			n.env = 1
		}
	case envRelease:
		step := n.sustainLevel / (n.releaseSec * e.sampleRate)
		if step <= 0 {
			step = 1
		}
		n.env -= step
		if n.env <= 0.0001 {
			n.env = 0
			n.envState = envOff
		}
	}
}

// filter runs a state-variable lowpass core; the other modes are derived
// from its taps.
func (n *note) filter(in, sampleRate float64) float64 {
	f := 2 * math.Sin(math.Pi*math.Min(n.cutoff, sampleRate/2)/sampleRate)
	q := 1.0
	if n.resonance > 0.01 {
		q = 1.0 / n.resonance
	}
	hp := in - n.lp - q*n.bp
	n.bp += f * hp
	n.lp += f * n.bp
	switch n.filterKind {
	case engine.FilterHighPass:
		return hp
	case engine.FilterBandPass:
		return n.bp
	case engine.FilterNotch:
		return hp + n.lp
	default:
		return n.lp
	}
}

// morphTable resolves a morph position against the installed waveform
// sequence, falling back to the note's own waveform when none is set.
func (e *Engine) morphTable(base string, pos float64) []float64 {
	seq := e.morphSeq
	if len(seq) == 0 {
		if base == "" {
			base = "sine"
		}
		return e.cache.Get(base, wavetable.DefaultSize)
	}
	if len(seq) == 1 {
		return e.cache.Get(seq[0], wavetable.DefaultSize)
	}
	span := pos * float64(len(seq)-1)
	i := int(span)
	if i >= len(seq)-1 {
		return e.cache.Get(seq[len(seq)-1], wavetable.DefaultSize)
	}
	return e.cache.Morph(seq[i], seq[i+1], wavetable.DefaultSize, span-float64(i))
}

func lookup(table []float64, phase float64) float64 {
	idx := math.Floor(phase)
	frac := phase - idx
	i0 := int(idx) % len(table)
	if i0 < 0 {
		i0 += len(table)
	}
	i1 := (i0 + 1) % len(table)
	return table[i0]*(1-frac) + table[i1]*frac
}

func wrap(phase, limit float64) float64 {
	for phase >= limit {
		phase -= limit
	}
	for phase < 0 {
		phase += limit
	}
	return phase
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
