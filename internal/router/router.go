// Package router is the control-flow hub: normalized MIDI events come in,
// get filtered and converted through the instrument's compiled path table,
// and fan out into the modulation matrix, the voice pool, and per-note
// state. All methods must be called from the single control-loop goroutine.
package router

import (
	"errors"
	"strings"
	"time"

	"github.com/cbegin/mpesynth-go/internal/engine"
	"github.com/cbegin/mpesynth-go/internal/fixed"
	"github.com/cbegin/mpesynth-go/internal/lfo"
	"github.com/cbegin/mpesynth-go/internal/modmatrix"
	"github.com/cbegin/mpesynth-go/internal/notes"
	"github.com/cbegin/mpesynth-go/internal/paths"
	"github.com/cbegin/mpesynth-go/internal/pool"
)

type EventType int

const (
	EventNoteOn EventType = iota
	EventNoteOff
	EventCC
	EventPitchBend
	EventPressure
)

// Event is the normalized MIDI message shape consumed by the router.
// Value holds the CC value (0..127), channel pressure (0..127), or raw
// 14-bit pitch bend (0..16383) depending on Type.
type Event struct {
	Type       EventType
	Channel    int
	Note       int
	Velocity   int
	Controller int
	Value      int
}

// LFOConfig defines the instrument's global LFO and its modulation route.
type LFOConfig struct {
	RateHz   float64
	Depth    float64
	Waveform int
	Target   modmatrix.Target
	Amount   fixed.Value
	Curve    modmatrix.Curve
}

// Instrument is the read-only configuration installed at instrument-change
// time: the compiled path table, the per-note route config, default
// modulation routes, and performance flags.
type Instrument struct {
	Name       string
	Paths      *paths.Config
	Notes      *notes.Config
	Modulation []modmatrix.Route
	LFO        *LFOConfig

	PitchBendEnabled    bool
	PitchBendRange      fixed.Value // semitones
	PressureEnabled     bool
	PressureSensitivity fixed.Value

	// SustainTimeout, when set, force-releases notes that have been held
	// in their sustain stage this long.
	SustainTimeout time.Duration
}

// Change-significance thresholds for continuous controllers. Smaller
// wiggles are absorbed to keep the update rate bounded.
const (
	bendThreshold     = 64 // 14-bit
	pressureThreshold = 2
	timbreThreshold   = 2
	timbreCC          = 74
)

type lastValues struct {
	bend     int
	pressure int
	timbre   int
}

// Router wires the full control path for one instrument.
type Router struct {
	eng    engine.Engine
	pool   *pool.Pool
	notes  *notes.Manager
	matrix *modmatrix.Matrix
	inst   *Instrument
	osc    *lfo.LFO

	globals map[engine.Param]fixed.Value
	last    map[int]*lastValues

	tickHz float64
	now    func() time.Time
}

// New builds a router driving eng with poolSize voices. tickHz is the
// control-loop update rate, used to advance the LFO.
func New(eng engine.Engine, poolSize int, tickHz float64) *Router {
	return &Router{
		eng:     eng,
		pool:    pool.New(eng, poolSize),
		notes:   notes.NewManager(),
		matrix:  modmatrix.New(),
		globals: make(map[engine.Param]fixed.Value),
		last:    make(map[int]*lastValues),
		tickHz:  tickHz,
		now:     time.Now,
	}
}

// Pool exposes the voice pool for inspection.
func (r *Router) Pool() *pool.Pool { return r.pool }

// Notes exposes the note-state manager for inspection.
func (r *Router) Notes() *notes.Manager { return r.notes }

// Matrix exposes the modulation matrix.
func (r *Router) Matrix() *modmatrix.Matrix { return r.matrix }

var errIncompleteInstrument = errors.New("instrument must declare paths, routes, and parameters")

// SetInstrument validates and installs a new instrument. On error nothing
// changes and the previous instrument stays active. On success all voices
// are released and the matrix is rebuilt from the instrument's defaults.
func (r *Router) SetInstrument(inst *Instrument) error {
	if inst == nil || inst.Paths == nil || len(inst.Paths.Routes) == 0 {
		return errIncompleteInstrument
	}
	if inst.Notes == nil || len(inst.Notes.Routes) == 0 || len(inst.Notes.Combine) == 0 {
		return errIncompleteInstrument
	}

	r.pool.ReleaseAll()
	r.inst = inst
	r.notes.SetConfig(inst.Notes)
	r.matrix.Clear()
	for _, mr := range inst.Modulation {
		r.matrix.AddRoute(mr)
	}
	r.osc = nil
	if inst.LFO != nil {
		r.osc = &lfo.LFO{}
		r.osc.Set(inst.LFO.Depth, inst.LFO.RateHz, inst.LFO.Waveform)
		amount := inst.LFO.Amount
		if amount == 0 {
			amount = fixed.One
		}
		r.matrix.AddRoute(modmatrix.Route{
			Source: modmatrix.SrcLFO1,
			Target: inst.LFO.Target,
			Amount: amount,
			Curve:  inst.LFO.Curve,
		})
	}
	r.globals = make(map[engine.Param]fixed.Value)
	r.globals[engine.ParamRingFrequency] = fixed.FromInt(20)
	r.last = make(map[int]*lastValues)
	return nil
}

// Handle routes one event. Events of types with no registered path trigger
// are dropped; malformed values clamp or no-op, never fail.
func (r *Router) Handle(ev Event) {
	if r.inst == nil {
		return
	}
	if !r.significant(ev) {
		return
	}
	switch ev.Type {
	case EventNoteOn:
		if ev.Velocity == 0 {
			r.noteOff(ev.Channel, ev.Note)
			return
		}
		r.noteOn(ev)
	case EventNoteOff:
		r.noteOff(ev.Channel, ev.Note)
	case EventCC:
		if r.inst.Paths.Accepts(paths.TrigCC, ev.Controller) {
			r.controlChange(ev)
		}
	case EventPitchBend:
		if r.inst.PitchBendEnabled && r.inst.Paths.Accepts(paths.TrigPitchBend, 0) {
			r.pitchBend(ev)
		}
	case EventPressure:
		if r.inst.PressureEnabled && r.inst.Paths.Accepts(paths.TrigPressure, 0) {
			r.pressure(ev)
		}
	}
}

// Update runs one control tick: advance the LFO, push modulated targets to
// sounding voices, expire sustain timers, and sweep dead note states.
func (r *Router) Update() {
	if r.inst == nil {
		return
	}
	if r.osc != nil && r.osc.Active() {
		v := r.osc.Sample(r.tickHz)
		r.matrix.SetSourceValue(modmatrix.SrcLFO1, 0, fixed.FromFloat(v))
	}
	targets := r.matrix.Targets()
	if len(targets) > 0 {
		r.pool.ForEachActive(func(vo *pool.Voice) {
			for _, tgt := range targets {
				val := r.matrix.TargetValue(tgt, vo.Channel)
				if val == 0 {
					continue
				}
				if param, ok := matrixParam(tgt); ok {
					r.eng.UpdateNote(vo.Note, param, val)
				}
			}
		})
	}
	if r.inst.SustainTimeout > 0 {
		t := r.now()
		var expired []*pool.Voice
		r.pool.ForEachActive(func(vo *pool.Voice) {
			st := r.notes.Get(vo.Channel, vo.NoteNumber)
			if st == nil || !st.Active() {
				return
			}
			if t.Sub(st.Created()) >= r.inst.SustainTimeout &&
				r.eng.EnvelopeState(vo.Note) == engine.EnvSustain {
				expired = append(expired, vo)
			}
		})
		for _, vo := range expired {
			r.noteOff(vo.Channel, vo.NoteNumber)
		}
	}
	r.notes.Cleanup()
}

func (r *Router) noteOn(ev Event) {
	if !r.inst.Paths.Accepts(paths.TrigNoteOn, 0) {
		return
	}
	// MPE: one note per channel. The pool releases the old voice on press;
	// its note state has to follow.
	if prev := r.notes.ByChannel(ev.Channel); prev != nil {
		r.notes.Release(ev.Channel, prev.Note)
	}
	state := r.notes.Allocate(ev.Channel, ev.Note, ev.Velocity)
	if state == nil {
		return
	}
	r.matrix.SetSourceValue(modmatrix.SrcVelocity, ev.Channel, fixed.NormalizeMIDI(ev.Velocity))
	r.matrix.SetGate(ev.Channel, true)
	state.HandleValueChange(modmatrix.SrcGate, fixed.One)

	params := r.noteParams(state)
	if r.pool.Press(ev.Note, ev.Channel, params) == nil {
		// Lockout dropped the press; unwind the note state.
		r.notes.Release(ev.Channel, ev.Note)
		r.matrix.SetGate(ev.Channel, false)
	}
}

func (r *Router) noteOff(channel, note int) {
	if !r.inst.Paths.Accepts(paths.TrigNoteOff, 0) {
		return
	}
	r.notes.Release(channel, note)
	r.pool.ReleaseNote(note)
	r.matrix.SetGate(channel, false)
}

func (r *Router) controlChange(ev Event) {
	for _, rt := range r.inst.Paths.CC[ev.Controller] {
		r.applyRoute(rt, ev.Channel, convertMIDI(rt, ev.Value))
	}
	if ev.Controller == timbreCC {
		norm := fixed.NormalizeMIDI(ev.Value)
		r.matrix.SetSourceValue(modmatrix.SrcTimbre, ev.Channel, norm)
		r.fanOut(ev.Channel, modmatrix.SrcTimbre, norm)
	}
}

func (r *Router) pitchBend(ev Event) {
	for _, rt := range r.inst.Paths.PitchBend {
		var v fixed.Value
		if rt.Table != nil {
			v = rt.Table.LookupBend(ev.Value)
		} else {
			v = fixed.NormalizePitchBend(ev.Value)
		}
		r.applyRoute(rt, ev.Channel, v)
	}
	norm := fixed.NormalizePitchBend(ev.Value)
	semis := fixed.Mul(r.inst.PitchBendRange, fixed.FromFloat(1.0/12.0))
	r.matrix.SetSourceValue(modmatrix.SrcPitchBend, ev.Channel, fixed.Mul(norm, semis))
	r.fanOut(ev.Channel, modmatrix.SrcPitchBend, norm)
}

func (r *Router) pressure(ev Event) {
	sens := r.inst.PressureSensitivity
	if sens == 0 {
		sens = fixed.One
	}
	scaled := fixed.Mul(fixed.NormalizeMIDI(ev.Value), sens)
	for _, rt := range r.inst.Paths.Pressure {
		r.applyRoute(rt, ev.Channel, convertMIDI(rt, ev.Value))
	}
	r.matrix.SetSourceValue(modmatrix.SrcPressure, ev.Channel, scaled)
	r.fanOut(ev.Channel, modmatrix.SrcPressure, scaled)
}

// fanOut pushes a continuous source value into the channel's note state,
// or buffers it for the channel's next note-on.
func (r *Router) fanOut(channel int, src modmatrix.Source, v fixed.Value) {
	if st := r.notes.ByChannel(channel); st != nil {
		st.HandleValueChange(src, v)
		return
	}
	r.notes.StorePending(channel, src, v)
}

// applyRoute delivers one converted path-route value. Global routes update
// the shared parameter slot and every active voice; per-key routes go to
// the channel's note or its pending buffer.
func (r *Router) applyRoute(rt *paths.Route, channel int, v fixed.Value) {
	if strings.HasPrefix(rt.Target, "lfo/") {
		r.applyLFOControl(rt, v)
		return
	}
	param, ok := targetParam(rt.Target)
	if !ok {
		return
	}
	if rt.Scope == paths.ScopeGlobal {
		r.globals[param] = v
		r.pool.ForEachActive(func(vo *pool.Voice) {
			r.eng.UpdateNote(vo.Note, param, v)
		})
		return
	}
	if st := r.notes.ByChannel(channel); st != nil {
		st.SetParam(param, v)
		if vo := r.pool.VoiceByChannel(channel); vo != nil {
			r.eng.UpdateNote(vo.Note, param, v)
		}
		return
	}
	r.notes.StorePendingParam(channel, param, v)
}

// applyLFOControl adjusts the live LFO from lfo/rate or lfo/depth paths.
func (r *Router) applyLFOControl(rt *paths.Route, v fixed.Value) {
	if r.osc == nil || r.inst.LFO == nil {
		return
	}
	parts := strings.Split(rt.Target, "/")
	if len(parts) < 2 {
		return
	}
	switch parts[1] {
	case "rate":
		r.inst.LFO.RateHz = v.Float()
	case "depth":
		r.inst.LFO.Depth = v.Float()
	default:
		return
	}
	r.osc.Set(r.inst.LFO.Depth, r.inst.LFO.RateHz, r.inst.LFO.Waveform)
}

// noteParams assembles creation parameters for a new note from its state,
// the compiled paths, and current global values.
func (r *Router) noteParams(state *notes.State) engine.NoteParams {
	pc := r.inst.Paths
	p := engine.NoteParams{}
	if f, ok := state.Param(engine.ParamFrequency); ok {
		p.Frequency = f
	}
	if a, ok := state.Param(engine.ParamAmplitude); ok {
		p.Amplitude = a
	}
	p.Waveform = pc.Waveform
	if p.Waveform == "" && len(pc.MorphSequence) > 0 {
		p.Waveform = pc.MorphSequence[0]
	}
	if p.Waveform == "" {
		p.Waveform = "sine"
	}
	if pc.HasEnvelope {
		p.Envelope = &engine.Envelope{
			AttackTime:   r.paramOr(state, engine.ParamAttackTime, fixed.FromFloat(0.001)),
			DecayTime:    r.paramOr(state, engine.ParamDecayTime, fixed.FromFloat(0.05)),
			ReleaseTime:  r.paramOr(state, engine.ParamReleaseTime, fixed.FromFloat(0.1)),
			AttackLevel:  r.paramOr(state, engine.ParamAttackLevel, fixed.One),
			SustainLevel: r.paramOr(state, engine.ParamSustainLevel, fixed.FromFloat(0.8)),
		}
	}
	if pc.FilterType != "" {
		p.Filter = &engine.Filter{
			Type:      engine.ParseFilterType(pc.FilterType),
			Frequency: r.paramOr(state, engine.ParamFilterFrequency, fixed.FromInt(1000)),
			Resonance: r.paramOr(state, engine.ParamFilterResonance, fixed.FromFloat(0.707)),
		}
	}
	if pc.RingWaveform != "" || len(pc.RingMorphSeq) > 0 {
		wf := pc.RingWaveform
		if wf == "" {
			wf = pc.RingMorphSeq[0]
		}
		p.Ring = &engine.Ring{
			Frequency: r.paramOr(state, engine.ParamRingFrequency, fixed.FromInt(20)),
			Bend:      r.paramOr(state, engine.ParamRingBend, 0),
			Waveform:  wf,
		}
	}
	return p
}

// paramOr resolves a parameter from note state, then globals, then a
// default.
func (r *Router) paramOr(state *notes.State, p engine.Param, def fixed.Value) fixed.Value {
	if v, ok := state.Param(p); ok {
		return v
	}
	if v, ok := r.globals[p]; ok {
		return v
	}
	return def
}

// significant filters continuous-controller chatter below the per-type
// thresholds. Note events always pass.
func (r *Router) significant(ev Event) bool {
	var cur, threshold int
	var slot *int
	lv := r.last[ev.Channel]
	if lv == nil {
		lv = &lastValues{bend: 8192, timbre: 64}
		r.last[ev.Channel] = lv
	}
	switch {
	case ev.Type == EventPitchBend:
		cur, threshold, slot = ev.Value, bendThreshold, &lv.bend
	case ev.Type == EventPressure:
		cur, threshold, slot = ev.Value, pressureThreshold, &lv.pressure
	case ev.Type == EventCC && ev.Controller == timbreCC:
		cur, threshold, slot = ev.Value, timbreThreshold, &lv.timbre
	default:
		return true
	}
	if absInt(cur-*slot) < threshold {
		return false
	}
	*slot = cur
	return true
}

func convertMIDI(rt *paths.Route, v int) fixed.Value {
	if rt.Table != nil {
		return rt.Table.Lookup(v)
	}
	return fixed.NormalizeMIDI(v)
}

// targetParam maps a path's target-parameter path onto the engine's closed
// parameter set.
func targetParam(target string) (engine.Param, bool) {
	switch target {
	case "oscillator/frequency":
		return engine.ParamFrequency, true
	case "oscillator/bend":
		return engine.ParamBend, true
	case "oscillator/waveform/morph":
		return engine.ParamMorph, true
	case "oscillator/ring/frequency":
		return engine.ParamRingFrequency, true
	case "oscillator/ring/bend":
		return engine.ParamRingBend, true
	case "oscillator/ring/waveform/morph":
		return engine.ParamRingMorph, true
	case "amplifier/amplitude", "amplifier/velocity":
		return engine.ParamAmplitude, true
	case "amplifier/panning":
		return engine.ParamPanning, true
	}
	parts := strings.Split(target, "/")
	if parts[0] == "filter" && len(parts) >= 3 {
		switch parts[2] {
		case "frequency":
			return engine.ParamFilterFrequency, true
		case "resonance":
			return engine.ParamFilterResonance, true
		}
	}
	if parts[0] == "amplifier" && len(parts) >= 3 && parts[1] == "envelope" {
		if p, ok := engine.ParseParam(parts[2]); ok {
			return p, true
		}
	}
	return 0, false
}

func matrixParam(t modmatrix.Target) (engine.Param, bool) {
	switch t {
	case modmatrix.TgtFilterCutoff:
		return engine.ParamFilterFrequency, true
	case modmatrix.TgtFilterResonance:
		return engine.ParamFilterResonance, true
	case modmatrix.TgtOscPitch:
		return engine.ParamBend, true
	case modmatrix.TgtAmplitude:
		return engine.ParamAmplitude, true
	case modmatrix.TgtRingFrequency:
		return engine.ParamRingFrequency, true
	case modmatrix.TgtEnvelopeLevel:
		return engine.ParamSustainLevel, true
	}
	return 0, false
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
