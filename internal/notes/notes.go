// Package notes tracks per-note parameter state. Each active (channel, note)
// pair owns a State built from the instrument's route table; incoming source
// values fan out through those routes into typed parameter slots. Values
// that arrive before a channel's note-on are buffered and replayed at
// allocation time.
package notes

import (
	"errors"
	"time"

	"github.com/cbegin/mpesynth-go/internal/engine"
	"github.com/cbegin/mpesynth-go/internal/fixed"
	"github.com/cbegin/mpesynth-go/internal/modmatrix"
	"github.com/cbegin/mpesynth-go/internal/paths"
)

// Combine selects how a route's output merges into an already-set parameter.
type Combine int

const (
	CombineAdd Combine = iota
	CombineMultiply
)

// ParseCombine maps a config combine-rule name, defaulting to add.
func ParseCombine(name string) Combine {
	if name == "multiply" {
		return CombineMultiply
	}
	return CombineAdd
}

// Route is one config-defined source-to-parameter mapping applied per note.
type Route struct {
	Source   modmatrix.Source
	Target   engine.Param
	Amount   fixed.Value
	Curve    modmatrix.Curve
	Min, Max fixed.Value
}

// Process runs a source value through the route: curve, scale into
// [Min, Max], then amount.
func (r *Route) Process(v fixed.Value) fixed.Value {
	shaped := r.Curve.Apply(v)
	scaled := r.Min + fixed.Mul(shaped, r.Max-r.Min)
	return fixed.Mul(scaled, r.Amount)
}

// Config is the per-note portion of an instrument: routes plus combine
// rules per parameter. Both sections are required; a note must never be
// built from a half-specified instrument.
type Config struct {
	Routes       []Route
	Combine      map[engine.Param]Combine
	ReleaseGrace time.Duration
}

var errIncompleteConfig = errors.New("instrument config missing routes or parameters")

const defaultReleaseGrace = 500 * time.Millisecond

func (c *Config) validate() error {
	if c == nil || len(c.Routes) == 0 || len(c.Combine) == 0 {
		return errIncompleteConfig
	}
	return nil
}

func (c *Config) grace() time.Duration {
	if c.ReleaseGrace > 0 {
		return c.ReleaseGrace
	}
	return defaultReleaseGrace
}

// State is the live parameter record for one sounding note.
type State struct {
	Channel int
	Note    int

	cfg      *Config
	raw      map[modmatrix.Source]fixed.Value
	params   map[engine.Param]fixed.Value
	bySource map[modmatrix.Source][]*Route

	active   bool
	created  time.Time
	released time.Time
}

// NewState builds note state from the instrument config, seeding frequency
// and amplitude from the note number and velocity. Fails if the config
// lacks required sections.
func NewState(channel, note, velocity int, cfg *Config, now time.Time) (*State, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &State{
		Channel:  channel,
		Note:     note,
		cfg:      cfg,
		raw:      make(map[modmatrix.Source]fixed.Value),
		params:   make(map[engine.Param]fixed.Value),
		bySource: make(map[modmatrix.Source][]*Route),
		active:   true,
		created:  now,
	}
	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		s.bySource[r.Source] = append(s.bySource[r.Source], r)
	}
	vel := fixed.NormalizeMIDI(velocity)
	s.raw[modmatrix.SrcNote] = fixed.FromInt(note)
	s.raw[modmatrix.SrcVelocity] = vel
	s.params[engine.ParamFrequency] = paths.NoteFrequency(note)
	s.params[engine.ParamAmplitude] = vel
	return s, nil
}

// Active reports whether the note has not yet been released.
func (s *State) Active() bool { return s.active }

// Created returns the allocation time.
func (s *State) Created() time.Time { return s.created }

// Param returns the current value of a parameter slot.
func (s *State) Param(p engine.Param) (fixed.Value, bool) {
	v, ok := s.params[p]
	return v, ok
}

// SetParam overwrites a parameter slot directly, bypassing routes. Used for
// values that are resolved elsewhere (frequency from the note table).
func (s *State) SetParam(p engine.Param, v fixed.Value) {
	s.params[p] = v
}

// HandleValueChange stores the raw source value and fans it out through
// every route listening to that source.
func (s *State) HandleValueChange(src modmatrix.Source, v fixed.Value) {
	s.raw[src] = v
	for _, r := range s.bySource[src] {
		processed := r.Process(v)
		current, has := s.params[r.Target]
		if s.cfg.Combine[r.Target] == CombineMultiply {
			// A zero slot takes the value outright so one attenuator does
			// not multiply against nothing.
			if !has || current == 0 {
				s.params[r.Target] = processed
			} else {
				s.params[r.Target] = fixed.Mul(current, processed)
			}
		} else {
			s.params[r.Target] = current + processed
		}
	}
}

// Raw returns the last stored raw value for a source.
func (s *State) Raw(src modmatrix.Source) fixed.Value {
	return s.raw[src]
}

// HandleRelease marks the note released and emits gate=0 through the
// routes so gate-reactive targets settle.
func (s *State) HandleRelease(now time.Time) {
	if !s.active {
		return
	}
	s.active = false
	s.released = now
	s.HandleValueChange(modmatrix.SrcGate, 0)
}

type noteKey struct {
	channel int
	note    int
}

type pendingEntry struct {
	isParam bool
	source  modmatrix.Source
	param   engine.Param
	value   fixed.Value
}

// Manager owns all live note states and the pre-note-on pending buffers.
type Manager struct {
	cfg     *Config
	active  map[noteKey]*State
	pending map[int][]pendingEntry
	now     func() time.Time
}

func NewManager() *Manager {
	return &Manager{
		active:  make(map[noteKey]*State),
		pending: make(map[int][]pendingEntry),
		now:     time.Now,
	}
}

// SetConfig installs a new instrument config. Existing notes keep the
// config they were built with.
func (m *Manager) SetConfig(cfg *Config) {
	m.cfg = cfg
}

// StorePending buffers a source value that arrived before the channel's
// note-on. A repeat for the same source updates the value in place,
// keeping its original position in receipt order.
func (m *Manager) StorePending(channel int, src modmatrix.Source, v fixed.Value) {
	entries := m.pending[channel]
	for i := range entries {
		if !entries[i].isParam && entries[i].source == src {
			entries[i].value = v
			return
		}
	}
	m.pending[channel] = append(entries, pendingEntry{source: src, value: v})
}

// StorePendingParam buffers a direct parameter value (a CC already
// converted through its range table) for the channel's next note-on.
func (m *Manager) StorePendingParam(channel int, p engine.Param, v fixed.Value) {
	entries := m.pending[channel]
	for i := range entries {
		if entries[i].isParam && entries[i].param == p {
			entries[i].value = v
			return
		}
	}
	m.pending[channel] = append(entries, pendingEntry{isParam: true, param: p, value: v})
}

// Allocate creates note state for a note-on and immediately replays the
// channel's pending values in receipt order, then clears them. The replay
// happens before the caller sees the state, so pre-note configuration is in
// effect from the note's first sample.
func (m *Manager) Allocate(channel, note, velocity int) *State {
	if m.cfg == nil {
		return nil
	}
	s, err := NewState(channel, note, velocity, m.cfg, m.now())
	if err != nil {
		return nil
	}
	for _, e := range m.pending[channel] {
		if e.isParam {
			s.SetParam(e.param, e.value)
		} else {
			s.HandleValueChange(e.source, e.value)
		}
	}
	delete(m.pending, channel)
	m.active[noteKey{channel, note}] = s
	return s
}

// Get returns the state for (channel, note), or nil.
func (m *Manager) Get(channel, note int) *State {
	return m.active[noteKey{channel, note}]
}

// ByChannel returns the active state on a channel, or nil. With MPE
// semantics there is at most one.
func (m *Manager) ByChannel(channel int) *State {
	for k, s := range m.active {
		if k.channel == channel && s.active {
			return s
		}
	}
	return nil
}

// HasPending reports whether any values are buffered for a channel.
func (m *Manager) HasPending(channel int) bool {
	return len(m.pending[channel]) > 0
}

// Release marks the note on (channel, note) released. Returns nil if no
// such note is live.
func (m *Manager) Release(channel, note int) *State {
	s := m.active[noteKey{channel, note}]
	if s == nil {
		return nil
	}
	s.HandleRelease(m.now())
	return s
}

// Cleanup destroys states whose release grace period has expired. Called
// from the periodic control-loop sweep.
func (m *Manager) Cleanup() int {
	t := m.now()
	removed := 0
	for k, s := range m.active {
		if !s.active && t.Sub(s.released) > s.cfg.grace() {
			delete(m.active, k)
			removed++
		}
	}
	return removed
}

// Count returns the number of live note states, released tails included.
func (m *Manager) Count() int { return len(m.active) }
