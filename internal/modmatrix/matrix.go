// Package modmatrix routes modulation sources onto synthesis targets.
// Source values arrive per channel; target values are combined on demand
// using per-target combination rules and cheap polynomial curve shaping.
package modmatrix

import "github.com/cbegin/mpesynth-go/internal/fixed"

// Source identifies a modulation input.
type Source int

const (
	SrcNone Source = iota
	SrcPressure
	SrcPitchBend
	SrcTimbre
	SrcLFO1
	SrcVelocity
	SrcNote
	SrcGate
)

// ParseSource maps a config source name.
func ParseSource(name string) (Source, bool) {
	switch name {
	case "pressure":
		return SrcPressure, true
	case "pitch_bend":
		return SrcPitchBend, true
	case "timbre":
		return SrcTimbre, true
	case "lfo1":
		return SrcLFO1, true
	case "velocity":
		return SrcVelocity, true
	case "note":
		return SrcNote, true
	case "gate":
		return SrcGate, true
	}
	return SrcNone, false
}

// Target identifies a modulated synthesis parameter.
type Target int

const (
	TgtNone Target = iota
	TgtFilterCutoff
	TgtFilterResonance
	TgtOscPitch
	TgtAmplitude
	TgtRingFrequency
	TgtEnvelopeLevel
)

// Multiplicative reports whether a target belongs to the amplitude class.
// Amplitude-like targets compound attenuators (velocity x pressure x LFO);
// everything else sums offsets.
func (t Target) Multiplicative() bool {
	return t == TgtAmplitude || t == TgtEnvelopeLevel
}

func ParseTarget(name string) (Target, bool) {
	switch name {
	case "filter_cutoff":
		return TgtFilterCutoff, true
	case "filter_resonance":
		return TgtFilterResonance, true
	case "osc_pitch":
		return TgtOscPitch, true
	case "amplitude":
		return TgtAmplitude, true
	case "ring_frequency":
		return TgtRingFrequency, true
	case "envelope_level":
		return TgtEnvelopeLevel, true
	}
	return TgtNone, false
}

// Curve selects the shaping applied to the source value before scaling.
type Curve int

const (
	CurveLinear Curve = iota
	CurveExponential
	CurveLogarithmic
	CurveSCurve
)

// ParseCurve maps a config curve name, defaulting to linear for anything
// unrecognized.
func ParseCurve(name string) Curve {
	switch name {
	case "exponential":
		return CurveExponential
	case "logarithmic":
		return CurveLogarithmic
	case "s_curve", "scurve":
		return CurveSCurve
	}
	return CurveLinear
}

// Route is one source-to-target mapping. Channel 0 means the route applies
// to every channel.
type Route struct {
	Source  Source
	Target  Target
	Amount  fixed.Value
	Curve   Curve
	Channel int
}

type routeKey struct {
	source  Source
	target  Target
	channel int
}

type sourceKey struct {
	source  Source
	channel int
}

// Matrix holds the route set and current source values. It is not
// goroutine safe; all mutation happens on the control loop.
type Matrix struct {
	routes []Route
	index  map[routeKey]int
	values map[sourceKey]fixed.Value
}

func New() *Matrix {
	return &Matrix{
		index:  make(map[routeKey]int),
		values: make(map[sourceKey]fixed.Value),
	}
}

// AddRoute inserts a route. A route with the same (source, target, channel)
// key replaces the existing one in place, keeping its original position in
// the combination order.
func (m *Matrix) AddRoute(r Route) {
	key := routeKey{r.Source, r.Target, r.Channel}
	if i, ok := m.index[key]; ok {
		m.routes[i] = r
		return
	}
	m.index[key] = len(m.routes)
	m.routes = append(m.routes, r)
}

// RemoveRoute deletes the route for (source, target, channel) if present.
func (m *Matrix) RemoveRoute(source Source, target Target, channel int) {
	key := routeKey{source, target, channel}
	i, ok := m.index[key]
	if !ok {
		return
	}
	m.routes = append(m.routes[:i], m.routes[i+1:]...)
	delete(m.index, key)
	for k, j := range m.index {
		if j > i {
			m.index[k] = j - 1
		}
	}
}

// Clear drops all routes and source values, for instrument changes.
func (m *Matrix) Clear() {
	m.routes = m.routes[:0]
	m.index = make(map[routeKey]int)
	m.values = make(map[sourceKey]fixed.Value)
}

// SetSourceValue records the current value of a source on a channel.
// Channel 0 acts as a wildcard consulted when no channel-specific value
// exists.
func (m *Matrix) SetSourceValue(source Source, channel int, v fixed.Value) {
	m.values[sourceKey{source, channel}] = v
}

// SetGate records note lifecycle as a pseudo-source: 1.0 on note-on,
// 0.0 on release.
func (m *Matrix) SetGate(channel int, on bool) {
	v := fixed.Value(0)
	if on {
		v = fixed.One
	}
	m.SetSourceValue(SrcGate, channel, v)
}

// SourceValue returns the current value for (source, channel), falling back
// to the channel-0 wildcard.
func (m *Matrix) SourceValue(source Source, channel int) fixed.Value {
	if v, ok := m.values[sourceKey{source, channel}]; ok {
		return v
	}
	return m.values[sourceKey{source, 0}]
}

// TargetValue combines all matching routes into the target's current value.
// Zero-valued sources are skipped: an unmodulated source contributes no
// change, and for multiplicative targets must not zero the product.
func (m *Matrix) TargetValue(target Target, channel int) fixed.Value {
	var total fixed.Value
	first := true
	for _, r := range m.routes {
		if r.Target != target {
			continue
		}
		if r.Channel != 0 && r.Channel != channel {
			continue
		}
		sv := m.SourceValue(r.Source, channel)
		if sv == 0 {
			continue
		}
		processed := fixed.Mul(r.Curve.Apply(sv), r.Amount)
		if target.Multiplicative() {
			if first {
				total = processed
				first = false
			} else {
				total = fixed.Mul(total, processed)
			}
		} else {
			total += processed
		}
	}
	return total
}

// Targets returns the distinct targets that currently have routes, in
// first-route order.
func (m *Matrix) Targets() []Target {
	var out []Target
	seen := make(map[Target]bool)
	for _, r := range m.routes {
		if !seen[r.Target] {
			seen[r.Target] = true
			out = append(out, r.Target)
		}
	}
	return out
}

// Apply shapes a normalized source value. The curves are cheap polynomial
// approximations; the matrix may run many times per control tick.
func (c Curve) Apply(v fixed.Value) fixed.Value {
	switch c {
	case CurveExponential:
		return fixed.Mul(v, v)
	case CurveLogarithmic:
		d := fixed.One - v
		return fixed.One - fixed.Mul(d, d)
	case CurveSCurve:
		v2 := fixed.Mul(v, v)
		return fixed.Mul(v2, fixed.FromInt(3)-2*v)
	}
	return v
}
