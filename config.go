package mpesynth

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cbegin/mpesynth-go/internal/effects"
	"github.com/cbegin/mpesynth-go/internal/engine"
	"github.com/cbegin/mpesynth-go/internal/fixed"
	"github.com/cbegin/mpesynth-go/internal/lfo"
	"github.com/cbegin/mpesynth-go/internal/modmatrix"
	"github.com/cbegin/mpesynth-go/internal/notes"
	"github.com/cbegin/mpesynth-go/internal/paths"
	"github.com/cbegin/mpesynth-go/internal/router"
)

// InstrumentConfig is the YAML instrument file shape. Routes and parameters
// are both required; an instrument missing either is rejected as a whole so
// a live set never ends up half-configured.
type InstrumentConfig struct {
	Name  string `yaml:"name"`
	Paths string `yaml:"paths"`

	Routes     []RouteConfig              `yaml:"routes"`
	Parameters map[string]ParameterConfig `yaml:"parameters"`

	Performance    PerformanceConfig `yaml:"performance"`
	LFO            *LFOSection       `yaml:"lfo"`
	Modulation     []ModRouteConfig  `yaml:"modulation"`
	Effects        []EffectConfig    `yaml:"effects"`
	ReleaseGraceMS int               `yaml:"release_grace_ms"`
}

// RouteConfig maps a control source onto a note parameter.
type RouteConfig struct {
	Source string  `yaml:"source"`
	Target string  `yaml:"target"`
	Amount float64 `yaml:"amount"`
	Curve  string  `yaml:"curve"`
	Min    float64 `yaml:"min"`
	Max    float64 `yaml:"max"`
}

type ParameterConfig struct {
	Combine string `yaml:"combine"`
}

type PerformanceConfig struct {
	PitchBend           *bool   `yaml:"pitch_bend"`
	PitchBendRange      float64 `yaml:"pitch_bend_range"`
	Pressure            *bool   `yaml:"pressure"`
	PressureSensitivity float64 `yaml:"pressure_sensitivity"`
	SustainTimeoutMS    int     `yaml:"sustain_timeout_ms"`
}

type LFOSection struct {
	RateHz   float64 `yaml:"rate_hz"`
	Depth    float64 `yaml:"depth"`
	Waveform string  `yaml:"waveform"`
	Target   string  `yaml:"target"`
	Amount   float64 `yaml:"amount"`
	Curve    string  `yaml:"curve"`
}

// EffectConfig is one stage of the instrument's output chain, applied in
// file order after the voice mix.
type EffectConfig struct {
	Type     string  `yaml:"type"` // "delay" or "reverb"
	DelayMS  float64 `yaml:"delay_ms"`
	Feedback float64 `yaml:"feedback"`
	Cross    float64 `yaml:"cross"`
	RoomSize float64 `yaml:"room_size"`
	Wet      float64 `yaml:"wet"`
}

// ModRouteConfig is an instrument-level default modulation route. Channel 0
// applies to every channel.
type ModRouteConfig struct {
	Source  string  `yaml:"source"`
	Target  string  `yaml:"target"`
	Amount  float64 `yaml:"amount"`
	Curve   string  `yaml:"curve"`
	Channel int     `yaml:"channel"`
}

// ParseInstrument unmarshals and validates a YAML instrument, compiling it
// into the router's installable form. All names are resolved here; play
// time never sees an unknown parameter or source.
func ParseInstrument(data []byte) (*router.Instrument, error) {
	var cfg InstrumentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("instrument: %w", err)
	}
	return cfg.Build()
}

// LoadInstrumentFile reads and compiles an instrument from disk.
func LoadInstrumentFile(path string) (*router.Instrument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	inst, err := ParseInstrument(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return inst, nil
}

// Build compiles the config into a router.Instrument.
func (c *InstrumentConfig) Build() (*router.Instrument, error) {
	pc, err := paths.Parse(c.Paths)
	if err != nil {
		return nil, fmt.Errorf("instrument %q: %w", c.Name, err)
	}

	if len(c.Routes) == 0 {
		return nil, fmt.Errorf("instrument %q: no routes defined", c.Name)
	}
	if len(c.Parameters) == 0 {
		return nil, fmt.Errorf("instrument %q: no parameters defined", c.Name)
	}

	nc := &notes.Config{
		Combine:      make(map[engine.Param]notes.Combine),
		ReleaseGrace: time.Duration(c.ReleaseGraceMS) * time.Millisecond,
	}
	for i, rc := range c.Routes {
		src, ok := modmatrix.ParseSource(rc.Source)
		if !ok {
			return nil, fmt.Errorf("instrument %q: route %d: unknown source %q", c.Name, i, rc.Source)
		}
		tgt, ok := engine.ParseParam(rc.Target)
		if !ok {
			return nil, fmt.Errorf("instrument %q: route %d: unknown target parameter %q", c.Name, i, rc.Target)
		}
		amount := fixed.One
		if rc.Amount != 0 {
			amount = fixed.FromFloat(rc.Amount)
		}
		nc.Routes = append(nc.Routes, notes.Route{
			Source: src,
			Target: tgt,
			Amount: amount,
			Curve:  modmatrix.ParseCurve(rc.Curve),
			Min:    fixed.FromFloat(rc.Min),
			Max:    fixed.FromFloat(rc.Max),
		})
	}
	for name, pcfg := range c.Parameters {
		p, ok := engine.ParseParam(name)
		if !ok {
			return nil, fmt.Errorf("instrument %q: unknown parameter %q", c.Name, name)
		}
		nc.Combine[p] = notes.ParseCombine(pcfg.Combine)
	}

	inst := &router.Instrument{
		Name:  c.Name,
		Paths: pc,
		Notes: nc,

		PitchBendEnabled:    boolOr(c.Performance.PitchBend, true),
		PitchBendRange:      fixed.FromFloat(floatOr(c.Performance.PitchBendRange, 12)),
		PressureEnabled:     boolOr(c.Performance.Pressure, true),
		PressureSensitivity: fixed.FromFloat(floatOr(c.Performance.PressureSensitivity, 1)),
		SustainTimeout:      time.Duration(c.Performance.SustainTimeoutMS) * time.Millisecond,
	}

	for i, mc := range c.Modulation {
		src, ok := modmatrix.ParseSource(mc.Source)
		if !ok {
			return nil, fmt.Errorf("instrument %q: modulation %d: unknown source %q", c.Name, i, mc.Source)
		}
		tgt, ok := modmatrix.ParseTarget(mc.Target)
		if !ok {
			return nil, fmt.Errorf("instrument %q: modulation %d: unknown target %q", c.Name, i, mc.Target)
		}
		amount := fixed.One
		if mc.Amount != 0 {
			amount = fixed.FromFloat(mc.Amount)
		}
		inst.Modulation = append(inst.Modulation, modmatrix.Route{
			Source:  src,
			Target:  tgt,
			Amount:  amount,
			Curve:   modmatrix.ParseCurve(mc.Curve),
			Channel: mc.Channel,
		})
	}

	if c.LFO != nil {
		tgt, ok := modmatrix.ParseTarget(c.LFO.Target)
		if !ok {
			return nil, fmt.Errorf("instrument %q: lfo: unknown target %q", c.Name, c.LFO.Target)
		}
		inst.LFO = &router.LFOConfig{
			RateHz:   c.LFO.RateHz,
			Depth:    c.LFO.Depth,
			Waveform: parseLFOWaveform(c.LFO.Waveform),
			Target:   tgt,
			Amount:   fixed.FromFloat(c.LFO.Amount),
			Curve:    modmatrix.ParseCurve(c.LFO.Curve),
		}
	}
	return inst, nil
}

// BuildEffects compiles the effects section into an output chain sized for
// the given sample rate. An empty section yields an empty chain.
func (c *InstrumentConfig) BuildEffects(sampleRate int) (*effects.Chain, error) {
	chain := effects.NewChain()
	for i, ec := range c.Effects {
		switch ec.Type {
		case "delay":
			chain.Add(effects.NewDelay(sampleRate, effects.DelayConfig{
				TimeMS:   ec.DelayMS,
				Feedback: ec.Feedback,
				Cross:    ec.Cross,
				Wet:      ec.Wet,
			}))
		case "reverb":
			chain.Add(effects.NewReverb(sampleRate, effects.ReverbConfig{
				RoomSize: ec.RoomSize,
				Feedback: ec.Feedback,
				Wet:      ec.Wet,
			}))
		default:
			return nil, fmt.Errorf("instrument %q: effect %d: unknown type %q", c.Name, i, ec.Type)
		}
	}
	return chain, nil
}

func parseLFOWaveform(name string) int {
	switch name {
	case "saw":
		return lfo.WaveSaw
	case "square":
		return lfo.WaveSquare
	case "random":
		return lfo.WaveRandom
	default:
		return lfo.WaveTriangle
	}
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func floatOr(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
