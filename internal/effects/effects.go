// Package effects holds the stereo output processors the synth can hang
// behind the voice mix: a fixed 5-band master EQ plus an instrument-defined
// chain of delay and reverb stages. Everything processes one frame at a
// time on the audio goroutine; runtime-adjustable gains use atomics so the
// control loop never takes the audio lock.
package effects

import (
	"math"
	"sync/atomic"
)

// Effector processes one stereo frame.
type Effector interface {
	Process(l, r float32) (float32, float32)
	Reset()
}

// Chain applies a sequence of effects in order.
type Chain struct {
	effects []Effector
}

func NewChain(effects ...Effector) *Chain {
	return &Chain{effects: effects}
}

func (c *Chain) Process(l, r float32) (float32, float32) {
	for _, e := range c.effects {
		l, r = e.Process(l, r)
	}
	return l, r
}

func (c *Chain) Reset() {
	for _, e := range c.effects {
		e.Reset()
	}
}

func (c *Chain) Add(e Effector) {
	c.effects = append(c.effects, e)
}

func (c *Chain) Len() int { return len(c.effects) }

// MasterEQ is a 5-band equalizer on the final mix. Bands split at 200Hz,
// 800Hz, 2.5kHz, and 8kHz; gains are float32 bit patterns behind atomics
// for lock-free reads from the audio thread.
type MasterEQ struct {
	gains  [5]atomic.Uint32
	alphas [4]float32
	lpL    [4]float32
	lpR    [4]float32
}

var crossovers = [4]float64{200, 800, 2500, 8000}

// NewMasterEQ creates the EQ with every band at unity.
func NewMasterEQ(sampleRate int) *MasterEQ {
	eq := &MasterEQ{}
	dt := 1.0 / float64(sampleRate)
	for i, freq := range crossovers {
		rc := 1.0 / (2.0 * math.Pi * freq)
		eq.alphas[i] = float32(dt / (rc + dt))
	}
	for i := range eq.gains {
		eq.gains[i].Store(math.Float32bits(1.0))
	}
	return eq
}

// SetGain sets the gain for band 0-4. 1.0 is unity, 2.0 is +6dB.
func (eq *MasterEQ) SetGain(band int, gain float32) {
	if band >= 0 && band < 5 {
		eq.gains[band].Store(math.Float32bits(gain))
	}
}

func (eq *MasterEQ) Gain(band int) float32 {
	if band >= 0 && band < 5 {
		return math.Float32frombits(eq.gains[band].Load())
	}
	return 1.0
}

func (eq *MasterEQ) Process(l, r float32) (float32, float32) {
	// Four cascaded one-pole crossovers split the frame into five bands;
	// the residue above the last crossover is band 4.
	var bandL, bandR [5]float32
	remL, remR := l, r
	for i := 0; i < 4; i++ {
		eq.lpL[i] += eq.alphas[i] * (remL - eq.lpL[i])
		eq.lpR[i] += eq.alphas[i] * (remR - eq.lpR[i])
		bandL[i] = eq.lpL[i]
		bandR[i] = eq.lpR[i]
		remL -= bandL[i]
		remR -= bandR[i]
	}
	bandL[4] = remL
	bandR[4] = remR

	var outL, outR float32
	for i := 0; i < 5; i++ {
		g := math.Float32frombits(eq.gains[i].Load())
		outL += bandL[i] * g
		outR += bandR[i] * g
	}
	return outL, outR
}

func (eq *MasterEQ) Reset() {
	for i := range eq.lpL {
		eq.lpL[i] = 0
		eq.lpR[i] = 0
	}
}

// DelayConfig sizes a stereo feedback delay. Zero values get usable
// defaults from NewDelay.
type DelayConfig struct {
	TimeMS   float64
	Feedback float64
	Cross    float64
	Wet      float64
}

// Delay is a stereo delay line with cross-channel feedback.
type Delay struct {
	bufL, bufR []float32
	pos        int
	feedback   float32
	cross      float32
	wet        float32
}

func NewDelay(sampleRate int, cfg DelayConfig) *Delay {
	if cfg.TimeMS <= 0 {
		cfg.TimeMS = 250
	}
	if cfg.Wet == 0 {
		cfg.Wet = 0.3
	}
	samples := int(cfg.TimeMS * float64(sampleRate) / 1000.0)
	if samples < 1 {
		samples = 1
	}
	return &Delay{
		bufL:     make([]float32, samples),
		bufR:     make([]float32, samples),
		feedback: clamp32(float32(cfg.Feedback), 0, 0.95),
		cross:    clamp32(float32(cfg.Cross), 0, 1),
		wet:      clamp32(float32(cfg.Wet), 0, 1),
	}
}

func (d *Delay) Process(l, r float32) (float32, float32) {
	delL := d.bufL[d.pos]
	delR := d.bufR[d.pos]
	fbL := delL*d.feedback*(1-d.cross) + delR*d.feedback*d.cross
	fbR := delR*d.feedback*(1-d.cross) + delL*d.feedback*d.cross
	d.bufL[d.pos] = l + fbL
	d.bufR[d.pos] = r + fbR
	d.pos++
	if d.pos >= len(d.bufL) {
		d.pos = 0
	}
	return l*(1-d.wet) + delL*d.wet, r*(1-d.wet) + delR*d.wet
}

func (d *Delay) Reset() {
	for i := range d.bufL {
		d.bufL[i] = 0
		d.bufR[i] = 0
	}
	d.pos = 0
}

// ReverbConfig sizes a Schroeder reverb: four combs into two allpasses.
type ReverbConfig struct {
	RoomSize float64 // 0..1, scales delay lengths
	Feedback float64 // 0..1, decay time
	Wet      float64
}

type Reverb struct {
	combs   [4]combFilter
	allpass [2]allpassFilter
	wet     float32
}

type combFilter struct {
	buf []float32
	pos int
	fb  float32
}

type allpassFilter struct {
	buf []float32
	pos int
	fb  float32
}

func NewReverb(sampleRate int, cfg ReverbConfig) *Reverb {
	if cfg.RoomSize == 0 {
		cfg.RoomSize = 0.5
	}
	if cfg.Feedback == 0 {
		cfg.Feedback = 0.7
	}
	if cfg.Wet == 0 {
		cfg.Wet = 0.25
	}
	base := int(float64(sampleRate) * cfg.RoomSize * 0.05)
	if base < 10 {
		base = 10
	}
	fb := clamp32(float32(cfg.Feedback), 0, 0.95)
	r := &Reverb{wet: clamp32(float32(cfg.Wet), 0, 1)}
	// Prime-ish length ratios keep the combs from resonating together.
	combLens := [4]int{base, base * 1117 / 1000, base * 1271 / 1000, base * 1437 / 1000}
	for i := range r.combs {
		r.combs[i] = combFilter{buf: make([]float32, combLens[i]), fb: fb}
	}
	apLens := [2]int{base * 347 / 1000, base * 213 / 1000}
	for i := range r.allpass {
		if apLens[i] < 1 {
			apLens[i] = 1
		}
		r.allpass[i] = allpassFilter{buf: make([]float32, apLens[i]), fb: 0.5}
	}
	return r
}

func (r *Reverb) Process(l, r2 float32) (float32, float32) {
	mono := (l + r2) * 0.5
	var out float32
	for i := range r.combs {
		out += r.combs[i].process(mono)
	}
	out *= 0.25
	for i := range r.allpass {
		out = r.allpass[i].process(out)
	}
	return l*(1-r.wet) + out*r.wet, r2*(1-r.wet) + out*r.wet
}

func (r *Reverb) Reset() {
	for i := range r.combs {
		for j := range r.combs[i].buf {
			r.combs[i].buf[j] = 0
		}
		r.combs[i].pos = 0
	}
	for i := range r.allpass {
		for j := range r.allpass[i].buf {
			r.allpass[i].buf[j] = 0
		}
		r.allpass[i].pos = 0
	}
}

func (c *combFilter) process(in float32) float32 {
	out := c.buf[c.pos]
	c.buf[c.pos] = in + out*c.fb
	c.pos++
	if c.pos >= len(c.buf) {
		c.pos = 0
	}
	return out
}

func (a *allpassFilter) process(in float32) float32 {
	bufOut := a.buf[a.pos]
	out := -in + bufOut
	a.buf[a.pos] = in + bufOut*a.fb
	a.pos++
	if a.pos >= len(a.buf) {
		a.pos = 0
	}
	return out
}

func clamp32(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
