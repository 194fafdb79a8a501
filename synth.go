// Package mpesynth is a monophonic-per-channel (MPE) synthesizer core. MIDI
// events flow through an instrument's path table into a fixed voice pool,
// per-note expression state, and a modulation matrix; a pluggable synthesis
// backend turns the resolved parameters into sound.
package mpesynth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"
	"gopkg.in/yaml.v3"

	intaudio "github.com/cbegin/mpesynth-go/internal/audio"
	"github.com/cbegin/mpesynth-go/internal/effects"
	intengine "github.com/cbegin/mpesynth-go/internal/engine"
	introuter "github.com/cbegin/mpesynth-go/internal/router"
	inttonegen "github.com/cbegin/mpesynth-go/internal/tonegen"
)

const (
	defaultVoices = 8
	defaultTickHz = 200.0
)

type SynthOption func(*synthConfig)

type synthConfig struct {
	voices    int
	tickHz    float64
	backend   intengine.Engine
	sampleTap func([]float32)
}

func defaultSynthConfig() synthConfig {
	return synthConfig{voices: defaultVoices, tickHz: defaultTickHz}
}

// WithVoices sets the voice pool size.
func WithVoices(n int) SynthOption {
	return func(cfg *synthConfig) {
		if n > 0 {
			cfg.voices = n
		}
	}
}

// WithTickRate sets the control-loop update rate in Hz.
func WithTickRate(hz float64) SynthOption {
	return func(cfg *synthConfig) {
		if hz > 0 {
			cfg.tickHz = hz
		}
	}
}

// WithBackend replaces the built-in tone generator. A custom backend must
// also implement audio.SampleSource for Start to produce output.
func WithBackend(e intengine.Engine) SynthOption {
	return func(cfg *synthConfig) {
		cfg.backend = e
	}
}

// WithSampleTap installs a callback invoked with each generated stereo
// buffer. The callback runs on the audio thread; keep work brief and
// non-blocking.
func WithSampleTap(tap func([]float32)) SynthOption {
	return func(cfg *synthConfig) {
		cfg.sampleTap = tap
	}
}

// Synth assembles the control path and the synthesis backend behind one
// facade. All event entry points serialize on an internal mutex, so MIDI
// listener callbacks and the tick loop may run on different goroutines.
type Synth struct {
	mu         sync.Mutex
	sampleRate int
	tickHz     float64
	backend    intengine.Engine
	gen        *inttonegen.Engine // nil when a custom backend is installed
	router     *introuter.Router
	audio      *intaudio.Player
	sampleTap  func([]float32)
	volume     float64
	stopTick   chan struct{}

	eq    *effects.MasterEQ
	fxMu  sync.Mutex
	chain *effects.Chain
}

func NewSynth(sampleRate int, opts ...SynthOption) (*Synth, error) {
	if sampleRate <= 0 {
		return nil, errors.New("sampleRate must be positive")
	}
	cfg := defaultSynthConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Synth{
		sampleRate: sampleRate,
		tickHz:     cfg.tickHz,
		backend:    cfg.backend,
		sampleTap:  cfg.sampleTap,
		volume:     1,
		eq:         effects.NewMasterEQ(sampleRate),
		chain:      effects.NewChain(),
	}
	if s.backend == nil {
		s.gen = inttonegen.New(sampleRate)
		s.backend = s.gen
	}
	s.router = introuter.New(s.backend, cfg.voices, cfg.tickHz)
	return s, nil
}

// LoadInstrument validates and installs a compiled instrument. On error the
// previous instrument stays active.
func (s *Synth) LoadInstrument(inst *introuter.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.router.SetInstrument(inst); err != nil {
		return err
	}
	if s.gen != nil && inst.Paths != nil {
		s.gen.SetMorphSequence(inst.Paths.MorphSequence)
	}
	return nil
}

// LoadInstrumentYAML compiles and installs a YAML instrument definition,
// including its output effects chain. On error nothing changes.
func (s *Synth) LoadInstrumentYAML(data []byte) error {
	var cfg InstrumentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("instrument: %w", err)
	}
	inst, err := cfg.Build()
	if err != nil {
		return err
	}
	chain, err := cfg.BuildEffects(s.sampleRate)
	if err != nil {
		return err
	}
	if err := s.LoadInstrument(inst); err != nil {
		return err
	}
	s.fxMu.Lock()
	s.chain = chain
	s.fxMu.Unlock()
	return nil
}

// HandleMessage decodes a wire MIDI message and routes it. Unrecognized
// message types are dropped.
func (s *Synth) HandleMessage(msg gomidi.Message) {
	ev, ok := DecodeMessage(msg)
	if !ok {
		return
	}
	s.Handle(ev)
}

// Handle routes one normalized event.
func (s *Synth) Handle(ev introuter.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.router.Handle(ev)
}

// Tick runs one control update: LFO advance, modulation push, sustain
// expiry, note-state sweep. Start runs this automatically; headless users
// call it at their own rate.
func (s *Synth) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.router.Update()
}

// Start opens the audio device and launches the control tick loop.
func (s *Synth) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audio != nil {
		return nil
	}
	source, ok := s.backend.(intaudio.SampleSource)
	if !ok {
		return errors.New("backend does not produce samples")
	}
	source = &fxSource{synth: s, source: source}
	if s.sampleTap != nil {
		source = &tapSource{source: source, tap: s.sampleTap}
	}
	backend, err := intaudio.NewPlayer(s.sampleRate, source)
	if err != nil {
		return err
	}
	s.audio = backend
	s.audio.Play()

	s.stopTick = make(chan struct{})
	go s.tickLoop(s.stopTick)
	return nil
}

// Stop closes the audio device, stops the tick loop, and releases every
// voice.
func (s *Synth) Stop() error {
	s.mu.Lock()
	if s.stopTick != nil {
		close(s.stopTick)
		s.stopTick = nil
	}
	a := s.audio
	s.audio = nil
	s.router.Pool().ReleaseAll()
	s.mu.Unlock()
	if a == nil {
		return nil
	}
	return a.Stop()
}

// Panic releases every sounding voice immediately.
func (s *Synth) Panic() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.router.Pool().ReleaseAll()
}

// ActiveVoices returns the number of sounding voices.
func (s *Synth) ActiveVoices() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.router.Pool().ActiveCount()
}

// Router exposes the control hub for inspection and headless use.
func (s *Synth) Router() *introuter.Router { return s.router }

// SetMasterVolume sets the runtime volume scalar. 1.0 is default. Only the
// built-in backend honors it.
func (s *Synth) SetMasterVolume(volume float64) {
	if volume < 0 {
		volume = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = volume
	if s.gen != nil {
		s.gen.SetMasterGain(baseGain * volume)
	}
}

func (s *Synth) MasterVolume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

// SetEQBand sets the master EQ gain for band 0-4. 1.0 is unity.
func (s *Synth) SetEQBand(band int, gain float64) {
	s.eq.SetGain(band, float32(gain))
}

// EQBand returns the master EQ gain for band 0-4.
func (s *Synth) EQBand(band int) float64 {
	return float64(s.eq.Gain(band))
}

const baseGain = 0.4

func (s *Synth) tickLoop(stop chan struct{}) {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / s.tickHz))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// fxSource runs the instrument effects chain and the master EQ over each
// generated buffer. The chain pointer is swapped on instrument load, so the
// audio thread rereads it per buffer under a short lock.
type fxSource struct {
	synth  *Synth
	source intaudio.SampleSource
}

func (f *fxSource) Process(dst []float32) {
	f.source.Process(dst)
	f.synth.fxMu.Lock()
	chain := f.synth.chain
	f.synth.fxMu.Unlock()
	for i := 0; i+1 < len(dst); i += 2 {
		l, r := chain.Process(dst[i], dst[i+1])
		dst[i], dst[i+1] = f.synth.eq.Process(l, r)
	}
}

type tapSource struct {
	source intaudio.SampleSource
	tap    func([]float32)
}

func (t *tapSource) Process(dst []float32) {
	t.source.Process(dst)
	t.tap(dst)
}
