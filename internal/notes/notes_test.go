package notes

import (
	"math"
	"testing"
	"time"

	"github.com/cbegin/mpesynth-go/internal/engine"
	"github.com/cbegin/mpesynth-go/internal/fixed"
	"github.com/cbegin/mpesynth-go/internal/modmatrix"
)

func testConfig() *Config {
	return &Config{
		Routes: []Route{
			{
				Source: modmatrix.SrcPressure,
				Target: engine.ParamFilterFrequency,
				Amount: fixed.One,
				Min:    fixed.FromInt(200),
				Max:    fixed.FromInt(8000),
			},
			{
				Source: modmatrix.SrcVelocity,
				Target: engine.ParamAmplitude,
				Amount: fixed.One,
				Min:    0,
				Max:    fixed.One,
			},
			{
				Source: modmatrix.SrcGate,
				Target: engine.ParamAttackLevel,
				Amount: fixed.One,
				Min:    0,
				Max:    fixed.One,
			},
		},
		Combine: map[engine.Param]Combine{
			engine.ParamFilterFrequency: CombineAdd,
			engine.ParamAmplitude:       CombineMultiply,
			engine.ParamAttackLevel:     CombineAdd,
		},
	}
}

func testManager(cfg *Config) (*Manager, func(time.Duration)) {
	m := NewManager()
	m.SetConfig(cfg)
	t := time.Unix(5000, 0)
	m.now = func() time.Time { return t }
	return m, func(d time.Duration) { t = t.Add(d) }
}

func TestNewStateSeedsFrequencyAndAmplitude(t *testing.T) {
	s, err := NewState(1, 69, 127, testConfig(), time.Now())
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	freq, ok := s.Param(engine.ParamFrequency)
	if !ok {
		t.Fatal("frequency should be seeded")
	}
	if got := freq.Float(); math.Abs(got-440) > 0.01 {
		t.Errorf("note 69 frequency = %f, want 440", got)
	}
	amp, _ := s.Param(engine.ParamAmplitude)
	if got := amp.Float(); math.Abs(got-1.0) > 0.01 {
		t.Errorf("velocity 127 amplitude = %f, want ~1.0", got)
	}
}

func TestNewStateRejectsIncompleteConfig(t *testing.T) {
	if _, err := NewState(1, 60, 100, nil, time.Now()); err == nil {
		t.Error("nil config should fail")
	}
	if _, err := NewState(1, 60, 100, &Config{Routes: testConfig().Routes}, time.Now()); err == nil {
		t.Error("config without parameters should fail")
	}
	if _, err := NewState(1, 60, 100, &Config{Combine: testConfig().Combine}, time.Now()); err == nil {
		t.Error("config without routes should fail")
	}
}

func TestHandleValueChangeScalesIntoRange(t *testing.T) {
	s, _ := NewState(1, 60, 100, testConfig(), time.Now())
	s.HandleValueChange(modmatrix.SrcPressure, fixed.FromFloat(0.5))
	got, ok := s.Param(engine.ParamFilterFrequency)
	if !ok {
		t.Fatal("filter frequency should be set")
	}
	// 200 + 0.5*(8000-200) = 4100
	if g := got.Float(); math.Abs(g-4100) > 1 {
		t.Errorf("filter frequency = %f, want 4100", g)
	}
	if raw := s.Raw(modmatrix.SrcPressure).Float(); math.Abs(raw-0.5) > 0.001 {
		t.Errorf("raw pressure = %f, want 0.5", raw)
	}
}

func TestCombineRules(t *testing.T) {
	cfg := &Config{
		Routes: []Route{
			{Source: modmatrix.SrcPressure, Target: engine.ParamFilterFrequency, Amount: fixed.FromInt(100), Min: 0, Max: fixed.One},
			{Source: modmatrix.SrcTimbre, Target: engine.ParamFilterFrequency, Amount: fixed.FromInt(100), Min: 0, Max: fixed.One},
			{Source: modmatrix.SrcPressure, Target: engine.ParamAmplitude, Amount: fixed.One, Min: 0, Max: fixed.One},
		},
		Combine: map[engine.Param]Combine{
			engine.ParamFilterFrequency: CombineAdd,
			engine.ParamAmplitude:       CombineMultiply,
		},
	}
	s, err := NewState(1, 60, 127, cfg, time.Now())
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	s.HandleValueChange(modmatrix.SrcPressure, fixed.FromFloat(0.5))
	s.HandleValueChange(modmatrix.SrcTimbre, fixed.FromFloat(0.5))
	ff, _ := s.Param(engine.ParamFilterFrequency)
	if got := ff.Float(); math.Abs(got-100) > 0.5 {
		t.Errorf("additive filter frequency = %f, want 50+50=100", got)
	}
	// Amplitude starts at ~1.0 from velocity, then multiplies by 0.5.
	amp, _ := s.Param(engine.ParamAmplitude)
	if got := amp.Float(); math.Abs(got-0.5) > 0.01 {
		t.Errorf("multiplicative amplitude = %f, want 0.5", got)
	}
}

func TestMultiplyIntoZeroSlotSetsValue(t *testing.T) {
	cfg := &Config{
		Routes: []Route{
			{Source: modmatrix.SrcPressure, Target: engine.ParamRingFrequency, Amount: fixed.One, Min: 0, Max: fixed.FromInt(100)},
		},
		Combine: map[engine.Param]Combine{
			engine.ParamRingFrequency: CombineMultiply,
		},
	}
	s, _ := NewState(1, 60, 100, cfg, time.Now())
	s.HandleValueChange(modmatrix.SrcPressure, fixed.FromFloat(0.25))
	got, _ := s.Param(engine.ParamRingFrequency)
	if g := got.Float(); math.Abs(g-25) > 0.1 {
		t.Errorf("first multiply into empty slot = %f, want 25", g)
	}
}

func TestHandleReleaseEmitsGate(t *testing.T) {
	m, _ := testManager(testConfig())
	s := m.Allocate(1, 60, 100)
	s.HandleValueChange(modmatrix.SrcGate, fixed.One)
	rel := m.Release(1, 60)
	if rel == nil || rel.Active() {
		t.Fatal("release should deactivate the note")
	}
	if got := s.Raw(modmatrix.SrcGate); got != 0 {
		t.Errorf("gate raw value after release = %d, want 0", got)
	}
}

func TestReleaseUnknownNoteReturnsNil(t *testing.T) {
	m, _ := testManager(testConfig())
	if m.Release(3, 90) != nil {
		t.Error("releasing a note that was never allocated should return nil")
	}
}

func TestPendingValueReplay(t *testing.T) {
	m, _ := testManager(testConfig())

	// CC-derived pressure arrives before any note-on on channel 2.
	m.StorePending(2, modmatrix.SrcPressure, fixed.FromFloat(0.5))
	if !m.HasPending(2) {
		t.Fatal("pending value should be buffered")
	}

	s := m.Allocate(2, 64, 100)
	if s == nil {
		t.Fatal("Allocate failed")
	}
	ff, ok := s.Param(engine.ParamFilterFrequency)
	if !ok {
		t.Fatal("pending pressure must be applied at allocation, not later")
	}
	if got := ff.Float(); math.Abs(got-4100) > 1 {
		t.Errorf("replayed filter frequency = %f, want 4100", got)
	}
	if m.HasPending(2) {
		t.Error("pending buffer must be cleared after replay")
	}
}

func TestPendingReplayPreservesReceiptOrder(t *testing.T) {
	cfg := &Config{
		Routes: []Route{
			{Source: modmatrix.SrcPressure, Target: engine.ParamFilterFrequency, Amount: fixed.One, Min: 0, Max: fixed.FromInt(100)},
			{Source: modmatrix.SrcTimbre, Target: engine.ParamFilterFrequency, Amount: fixed.One, Min: 0, Max: fixed.FromInt(100)},
		},
		Combine: map[engine.Param]Combine{
			engine.ParamFilterFrequency: CombineAdd,
		},
	}
	m, _ := testManager(cfg)
	m.StorePending(1, modmatrix.SrcPressure, fixed.FromFloat(0.1))
	m.StorePending(1, modmatrix.SrcTimbre, fixed.FromFloat(0.2))
	// Updating an already-pending source keeps its original position.
	m.StorePending(1, modmatrix.SrcPressure, fixed.FromFloat(0.3))

	s := m.Allocate(1, 60, 100)
	ff, _ := s.Param(engine.ParamFilterFrequency)
	// 0.3*100 + 0.2*100 applied additively regardless of order = 50.
	if got := ff.Float(); math.Abs(got-50) > 0.5 {
		t.Errorf("replayed sum = %f, want 50", got)
	}
	// The raw values confirm the latest value per source was replayed.
	if got := s.Raw(modmatrix.SrcPressure).Float(); math.Abs(got-0.3) > 0.001 {
		t.Errorf("pressure raw = %f, want 0.3 (latest)", got)
	}
}

func TestCleanupSweep(t *testing.T) {
	cfg := testConfig()
	cfg.ReleaseGrace = 500 * time.Millisecond
	m, advance := testManager(cfg)

	m.Allocate(1, 60, 100)
	m.Allocate(2, 64, 100)
	m.Release(1, 60)

	advance(200 * time.Millisecond)
	if n := m.Cleanup(); n != 0 {
		t.Errorf("cleanup inside grace window removed %d states", n)
	}
	advance(400 * time.Millisecond)
	if n := m.Cleanup(); n != 1 {
		t.Errorf("cleanup after grace removed %d states, want 1", n)
	}
	if m.Get(1, 60) != nil {
		t.Error("released note should be destroyed after grace period")
	}
	if m.Get(2, 64) == nil {
		t.Error("active note must survive cleanup")
	}
}

func TestByChannel(t *testing.T) {
	m, _ := testManager(testConfig())
	m.Allocate(3, 72, 90)
	if s := m.ByChannel(3); s == nil || s.Note != 72 {
		t.Error("ByChannel should find the active note")
	}
	if m.ByChannel(4) != nil {
		t.Error("ByChannel on an idle channel should return nil")
	}
	m.Release(3, 72)
	if m.ByChannel(3) != nil {
		t.Error("released note should not be returned by ByChannel")
	}
}
