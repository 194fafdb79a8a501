package mpesynth

import (
	"encoding/binary"
	"testing"
	"time"

	introuter "github.com/cbegin/mpesynth-go/internal/router"
)

const testInstrumentYAML = `
name: test-lead
paths: |
  note/press/per_key/note_on
  note/release/per_key/note_off
  oscillator/frequency/per_key/note_number/note_on
  oscillator/bend/per_key/n12-12/pitch_bend
  filter/low_pass/frequency/global/20-20000/cc70
routes:
  - source: pressure
    target: filter_frequency
    amount: 1.0
    min: 200
    max: 8000
parameters:
  filter_frequency:
    combine: add
`

func testRenderInstrument(t *testing.T) *introuter.Instrument {
	t.Helper()
	inst, err := ParseInstrument([]byte(testInstrumentYAML))
	if err != nil {
		t.Fatalf("ParseInstrument: %v", err)
	}
	return inst
}

func TestRenderSamplesProducesAudio(t *testing.T) {
	inst := testRenderInstrument(t)
	events := []TimedEvent{
		{At: 0, Event: introuter.Event{Type: introuter.EventNoteOn, Channel: 1, Note: 69, Velocity: 100}},
		{At: 300 * time.Millisecond, Event: introuter.Event{Type: introuter.EventNoteOff, Channel: 1, Note: 69}},
	}
	samples, err := RenderSamples(inst, events, 48000, 0.5)
	if err != nil {
		t.Fatalf("RenderSamples: %v", err)
	}
	if len(samples) != 48000 {
		t.Fatalf("sample count = %d, want 48000 (0.5s stereo)", len(samples))
	}
	peak := float32(0)
	for _, s := range samples[:24000] {
		if s > peak {
			peak = s
		}
	}
	if peak == 0 {
		t.Error("held note rendered silence")
	}
	// The tail after release should decay toward zero.
	tailPeak := float32(0)
	for _, s := range samples[len(samples)-2000:] {
		if s > tailPeak {
			tailPeak = s
		}
	}
	if tailPeak > peak {
		t.Errorf("tail peak %f exceeds held peak %f after release", tailPeak, peak)
	}
}

func TestRenderSamplesSilentWithoutEvents(t *testing.T) {
	inst := testRenderInstrument(t)
	samples, err := RenderSamples(inst, nil, 48000, 0.1)
	if err != nil {
		t.Fatalf("RenderSamples: %v", err)
	}
	for i, s := range samples {
		if s != 0 {
			t.Fatalf("sample %d = %f, want silence", i, s)
		}
	}
}

func TestRenderSamplesRejectsBadInstrument(t *testing.T) {
	if _, err := RenderSamples(&introuter.Instrument{}, nil, 48000, 0.1); err == nil {
		t.Error("empty instrument should be rejected")
	}
}

func TestEncodeWAVHeader(t *testing.T) {
	wav := EncodeWAVFloat32LE(make([]float32, 200), 48000, 2)
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatal("missing RIFF/WAVE markers")
	}
	if got := binary.LittleEndian.Uint16(wav[20:]); got != 3 {
		t.Errorf("format tag = %d, want 3 (IEEE float)", got)
	}
	if got := binary.LittleEndian.Uint32(wav[24:]); got != 48000 {
		t.Errorf("sample rate = %d, want 48000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:]); got != 800 {
		t.Errorf("data size = %d, want 800", got)
	}
	if len(wav) != 44+800 {
		t.Errorf("total size = %d, want %d", len(wav), 44+800)
	}
}
