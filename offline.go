package mpesynth

import (
	"encoding/binary"
	"math"
	"sort"
	"time"

	introuter "github.com/cbegin/mpesynth-go/internal/router"
	inttonegen "github.com/cbegin/mpesynth-go/internal/tonegen"
)

// TimedEvent schedules a normalized event at an offset from render start.
type TimedEvent struct {
	At    time.Duration
	Event introuter.Event
}

// RenderSamples plays a timed event sequence through an instrument without
// an audio device and returns interleaved stereo float32 samples. Control
// updates run at the synth's default tick rate between audio chunks, the
// same interleaving the live path produces.
func RenderSamples(inst *introuter.Instrument, events []TimedEvent, sampleRate int, seconds float64) ([]float32, error) {
	gen := inttonegen.New(sampleRate)
	r := introuter.New(gen, defaultVoices, defaultTickHz)
	if err := r.SetInstrument(inst); err != nil {
		return nil, err
	}
	if inst.Paths != nil {
		gen.SetMorphSequence(inst.Paths.MorphSequence)
	}

	sorted := append([]TimedEvent(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].At < sorted[j].At })

	totalFrames := int(float64(sampleRate) * seconds)
	chunkFrames := int(float64(sampleRate) / defaultTickHz)
	if chunkFrames < 1 {
		chunkFrames = 1
	}
	out := make([]float32, totalFrames*2)

	next := 0
	for frame := 0; frame < totalFrames; frame += chunkFrames {
		at := time.Duration(float64(frame) / float64(sampleRate) * float64(time.Second))
		for next < len(sorted) && sorted[next].At <= at {
			r.Handle(sorted[next].Event)
			next++
		}
		r.Update()

		n := chunkFrames
		if frame+n > totalFrames {
			n = totalFrames - frame
		}
		gen.Process(out[frame*2 : (frame+n)*2])
	}
	return out, nil
}

// EncodeWAVFloat32LE wraps samples in a minimal IEEE-float WAV container.
func EncodeWAVFloat32LE(samples []float32, sampleRate int, channels int) []byte {
	dataSize := len(samples) * 4
	byteRate := sampleRate * channels * 4
	blockAlign := channels * 4
	chunkSize := 36 + dataSize
	out := make([]byte, 44+dataSize)
	copy(out[0:], []byte("RIFF"))
	binary.LittleEndian.PutUint32(out[4:], uint32(chunkSize))
	copy(out[8:], []byte("WAVE"))
	copy(out[12:], []byte("fmt "))
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 3)
	binary.LittleEndian.PutUint16(out[22:], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:], 32)
	copy(out[36:], []byte("data"))
	binary.LittleEndian.PutUint32(out[40:], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[44+i*4:], math.Float32bits(s))
	}
	return out
}
