// Package wavetable builds and caches single-cycle waveform tables for the
// oscillators. Tables are built lazily on first request and shared by every
// voice that asks for the same waveform and size; the cache is an explicit
// object owned by the engine, not package state.
package wavetable

import "math"

const twoPi = math.Pi * 2

// DefaultSize is the table length used when the caller has no opinion.
const DefaultSize = 64

type key struct {
	name string
	size int
}

// Cache holds built tables keyed by (waveform name, sample count).
type Cache struct {
	tables map[key][]float64
}

func NewCache() *Cache {
	return &Cache{tables: make(map[key][]float64)}
}

// Get returns the table for a waveform name, building and caching it on the
// first request. Unknown names and non-positive sizes fall back to a sine
// table so a bad config degrades to a tone rather than silence.
func (c *Cache) Get(name string, size int) []float64 {
	if size <= 0 {
		size = DefaultSize
	}
	k := key{name, size}
	if t, ok := c.tables[k]; ok {
		return t
	}
	t := build(name, size)
	c.tables[k] = t
	return t
}

// Morph returns a table blended between two cached waveforms. pos is
// clamped to [0, 1]; the endpoints return the cached tables directly.
func (c *Cache) Morph(from, to string, size int, pos float64) []float64 {
	if pos <= 0 {
		return c.Get(from, size)
	}
	if pos >= 1 {
		return c.Get(to, size)
	}
	a := c.Get(from, size)
	b := c.Get(to, size)
	out := make([]float64, len(a))
	for i := range out {
		out[i] = a[i]*(1-pos) + b[i]*pos
	}
	return out
}

// Len reports the number of cached tables.
func (c *Cache) Len() int { return len(c.tables) }

// Clear drops every cached table.
func (c *Cache) Clear() {
	c.tables = make(map[key][]float64)
}

func build(name string, size int) []float64 {
	t := make([]float64, size)
	switch name {
	case "triangle":
		// Phase-aligned with sine: 0 at the start, +1 at a quarter,
		// -1 at three quarters. Morphs between the two stay coherent.
		for i := range t {
			phase := float64(i) / float64(size)
			switch {
			case phase < 0.25:
				t[i] = 4 * phase
			case phase < 0.75:
				t[i] = 2 - 4*phase
			default:
				t[i] = 4*phase - 4
			}
		}
	case "square":
		for i := range t {
			if i < size/2 {
				t[i] = 1
			} else {
				t[i] = -1
			}
		}
	case "saw":
		for i := range t {
			t[i] = 1 - 2*float64(i)/float64(size)
		}
	default: // sine
		for i := range t {
			t[i] = math.Sin(twoPi * float64(i) / float64(size))
		}
	}
	return t
}
