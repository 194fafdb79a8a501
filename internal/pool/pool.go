// Package pool manages the fixed voice pool: allocation, per-channel
// addressing, least-recently-used stealing, and the rapid-steal lockout.
package pool

import (
	"math"
	"time"

	"github.com/cbegin/mpesynth-go/internal/engine"
	"github.com/cbegin/mpesynth-go/internal/fixed"
)

const (
	rapidStealWindow = 100 * time.Millisecond
	rapidStealLimit  = 3
	lockoutDuration  = 3 * time.Second
	lockoutSweep     = time.Second
)

// Voice is one slot in the pool. Slots are constructed once at pool init
// and never resized; only their note bindings change.
type Voice struct {
	Channel    int
	NoteNumber int
	Note       engine.NoteID
	timestamp  uint64
	active     bool
}

// Active reports whether the slot currently holds a pressed note.
func (v *Voice) Active() bool { return v.active }

// Pool owns the voice array and the channel map. All methods must be called
// from the single control-loop goroutine.
type Pool struct {
	eng      engine.Engine
	voices   []Voice
	channels map[int]*Voice
	nextTS   uint64
	ampScale []fixed.Value

	lastSteal   time.Time
	rapidSteals int
	locked      bool
	lockoutEnd  time.Time
	lastSweep   time.Time

	now func() time.Time
}

// New creates a pool of size voice slots driving eng.
func New(eng engine.Engine, size int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		eng:      eng,
		voices:   make([]Voice, size),
		channels: make(map[int]*Voice),
		now:      time.Now,
	}
	// Equal-power scaling table, oversized because the count can transiently
	// pass the pool size mid-steal.
	p.ampScale = make([]fixed.Value, size+4)
	p.ampScale[0] = fixed.One
	for i := 1; i < len(p.ampScale); i++ {
		p.ampScale[i] = fixed.FromFloat(1.0 / math.Sqrt(float64(i)))
	}
	return p
}

// Size returns the number of voice slots.
func (p *Pool) Size() int { return len(p.voices) }

// Locked reports whether the rapid-steal lockout is in effect.
func (p *Pool) Locked() bool { return p.locked }

// AmplitudeScale returns the per-note gain for n sounding notes.
func (p *Pool) AmplitudeScale(n int) fixed.Value {
	if n < 0 {
		n = 0
	} else if n >= len(p.ampScale) {
		n = len(p.ampScale) - 1
	}
	return p.ampScale[n]
}

// VoiceByChannel returns the voice mapped to channel, or nil.
func (p *Pool) VoiceByChannel(channel int) *Voice {
	return p.channels[channel]
}

// ActiveCount counts notes the backend still reports as sounding.
// Releasing tails do not count toward polyphony.
func (p *Pool) ActiveCount() int {
	n := 0
	for i := range p.voices {
		v := &p.voices[i]
		if v.active && p.eng.EnvelopeState(v.Note).Sounding() {
			n++
		}
	}
	return n
}

// Press allocates a voice for (noteNumber, channel) and sounds it. Any
// voice already on the channel is released first. Returns nil while the
// lockout is active or when a steal attempt tripped it.
func (p *Pool) Press(noteNumber, channel int, params engine.NoteParams) *Voice {
	t := p.now()
	if p.tickLockout(t) {
		return nil
	}

	p.ReleaseChannel(channel)

	var release []engine.NoteID
	v := p.freeVoice()
	if v == nil {
		v, release = p.steal(t)
		if v == nil {
			return nil
		}
	}

	if params.Amplitude == 0 {
		params.Amplitude = fixed.One
	}
	params.Amplitude = fixed.Mul(params.Amplitude, p.AmplitudeScale(p.ActiveCount()+1))

	id := p.eng.CreateNote(params)
	p.eng.ChangeAtomic(release, []engine.NoteID{id})

	v.Channel = channel
	v.NoteNumber = noteNumber
	v.Note = id
	v.active = true
	v.timestamp = p.nextTS
	p.nextTS++
	p.channels[channel] = v

	p.rescale()
	return v
}

// ReleaseNote releases the voice holding noteNumber. Unknown notes are a
// no-op. The slot becomes logically free at once; the audio tail is the
// backend's concern.
func (p *Pool) ReleaseNote(noteNumber int) *Voice {
	for i := range p.voices {
		v := &p.voices[i]
		if v.active && v.NoteNumber == noteNumber {
			p.releaseVoice(v)
			p.rescale()
			return v
		}
	}
	return nil
}

// ReleaseChannel releases whatever voice is mapped to channel, if any.
func (p *Pool) ReleaseChannel(channel int) {
	v, ok := p.channels[channel]
	if !ok {
		return
	}
	p.releaseVoice(v)
	p.rescale()
}

// ReleaseAll force-releases every active voice and resets allocation order.
func (p *Pool) ReleaseAll() {
	for i := range p.voices {
		v := &p.voices[i]
		if v.active {
			p.releaseVoice(v)
		}
	}
	p.nextTS = 0
	for ch := range p.channels {
		delete(p.channels, ch)
	}
}

func (p *Pool) releaseVoice(v *Voice) {
	p.eng.ChangeAtomic([]engine.NoteID{v.Note}, nil)
	delete(p.channels, v.Channel)
	v.active = false
	v.Note = 0
}

func (p *Pool) freeVoice() *Voice {
	for i := range p.voices {
		if !p.voices[i].active {
			return &p.voices[i]
		}
	}
	return nil
}

// steal picks the voice with the oldest allocation timestamp, after checking
// whether this steal trips the lockout. The stolen note is returned so the
// caller can bundle its release with the new press in one atomic change.
func (p *Pool) steal(t time.Time) (*Voice, []engine.NoteID) {
	if p.noteSteal(t) {
		return nil, nil
	}
	oldest := &p.voices[0]
	for i := 1; i < len(p.voices); i++ {
		if p.voices[i].timestamp < oldest.timestamp {
			oldest = &p.voices[i]
		}
	}
	release := []engine.NoteID{oldest.Note}
	delete(p.channels, oldest.Channel)
	oldest.active = false
	return oldest, release
}

// noteSteal records a steal event and reports whether it triggered the
// lockout. Three steals each within 100ms of the previous one trip it.
func (p *Pool) noteSteal(t time.Time) bool {
	if !p.lastSteal.IsZero() && t.Sub(p.lastSteal) < rapidStealWindow {
		p.rapidSteals++
	} else {
		p.rapidSteals = 1
	}
	p.lastSteal = t
	if p.rapidSteals >= rapidStealLimit {
		p.locked = true
		p.lockoutEnd = t.Add(lockoutDuration)
		p.lastSweep = t
		p.ReleaseAll()
		return true
	}
	return false
}

// tickLockout advances lockout state at time t and reports whether presses
// are currently blocked. While locked, all voices are force-released once
// per second so a stuck controller cannot leave sound hanging.
func (p *Pool) tickLockout(t time.Time) bool {
	if !p.locked {
		return false
	}
	if !t.Before(p.lockoutEnd) {
		p.locked = false
		p.rapidSteals = 0
		p.ReleaseAll()
		return false
	}
	if t.Sub(p.lastSweep) >= lockoutSweep {
		p.ReleaseAll()
		p.lastSweep = t
	}
	return true
}

// ForEachActive calls fn for every voice currently holding a pressed note.
func (p *Pool) ForEachActive(fn func(*Voice)) {
	for i := range p.voices {
		if p.voices[i].active {
			fn(&p.voices[i])
		}
	}
}

// rescale pushes the current equal-power gain to every sounding note.
func (p *Pool) rescale() {
	n := p.ActiveCount()
	if n == 0 {
		return
	}
	scale := p.AmplitudeScale(n)
	for i := range p.voices {
		v := &p.voices[i]
		if v.active && p.eng.EnvelopeState(v.Note).Sounding() {
			p.eng.UpdateNote(v.Note, engine.ParamAmplitude, scale)
		}
	}
}
