package pool

import (
	"testing"
	"time"

	"github.com/cbegin/mpesynth-go/internal/engine"
	"github.com/cbegin/mpesynth-go/internal/fixed"
)

// fakeEngine records note lifecycle without producing audio.
type fakeEngine struct {
	nextID  engine.NoteID
	states  map[engine.NoteID]engine.EnvelopeState
	created []engine.NoteParams
	changes []change
	updates []update
}

type change struct {
	release, press []engine.NoteID
}

type update struct {
	id    engine.NoteID
	param engine.Param
	value fixed.Value
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{states: make(map[engine.NoteID]engine.EnvelopeState)}
}

func (f *fakeEngine) CreateNote(p engine.NoteParams) engine.NoteID {
	f.nextID++
	f.created = append(f.created, p)
	f.states[f.nextID] = engine.EnvOff
	return f.nextID
}

func (f *fakeEngine) ChangeAtomic(release, press []engine.NoteID) {
	f.changes = append(f.changes, change{release: release, press: press})
	for _, id := range release {
		f.states[id] = engine.EnvRelease
	}
	for _, id := range press {
		f.states[id] = engine.EnvSustain
	}
}

func (f *fakeEngine) UpdateNote(id engine.NoteID, param engine.Param, v fixed.Value) {
	f.updates = append(f.updates, update{id, param, v})
}

func (f *fakeEngine) EnvelopeState(id engine.NoteID) engine.EnvelopeState {
	return f.states[id]
}

func testClock(start time.Time) (func() time.Time, func(time.Duration)) {
	t := start
	return func() time.Time { return t }, func(d time.Duration) { t = t.Add(d) }
}

func newTestPool(size int) (*Pool, *fakeEngine, func(time.Duration)) {
	eng := newFakeEngine()
	p := New(eng, size)
	now, advance := testClock(time.Unix(1000, 0))
	p.now = now
	return p, eng, advance
}

func TestPressAllocatesVoice(t *testing.T) {
	p, eng, _ := newTestPool(4)
	v := p.Press(60, 1, engine.NoteParams{Frequency: fixed.FromInt(261)})
	if v == nil {
		t.Fatal("Press returned nil with free voices available")
	}
	if !v.Active() || v.Channel != 1 || v.NoteNumber != 60 {
		t.Errorf("voice state = %+v", v)
	}
	if p.VoiceByChannel(1) != v {
		t.Error("channel map should point at the pressed voice")
	}
	if len(eng.changes) != 1 || len(eng.changes[0].press) != 1 {
		t.Fatalf("expected one atomic press, got %+v", eng.changes)
	}
	if len(eng.changes[0].release) != 0 {
		t.Error("fresh press should release nothing")
	}
}

func TestAtMostOneVoicePerChannel(t *testing.T) {
	p, _, _ := newTestPool(4)
	a := p.Press(60, 1, engine.NoteParams{})
	b := p.Press(64, 1, engine.NoteParams{})
	if a == nil || b == nil {
		t.Fatal("presses failed")
	}
	if a.Active() && a != b {
		t.Error("previous voice on channel must be released by new press")
	}
	if p.VoiceByChannel(1) != b {
		t.Error("channel map must point at the latest voice")
	}
	count := 0
	for ch, v := range p.channels {
		if v.Channel != ch {
			t.Errorf("channel map key %d points at voice with channel %d", ch, v.Channel)
		}
		count++
	}
	if count != 1 {
		t.Errorf("channel map has %d entries, want 1", count)
	}
}

func TestReleaseNoteFreesImmediately(t *testing.T) {
	p, eng, _ := newTestPool(2)
	p.Press(60, 1, engine.NoteParams{})
	v := p.ReleaseNote(60)
	if v == nil {
		t.Fatal("ReleaseNote should find the active voice")
	}
	if v.Active() {
		t.Error("released voice must be logically free at once")
	}
	if p.VoiceByChannel(1) != nil {
		t.Error("channel map entry must be removed on release")
	}
	if eng.states[1] != engine.EnvRelease {
		t.Error("backend note should be put into its release phase")
	}
	// The freed slot is reusable while the old tail still decays.
	if p.Press(62, 2, engine.NoteParams{}) == nil {
		t.Error("freed slot should accept a new press")
	}
}

func TestReleaseUnknownNoteIsNoOp(t *testing.T) {
	p, eng, _ := newTestPool(2)
	if v := p.ReleaseNote(99); v != nil {
		t.Error("releasing an unknown note should return nil")
	}
	if len(eng.changes) != 0 {
		t.Error("no backend call for an unknown release")
	}
	p.ReleaseChannel(7) // also a no-op
	if len(eng.changes) != 0 {
		t.Error("no backend call for an unmapped channel release")
	}
}

func TestStealOldestVoice(t *testing.T) {
	p, eng, advance := newTestPool(2)
	p.Press(60, 1, engine.NoteParams{}) // A
	advance(200 * time.Millisecond)
	p.Press(62, 2, engine.NoteParams{}) // B
	advance(200 * time.Millisecond)
	v := p.Press(64, 3, engine.NoteParams{}) // C steals A
	if v == nil {
		t.Fatal("steal should produce a voice")
	}
	if p.VoiceByChannel(1) != nil {
		t.Error("stolen voice's channel must vanish from the map")
	}
	if p.VoiceByChannel(2) == nil || p.VoiceByChannel(2).NoteNumber != 62 {
		t.Error("channel 2 should still hold note B")
	}
	if p.VoiceByChannel(3) == nil || p.VoiceByChannel(3).NoteNumber != 64 {
		t.Error("channel 3 should hold note C")
	}
	// The steal must release old and press new in one atomic change.
	last := eng.changes[len(eng.changes)-1]
	if len(last.release) != 1 || len(last.press) != 1 {
		t.Errorf("steal change = %+v, want one release and one press together", last)
	}
}

func TestPoolCapacityInvariant(t *testing.T) {
	p, _, advance := newTestPool(3)
	for i := 0; i < 10; i++ {
		p.Press(50+i, i+1, engine.NoteParams{})
		advance(200 * time.Millisecond)
		active := 0
		for j := range p.voices {
			if p.voices[j].Active() {
				active++
			}
		}
		if active > 3 {
			t.Fatalf("after press %d: %d active voices, pool size 3", i, active)
		}
	}
}

func TestRapidStealLockout(t *testing.T) {
	p, _, advance := newTestPool(1)
	p.Press(60, 1, engine.NoteParams{})
	// Three steals, each within 100ms of the previous, trip the lockout.
	for i := 0; i < 3; i++ {
		advance(50 * time.Millisecond)
		p.Press(61+i, 2+i, engine.NoteParams{})
	}
	if !p.Locked() {
		t.Fatal("three rapid steals should trigger the lockout")
	}
	if p.Press(70, 9, engine.NoteParams{}) != nil {
		t.Error("press during lockout must return nil")
	}
	// Still locked just before the 3 second mark.
	advance(2800 * time.Millisecond)
	if p.Press(71, 9, engine.NoteParams{}) != nil {
		t.Error("press at 2.85s into lockout must still be blocked")
	}
	// Past 3 seconds from the triggering steal it clears.
	advance(300 * time.Millisecond)
	if p.Press(72, 9, engine.NoteParams{}) == nil {
		t.Error("press after lockout expiry should succeed")
	}
	if p.Locked() {
		t.Error("lockout flag should clear on expiry")
	}
}

func TestLockoutPeriodicReleaseAll(t *testing.T) {
	p, eng, advance := newTestPool(1)
	p.Press(60, 1, engine.NoteParams{})
	for i := 0; i < 3; i++ {
		advance(50 * time.Millisecond)
		p.Press(61+i, 2+i, engine.NoteParams{})
	}
	if !p.Locked() {
		t.Fatal("lockout should be active")
	}
	before := len(eng.changes)
	advance(1100 * time.Millisecond)
	p.Press(70, 5, engine.NoteParams{}) // blocked, but triggers the sweep
	if len(eng.changes) != before {
		// ReleaseAll with no active voices issues no changes; press a voice
		// mid-lockout is impossible, so only verify no note was created.
		t.Logf("changes during lockout sweep: %d", len(eng.changes)-before)
	}
	if p.VoiceByChannel(5) != nil {
		t.Error("no voice may be mapped during lockout")
	}
}

func TestSlowStealsDoNotLockout(t *testing.T) {
	p, _, advance := newTestPool(1)
	p.Press(60, 1, engine.NoteParams{})
	for i := 0; i < 5; i++ {
		advance(200 * time.Millisecond)
		if p.Press(61+i, 2, engine.NoteParams{}) == nil {
			t.Fatalf("slow steal %d should succeed", i)
		}
	}
	if p.Locked() {
		t.Error("steals spaced beyond 100ms must not trip the lockout")
	}
}

func TestAmplitudeScaleTable(t *testing.T) {
	p, _, _ := newTestPool(4)
	if got := p.AmplitudeScale(0); got != fixed.One {
		t.Errorf("scale(0) = %d, want One", got)
	}
	if got := p.AmplitudeScale(1); got != fixed.FromFloat(1.0) {
		t.Errorf("scale(1) = %f, want 1.0", got.Float())
	}
	two := p.AmplitudeScale(2).Float()
	if two < 0.70 || two > 0.71 {
		t.Errorf("scale(2) = %f, want ~0.7071", two)
	}
	four := p.AmplitudeScale(4).Float()
	if four < 0.49 || four > 0.51 {
		t.Errorf("scale(4) = %f, want 0.5", four)
	}
	// Indexes beyond the table clamp instead of panicking.
	if got := p.AmplitudeScale(100); got != p.AmplitudeScale(7) {
		t.Errorf("scale(100) = %d, want clamp to last entry", got)
	}
}

func TestRescaleOnCountChange(t *testing.T) {
	p, eng, advance := newTestPool(4)
	p.Press(60, 1, engine.NoteParams{})
	advance(200 * time.Millisecond)
	p.Press(64, 2, engine.NoteParams{})

	// The last amplitude pushed to note 1 must reflect two sounding notes.
	var last *update
	for i := range eng.updates {
		u := eng.updates[i]
		if u.id == 1 && u.param == engine.ParamAmplitude {
			last = &u
		}
	}
	if last == nil {
		t.Fatal("existing note should receive an amplitude rescale")
	}
	want := p.AmplitudeScale(2)
	if last.value != want {
		t.Errorf("rescaled amplitude = %f, want %f", last.value.Float(), want.Float())
	}
}

func TestReleaseAllResetsPool(t *testing.T) {
	p, _, advance := newTestPool(3)
	p.Press(60, 1, engine.NoteParams{})
	advance(time.Millisecond * 200)
	p.Press(62, 2, engine.NoteParams{})
	p.ReleaseAll()
	for i := range p.voices {
		if p.voices[i].Active() {
			t.Errorf("voice %d still active after ReleaseAll", i)
		}
	}
	if len(p.channels) != 0 {
		t.Errorf("channel map has %d entries after ReleaseAll", len(p.channels))
	}
}
