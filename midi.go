package mpesynth

import (
	"gitlab.com/gomidi/midi/v2"

	"github.com/cbegin/mpesynth-go/internal/router"
)

// DecodeMessage normalizes a wire MIDI message into a router event.
// Returns false for message types the core does not consume (clock, sysex,
// program change). Note-ons with velocity zero come through GetNoteEnd and
// map to note-off, per MIDI convention.
func DecodeMessage(msg midi.Message) (router.Event, bool) {
	var ch, key, vel, cc, val uint8
	var rel int16
	var abs uint16

	switch {
	case msg.GetNoteStart(&ch, &key, &vel):
		return router.Event{
			Type:     router.EventNoteOn,
			Channel:  int(ch),
			Note:     int(key),
			Velocity: int(vel),
		}, true
	case msg.GetNoteEnd(&ch, &key):
		return router.Event{
			Type:    router.EventNoteOff,
			Channel: int(ch),
			Note:    int(key),
		}, true
	case msg.GetControlChange(&ch, &cc, &val):
		return router.Event{
			Type:       router.EventCC,
			Channel:    int(ch),
			Controller: int(cc),
			Value:      int(val),
		}, true
	case msg.GetPitchBend(&ch, &rel, &abs):
		return router.Event{
			Type:    router.EventPitchBend,
			Channel: int(ch),
			Value:   int(abs),
		}, true
	case msg.GetAfterTouch(&ch, &val):
		return router.Event{
			Type:    router.EventPressure,
			Channel: int(ch),
			Value:   int(val),
		}, true
	case msg.GetPolyAfterTouch(&ch, &key, &val):
		// MPE controllers send channel pressure; fold poly pressure onto
		// the same path for keyboards that use it.
		return router.Event{
			Type:    router.EventPressure,
			Channel: int(ch),
			Value:   int(val),
		}, true
	}
	return router.Event{}, false
}
