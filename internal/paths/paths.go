// Package paths compiles the instrument path grammar into a routing table.
// One path per line, segments separated by '/':
//
//	oscillator/frequency/per_key/note_number/note_on
//	filter/low_pass/frequency/global/20-20000/cc70
//	oscillator/bend/per_key/n12-12/pitch_bend
//
// Everything before the global/per_key scope token names the target
// parameter; the token after it is an optional value transform (numeric
// range, fixed value, waveform name, or the note_number/velocity keywords);
// the final token names the MIDI trigger. Ranges precompute a 128-entry
// lookup table so runtime conversion is a single array index.
package paths

import (
	"fmt"
	"strconv"
	"strings"
)

type Scope int

const (
	ScopeGlobal Scope = iota
	ScopePerKey
)

func (s Scope) String() string {
	if s == ScopePerKey {
		return "per_key"
	}
	return "global"
}

// TriggerKind identifies which MIDI message type fires a route.
type TriggerKind int

const (
	TrigNone TriggerKind = iota
	TrigNoteOn
	TrigNoteOff
	TrigVelocity
	TrigNoteNumber
	TrigPitchBend
	TrigPressure
	TrigCC
)

type Trigger struct {
	Kind       TriggerKind
	Controller int // CC number, valid only for TrigCC
}

// Transform describes how the trigger's MIDI value becomes a parameter value.
type Transform int

const (
	TransformNone     Transform = iota // action-only route (press/release)
	TransformRange                     // interpolate into [Min, Max]
	TransformFixed                     // literal value from the path
	TransformNoteFreq                  // note number to frequency
	TransformWaveform                  // named waveform selection
)

// Route is one compiled path line. Routes are built during instrument load
// and never mutated afterwards; on instrument change the whole table is
// rebuilt and swapped.
type Route struct {
	Raw       string
	Target    string // slash-joined parameter path before the scope token
	Param     string // final segment of Target
	Scope     Scope
	Trigger   Trigger
	Transform Transform
	Table     *MidiRange // set when Transform == TransformRange
	Fixed     string     // literal token for TransformFixed / TransformWaveform
	Integer   bool
}

// Config is the full compiled routing table for one instrument.
type Config struct {
	Routes []Route

	// Per-trigger indexes into Routes, in declaration order.
	NoteOn    []*Route
	NoteOff   []*Route
	PitchBend []*Route
	Pressure  []*Route
	CC        map[int][]*Route

	// Structural facts pulled out of the paths during the same pass.
	FilterType    string
	Waveform      string
	RingWaveform  string
	HasEnvelope   bool
	MorphSequence []string
	RingMorphSeq  []string
	GlobalRanges  map[string]*MidiRange
	PerKeyRanges  map[string]*MidiRange
}

// SyntaxError reports a malformed path line. Any syntax error aborts the
// whole parse; a half-configured instrument must never be installed.
type SyntaxError struct {
	Line   int
	Text   string
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("path syntax error at line %d: %s (%q)", e.Line, e.Reason, e.Text)
}

var waveformNames = map[string]bool{
	"sine": true, "triangle": true, "square": true, "saw": true,
}

// Parse compiles a multi-line path configuration. Blank lines and lines
// starting with '#' are skipped. The first malformed line fails the whole
// parse so the caller can keep the previous configuration active.
func Parse(text string) (*Config, error) {
	cfg := &Config{
		CC:           make(map[int][]*Route),
		GlobalRanges: make(map[string]*MidiRange),
		PerKeyRanges: make(map[string]*MidiRange),
	}
	lines := strings.Split(text, "\n")
	for n, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		r, err := parseLine(n+1, line)
		if err != nil {
			return nil, err
		}
		cfg.Routes = append(cfg.Routes, r)
	}
	if len(cfg.Routes) == 0 {
		return nil, &SyntaxError{Line: 0, Reason: "no paths defined"}
	}
	for i := range cfg.Routes {
		cfg.index(&cfg.Routes[i])
	}
	return cfg, nil
}

func parseLine(n int, line string) (Route, error) {
	parts := strings.Split(line, "/")
	scopeIdx := -1
	for i, p := range parts {
		if p == "global" || p == "per_key" {
			scopeIdx = i
			break
		}
	}
	if scopeIdx == -1 {
		return Route{}, &SyntaxError{Line: n, Text: line, Reason: "missing global/per_key scope token"}
	}
	if scopeIdx == 0 {
		return Route{}, &SyntaxError{Line: n, Text: line, Reason: "missing parameter name before scope"}
	}
	r := Route{
		Raw:    line,
		Target: strings.Join(parts[:scopeIdx], "/"),
		Param:  parts[scopeIdx-1],
		Scope:  ScopeGlobal,
	}
	if parts[scopeIdx] == "per_key" {
		r.Scope = ScopePerKey
	}

	rest := parts[scopeIdx+1:]
	if len(rest) == 0 {
		return Route{}, &SyntaxError{Line: n, Text: line, Reason: "missing trigger after scope"}
	}

	// The last token is the trigger; anything between scope and trigger is
	// the value transform. A waveform path like oscillator/waveform/global/saw
	// has a value but no trigger at all.
	trig, ok := parseTrigger(rest[len(rest)-1])
	valueTokens := rest
	if ok {
		r.Trigger = trig
		valueTokens = rest[:len(rest)-1]
	}
	if !ok && !waveformNames[rest[len(rest)-1]] && rest[len(rest)-1] != "morph" && !isRangeToken(rest[len(rest)-1]) {
		return Route{}, &SyntaxError{Line: n, Text: line, Reason: "unknown trigger " + strconv.Quote(rest[len(rest)-1])}
	}

	if len(valueTokens) > 1 {
		return Route{}, &SyntaxError{Line: n, Text: line, Reason: "too many value tokens"}
	}
	if len(valueTokens) == 1 {
		if err := r.applyValueToken(valueTokens[0]); err != nil {
			return Route{}, &SyntaxError{Line: n, Text: line, Reason: err.Error()}
		}
	}
	// Velocity and note_number triggers imply their own transform.
	switch r.Trigger.Kind {
	case TrigNoteNumber:
		if r.Transform == TransformNone {
			r.Transform = TransformNoteFreq
		}
	case TrigVelocity:
		if r.Transform == TransformNone {
			r.Transform = TransformRange
			r.Table = NewMidiRange(0, 1, false)
		}
	}
	return r, nil
}

func (r *Route) applyValueToken(tok string) error {
	switch {
	case tok == "note_number":
		r.Transform = TransformNoteFreq
	case tok == "velocity":
		r.Transform = TransformRange
		r.Table = NewMidiRange(0, 1, false)
	case waveformNames[tok]:
		r.Transform = TransformWaveform
		r.Fixed = tok
	case isMorphSequence(tok):
		r.Transform = TransformWaveform
		r.Fixed = tok
	case isRangeToken(tok):
		min, max, integer, err := ParseRange(tok)
		if err != nil {
			return err
		}
		r.Transform = TransformRange
		r.Integer = integer
		r.Table = NewMidiRange(min, max, integer)
	default:
		f, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return fmt.Errorf("invalid value token %q", tok)
		}
		r.Transform = TransformFixed
		r.Fixed = tok
		_ = f
	}
	return nil
}

func parseTrigger(tok string) (Trigger, bool) {
	switch tok {
	case "note_on":
		return Trigger{Kind: TrigNoteOn}, true
	case "note_off":
		return Trigger{Kind: TrigNoteOff}, true
	case "velocity":
		return Trigger{Kind: TrigVelocity}, true
	case "note_number":
		return Trigger{Kind: TrigNoteNumber}, true
	case "pitch_bend":
		return Trigger{Kind: TrigPitchBend}, true
	case "pressure":
		return Trigger{Kind: TrigPressure}, true
	}
	if strings.HasPrefix(tok, "cc") {
		num, err := strconv.Atoi(tok[2:])
		if err != nil || num < 0 || num > 127 {
			return Trigger{}, false
		}
		return Trigger{Kind: TrigCC, Controller: num}, true
	}
	return Trigger{}, false
}

// ParseRange decodes a min-max token. The 'n' prefix marks a negative
// endpoint: n12-12 means -12..12, n1-n0.5 means -1..-0.5. Endpoints stay
// float here; quantization to fixed point happens once, in NewMidiRange.
func ParseRange(tok string) (min, max float64, integer bool, err error) {
	i := strings.Index(tok, "-")
	if i <= 0 || i == len(tok)-1 {
		return 0, 0, false, fmt.Errorf("invalid range %q", tok)
	}
	lo, hi := tok[:i], tok[i+1:]
	loF, err := parseRangeNumber(lo)
	if err != nil {
		return 0, 0, false, fmt.Errorf("invalid range %q: %v", tok, err)
	}
	hiF, err := parseRangeNumber(hi)
	if err != nil {
		return 0, 0, false, fmt.Errorf("invalid range %q: %v", tok, err)
	}
	integer = !strings.Contains(tok, ".")
	return loF, hiF, integer, nil
}

func parseRangeNumber(s string) (float64, error) {
	neg := false
	if strings.HasPrefix(s, "n") {
		neg = true
		s = s[1:]
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if neg {
		f = -f
	}
	return f, nil
}

func isRangeToken(tok string) bool {
	i := strings.Index(tok, "-")
	if i <= 0 || i == len(tok)-1 {
		return false
	}
	_, err := parseRangeNumber(tok[:i])
	if err != nil {
		return false
	}
	_, err = parseRangeNumber(tok[i+1:])
	return err == nil
}

func isMorphSequence(tok string) bool {
	names := strings.Split(tok, "-")
	if len(names) < 2 {
		return false
	}
	for _, n := range names {
		if !waveformNames[n] {
			return false
		}
	}
	return true
}

func (c *Config) index(r *Route) {
	switch r.Trigger.Kind {
	case TrigNoteOn, TrigVelocity, TrigNoteNumber:
		c.NoteOn = append(c.NoteOn, r)
	case TrigNoteOff:
		c.NoteOff = append(c.NoteOff, r)
	case TrigPitchBend:
		c.PitchBend = append(c.PitchBend, r)
	case TrigPressure:
		c.Pressure = append(c.Pressure, r)
	case TrigCC:
		c.CC[r.Trigger.Controller] = append(c.CC[r.Trigger.Controller], r)
	}
	if r.Table != nil {
		if r.Scope == ScopeGlobal {
			c.GlobalRanges[r.Param] = r.Table
		} else {
			c.PerKeyRanges[r.Param] = r.Table
		}
	}

	parts := strings.Split(r.Target, "/")
	switch {
	case parts[0] == "filter" && len(parts) >= 2 && isFilterType(parts[1]):
		c.FilterType = parts[1]
	case parts[0] == "amplifier" && len(parts) >= 2 && parts[1] == "envelope":
		c.HasEnvelope = true
	case parts[0] == "oscillator" && len(parts) >= 2 && parts[1] == "waveform":
		if r.Transform == TransformWaveform {
			if strings.Contains(r.Fixed, "-") {
				c.MorphSequence = strings.Split(r.Fixed, "-")
			} else {
				c.Waveform = r.Fixed
			}
		}
	case parts[0] == "oscillator" && len(parts) >= 3 && parts[1] == "ring" && parts[2] == "waveform":
		if r.Transform == TransformWaveform {
			if strings.Contains(r.Fixed, "-") {
				c.RingMorphSeq = strings.Split(r.Fixed, "-")
			} else {
				c.RingWaveform = r.Fixed
			}
		}
	}
}

// Accepts reports whether any route listens for the given trigger kind.
// MIDI messages of unregistered types are dropped before any processing.
func (c *Config) Accepts(kind TriggerKind, controller int) bool {
	switch kind {
	case TrigNoteOn, TrigVelocity, TrigNoteNumber:
		return len(c.NoteOn) > 0
	case TrigNoteOff:
		return len(c.NoteOff) > 0
	case TrigPitchBend:
		return len(c.PitchBend) > 0
	case TrigPressure:
		return len(c.Pressure) > 0
	case TrigCC:
		return len(c.CC[controller]) > 0
	}
	return false
}

func isFilterType(s string) bool {
	switch s {
	case "low_pass", "high_pass", "band_pass", "notch":
		return true
	}
	return false
}
