package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
	"gopkg.in/yaml.v3"

	"github.com/cbegin/mpesynth-go"
)

// defaultInstrument is used when no -instrument file is given: a plain MPE
// lead with per-channel bend and pressure-driven filter cutoff.
const defaultInstrument = `
name: default-lead
paths: |
  note/press/per_key/note_on
  note/release/per_key/note_off
  oscillator/frequency/per_key/note_number/note_on
  oscillator/bend/per_key/n12-12/pitch_bend
  oscillator/waveform/global/saw
  filter/low_pass/frequency/global/20-20000/cc70
  filter/low_pass/frequency/per_key/20-20000/pressure
  filter/low_pass/resonance/global/0.1-4/cc71
routes:
  - source: pressure
    target: filter_frequency
    min: 200
    max: 8000
  - source: velocity
    target: amplitude
    min: 0
    max: 1
parameters:
  filter_frequency:
    combine: add
  amplitude:
    combine: multiply
`

func main() {
	var (
		sampleRate = flag.Int("sample-rate", 48000, "output sample rate")
		voices     = flag.Int("voices", 8, "voice pool size")
		instPath   = flag.String("instrument", "", "path to a YAML instrument file")
		portName   = flag.String("port", "", "MIDI input port (substring match)")
		listPorts  = flag.Bool("list", false, "list MIDI input ports and exit")
		volume     = flag.Float64("volume", 1.0, "master volume scalar")
	)
	flag.Parse()

	drv, err := rtmididrv.New()
	if err != nil {
		log.Fatalf("midi driver: %v", err)
	}
	defer drv.Close()

	if *listPorts {
		ins, err := drv.Ins()
		if err != nil {
			log.Fatalf("list inputs: %v", err)
		}
		for i, in := range ins {
			fmt.Printf("%d: %s\n", i, in.String())
		}
		return
	}

	data, err := instrumentData(*instPath)
	if err != nil {
		log.Fatal(err)
	}

	synth, err := mpesynth.NewSynth(*sampleRate, mpesynth.WithVoices(*voices))
	if err != nil {
		log.Fatal(err)
	}
	if err := synth.LoadInstrumentYAML(data); err != nil {
		log.Fatal(err)
	}
	synth.SetMasterVolume(*volume)

	in, err := findInput(drv, *portName)
	if err != nil {
		log.Fatal(err)
	}
	stop, err := midi.ListenTo(in, func(msg midi.Message, timestampms int32) {
		synth.HandleMessage(msg)
	})
	if err != nil {
		log.Fatalf("listen to %s: %v", in.String(), err)
	}
	defer stop()

	if err := synth.Start(); err != nil {
		log.Fatalf("audio: %v", err)
	}
	defer synth.Stop()

	fmt.Printf("instrument %q on %s, %d voices. ctrl-c to quit.\n", instrumentName(data), in.String(), *voices)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("\nshutting down")
}

func instrumentData(path string) ([]byte, error) {
	if strings.TrimSpace(path) != "" {
		return os.ReadFile(path)
	}
	return []byte(defaultInstrument), nil
}

func instrumentName(data []byte) string {
	var meta struct {
		Name string `yaml:"name"`
	}
	if err := yaml.Unmarshal(data, &meta); err != nil || meta.Name == "" {
		return "unnamed"
	}
	return meta.Name
}

func findInput(drv *rtmididrv.Driver, name string) (drivers.In, error) {
	ins, err := drv.Ins()
	if err != nil {
		return nil, fmt.Errorf("list inputs: %w", err)
	}
	if len(ins) == 0 {
		return nil, fmt.Errorf("no MIDI input ports (run with -list to rescan)")
	}
	if name == "" {
		return ins[0], nil
	}
	for _, in := range ins {
		if strings.Contains(strings.ToLower(in.String()), strings.ToLower(name)) {
			return in, nil
		}
	}
	return nil, fmt.Errorf("no MIDI input matching %q (use -list)", name)
}
