// tuca runs a hands-free voice conversation against a remote
// speech-to-speech service: microphone in, assistant audio out, barge-in by
// just talking over it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	conversation "github.com/tucavoice/tuca-core/core"
	"github.com/tucavoice/tuca-core/core/audio"
	"github.com/tucavoice/tuca-core/core/audio/miniaudio"
	"github.com/tucavoice/tuca-core/core/audio/portaudio"
	"github.com/tucavoice/tuca-core/core/notify"
	"github.com/tucavoice/tuca-core/core/realtime"
	"github.com/tucavoice/tuca-core/core/realtime/gemini"
	"github.com/tucavoice/tuca-core/core/realtime/openai"
	"github.com/tucavoice/tuca-core/core/vad"
)

const defaultInstructions = "You are a helpful voice assistant. Keep your answers short and conversational."

func main() {
	backend := pflag.String("backend", "openai", "conversational backend: openai or gemini")
	deviceBackend := pflag.String("device", "miniaudio", "audio device backend: miniaudio or portaudio")
	model := pflag.String("model", "", "override the backend's default model")
	voice := pflag.String("voice", "", "assistant voice, interpreted by the backend")
	personaFile := pflag.String("persona-file", "", "file containing the assistant's instructions")
	envFile := pflag.String("env-file", ".env", "env file with API keys")

	threshold := pflag.Float64("activity-threshold", 0.015, "normalized RMS above which a frame counts as speech")
	hangover := pflag.Duration("hangover", 600*time.Millisecond, "trailing silence that ends an utterance")
	minUtterance := pflag.Duration("min-utterance", 200*time.Millisecond, "shortest burst that counts as speech")
	calibrationFrames := pflag.Int("calibration-frames", 0, "frames of ambient noise to calibrate the threshold on startup")

	cues := pflag.Bool("cues", true, "play a chime on connect and disconnect")
	pflag.Parse()

	if err := run(options{
		backend:           *backend,
		deviceBackend:     *deviceBackend,
		model:             *model,
		voice:             *voice,
		personaFile:       *personaFile,
		envFile:           *envFile,
		threshold:         *threshold,
		hangover:          *hangover,
		minUtterance:      *minUtterance,
		calibrationFrames: *calibrationFrames,
		cues:              *cues,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type options struct {
	backend       string
	deviceBackend string
	model         string
	voice         string
	personaFile   string
	envFile       string

	threshold         float64
	hangover          time.Duration
	minUtterance      time.Duration
	calibrationFrames int

	cues bool
}

func run(opts options) error {
	// Missing env files are fine; keys may come from the environment.
	_ = godotenv.Load(opts.envFile)

	instructions := defaultInstructions
	if opts.personaFile != "" {
		content, err := os.ReadFile(opts.personaFile)
		if err != nil {
			return fmt.Errorf("failed to read persona file: %w", err)
		}
		instructions = strings.TrimSpace(string(content))
	}

	source, sink, closeDevices, err := openDevices(opts.deviceBackend)
	if err != nil {
		return err
	}
	defer closeDevices()

	persona := realtime.PersonaConfig{
		Instructions: instructions,
		Voice:        opts.voice,
		Encoding:     source.EncodingInfo(),
	}

	dialer, err := newDialer(opts.backend, opts.model)
	if err != nil {
		return err
	}

	connectCue := notify.Chime(880, 120*time.Millisecond, sink.EncodingInfo())
	disconnectCue := notify.Chime(440, 120*time.Millisecond, sink.EncodingInfo())

	gateOptions := []vad.GateOption{
		vad.WithActivityThreshold(opts.threshold),
		vad.WithHangover(opts.hangover),
		vad.WithMinUtterance(opts.minUtterance),
	}
	if opts.calibrationFrames > 0 {
		gateOptions = append(gateOptions, vad.WithNoiseCalibration(opts.calibrationFrames))
	}

	engine := conversation.NewEngine(source, sink,
		conversation.WithGateOptions(gateOptions...),
		conversation.WithResponseTextCallback(func(delta string) {
			fmt.Print(delta)
		}),
		conversation.WithUtteranceEndedCallback(func(utterance conversation.Utterance) {
			if utterance.Source == conversation.UtteranceSourceAssistant {
				fmt.Println()
			}
		}),
		conversation.WithStateChangedCallback(func(from, to conversation.State) {
			if !opts.cues {
				return
			}
			switch {
			case to == conversation.StateReconnecting:
				_ = disconnectCue.Play(sink)
			case from == conversation.StateReconnecting && to == conversation.StateIdle:
				_ = connectCue.Play(sink)
			}
		}),
	)

	supervisor := conversation.NewSupervisor(engine, dialer, persona)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	supervisor.Start(ctx)
	fmt.Println("Listening. Talk to the assistant; interrupt it by speaking over it. Ctrl-C to quit.")
	if opts.cues {
		_ = connectCue.Play(sink)
	}

	select {
	case <-ctx.Done():
		supervisor.Stop()
		fmt.Println("\nBye.")
		return nil
	case err := <-supervisor.FatalError():
		<-supervisor.Done()
		return err
	}
}

func openDevices(backend string) (audio.Source, audio.Sink, func(), error) {
	switch backend {
	case "miniaudio":
		client, err := miniaudio.NewClient()
		if err != nil {
			return nil, nil, nil, err
		}
		return client, client, client.Close, nil
	case "portaudio":
		client, err := portaudio.NewClient(0)
		if err != nil {
			return nil, nil, nil, err
		}
		return client, client, client.Close, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown device backend %q", backend)
}

func newDialer(backend, model string) (realtime.Dialer, error) {
	switch backend {
	case "openai":
		var dialerOptions []openai.DialerOption
		if model != "" {
			dialerOptions = append(dialerOptions, openai.WithModel(model))
		}
		return openai.NewDialer(dialerOptions...), nil
	case "gemini":
		var dialerOptions []gemini.DialerOption
		if model != "" {
			dialerOptions = append(dialerOptions, gemini.WithModel(model))
		}
		return gemini.NewDialer(dialerOptions...), nil
	}
	return nil, fmt.Errorf("unknown backend %q", backend)
}
