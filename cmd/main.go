package main

import (
	"bufio"
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/voicelink-ai/voicelink/pkg/bus"
	"github.com/voicelink-ai/voicelink/pkg/config"
	"github.com/voicelink-ai/voicelink/pkg/livekit"
	"github.com/voicelink-ai/voicelink/pkg/session"
	"github.com/voicelink-ai/voicelink/pkg/token"
	"github.com/voicelink-ai/voicelink/pkg/trace"
)

func main() {
	godotenv.Load()

	cfg := config.DefaultConfig()
	cfg.TokenEndpoint = os.Getenv("TOKEN_ENDPOINT")
	if url := os.Getenv("LIVEKIT_URL"); url != "" {
		cfg.ServerURL = url
	}
	if persona := os.Getenv("PERSONA_ID"); persona != "" {
		cfg.PersonaID = persona
	}
	if mode := os.Getenv("IO_MODE"); mode != "" {
		cfg.Mode = config.IOMode(mode)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.Sync()

	ctx := context.Background()
	if err := trace.Initialize(ctx, trace.DefaultConfig()); err != nil {
		log.Fatalf("trace: %v", err)
	}
	defer trace.Shutdown(ctx)

	b := bus.New()
	b.On(bus.EventStatusChange, func(payload interface{}) {
		sc := payload.(session.StatusChange)
		log.Printf("status: %s (%s)", sc.Message, sc.Phase)
	})
	b.On(bus.EventError, func(payload interface{}) {
		e := payload.(session.ErrorEvent)
		log.Printf("error: %s", e.Message)
	})
	b.On(bus.EventParticipantConnected, func(payload interface{}) {
		p := payload.(session.ParticipantEvent)
		log.Printf("participant joined: %s (%s)", p.Identity, p.Kind)
	})
	b.On(bus.EventTranscriptionReceived, func(payload interface{}) {
		log.Printf("transcript: %+v", payload)
	})

	sink := livekit.NewSink(cfg)
	defer sink.Close()

	orc := session.New(cfg, b, token.NewClient(cfg.TokenEndpoint, nil), livekit.NewProvider(cfg), sink)
	orc.Initialize()
	defer orc.Disconnect()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Simple text console: lines are chat messages, /voice toggles the
	// microphone, /replay repeats the last agent utterance.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		voice := false
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			switch {
			case line == "":
			case line == "/voice":
				voice = !voice
				if err := orc.SetVoiceMode(ctx, voice); err != nil {
					log.Printf("voice mode: %v", err)
					voice = !voice
				}
			case line == "/replay":
				if err := orc.ReplayLastBotAudio(ctx); err != nil {
					log.Printf("replay: %v", err)
				}
			case strings.HasPrefix(line, "/persona "):
				if err := orc.SetPersona(ctx, strings.TrimPrefix(line, "/persona ")); err != nil {
					log.Printf("persona: %v", err)
				}
			case line == "/quit":
				sigCh <- syscall.SIGTERM
				return
			default:
				if err := orc.SendText(ctx, line); err != nil {
					log.Printf("send: %v", err)
				}
			}
		}
	}()

	<-sigCh
	log.Printf("shutting down")
}
