package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vango-go/civic-voice/internal/dotenv"
	"github.com/vango-go/civic-voice/pkg/gateway/voice/protocol"
	"github.com/vango-go/civic-voice/sdk/voice"
	"github.com/vango-go/civic-voice/sdk/voice/media"
)

const defaultURL = "ws://127.0.0.1:8000/ws/voice"

type chatConfig struct {
	URL               string
	Token             string
	MaxAttempts       int
	ReconnectInterval time.Duration
	Exponential       bool
	Device            string
	NoPlayback        bool
	Verbose           bool
}

func parseChatConfig(args []string, getenv func(string) string) (chatConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	defURL := strings.TrimSpace(getenv("VOICE_CHAT_URL"))
	if defURL == "" {
		defURL = defaultURL
	}

	cfg := chatConfig{}
	fs := flag.NewFlagSet("voice-chat", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.URL, "url", defURL, "voice gateway websocket URL (or VOICE_CHAT_URL)")
	fs.StringVar(&cfg.Token, "token", strings.TrimSpace(getenv("VOICE_CHAT_TOKEN")), "bearer token (or VOICE_CHAT_TOKEN)")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", voice.DefaultMaxAttempts, "reconnect attempts before giving up")
	fs.DurationVar(&cfg.ReconnectInterval, "reconnect-interval", voice.DefaultReconnectInterval, "delay between reconnect attempts")
	fs.BoolVar(&cfg.Exponential, "exponential", false, "grow the reconnect delay exponentially")
	fs.StringVar(&cfg.Device, "device", "", "capture device override")
	fs.BoolVar(&cfg.NoPlayback, "no-playback", false, "print replies without playing audio")
	fs.BoolVar(&cfg.Verbose, "v", false, "debug logging")

	if err := fs.Parse(args); err != nil {
		return chatConfig{}, err
	}
	if err := validateChatConfig(cfg); err != nil {
		return chatConfig{}, err
	}
	return cfg, nil
}

func validateChatConfig(cfg chatConfig) error {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("url must use ws or wss, got %q", cfg.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("url must include a host, got %q", cfg.URL)
	}
	if cfg.Token == "" {
		return errors.New("token is required (set -token or VOICE_CHAT_TOKEN)")
	}
	if cfg.MaxAttempts <= 0 {
		return errors.New("max-attempts must be > 0")
	}
	if cfg.ReconnectInterval <= 0 {
		return errors.New("reconnect-interval must be > 0")
	}
	return nil
}

type chatIO struct {
	audio voice.AudioChannel
	sink  voice.AudioSink
}

func defaultChatIO(cfg chatConfig) chatIO {
	dev := chatIO{audio: media.NewFFmpegCapture(media.CaptureConfig{Device: cfg.Device})}
	if !cfg.NoPlayback {
		dev.sink = media.NewFFplaySink(media.PlaybackConfig{})
	}
	return dev
}

// runChat streams until ctx ends or the session stops on its own.
func runChat(ctx context.Context, cfg chatConfig, dev chatIO, logger *slog.Logger, out, errOut io.Writer) error {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	client, err := voice.NewClient(voice.Config{
		Endpoint:    cfg.URL,
		TokenSource: voice.StaticToken(cfg.Token),
		Audio:       dev.audio,
		Sink:        dev.sink,
		Policy: voice.ReconnectPolicy{
			MaxAttempts: cfg.MaxAttempts,
			Interval:    cfg.ReconnectInterval,
			Exponential: cfg.Exponential,
		},
		Logger: logger,
		OnStateChange: func(_, to voice.State) {
			if to == voice.StateReconnecting || to == voice.StateStopped {
				fmt.Fprintf(errOut, "[%s]\n", to)
			}
		},
	})
	if err != nil {
		return err
	}

	if err := client.Start(ctx, cfg.URL); err != nil {
		return err
	}
	fmt.Fprintln(out, "Listening. Press Ctrl-C to stop.")

	waitErr := make(chan error, 1)
	go func() { waitErr <- client.Wait(context.Background()) }()

	for {
		select {
		case <-ctx.Done():
			client.StopVoiceChat()
			<-waitErr
			drainMessages(client, out)
			return nil
		case msg := <-client.Messages():
			printMessage(out, msg)
		case err := <-waitErr:
			drainMessages(client, out)
			return err
		}
	}
}

func drainMessages(client *voice.Client, out io.Writer) {
	for {
		select {
		case msg := <-client.Messages():
			printMessage(out, msg)
		default:
			return
		}
	}
}

func printMessage(out io.Writer, msg any) {
	switch m := msg.(type) {
	case protocol.ServerWelcome:
		fmt.Fprintf(out, "connected as %s (session %s)\n", m.UserID, m.SessionID)
	case protocol.ServerTranscript:
		fmt.Fprintf(out, "[you:%s] %s\n", m.Language, strings.TrimSpace(m.Text))
	case protocol.ServerAgentResponse:
		fmt.Fprintf(out, "[agent] %s\n", strings.TrimSpace(m.Text))
	case protocol.ServerError:
		fmt.Fprintf(out, "[error] %s: %s\n", m.Code, m.Message)
	}
}

func parseLevel(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelWarn
}

func runMain(ctx context.Context, args []string, getenv func(string) string, stdout, stderr io.Writer, newIO func(chatConfig) chatIO) int {
	if err := dotenv.Load(".env.local", ".env"); err != nil {
		fmt.Fprintf(stderr, "voice-chat: %v\n", err)
		return 1
	}
	cfg, err := parseChatConfig(args, getenv)
	if err != nil {
		fmt.Fprintf(stderr, "voice-chat: %v\n", err)
		return 2
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: parseLevel(cfg.Verbose)}))

	if err := runChat(ctx, cfg, newIO(cfg), logger, stdout, stderr); err != nil {
		fmt.Fprintf(stderr, "voice-chat: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Getenv, os.Stdout, os.Stderr, defaultChatIO)
	stop()
	os.Exit(code)
}
