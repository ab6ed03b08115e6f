package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/vango-go/civic-voice/pkg/core/voice/wav"
	"github.com/vango-go/civic-voice/sdk/voice"
)

const DefaultPlaybackSampleRateHz = 24000

type PlaybackConfig struct {
	// Path is the ffplay binary. Defaults to "ffplay" on PATH.
	Path     string
	Volume   int
	LogLevel string
	GOOS     string
}

// FFplaySink plays PCM16 replies through one long-lived ffplay process per
// sample rate. Stop kills the process, dropping whatever it has buffered.
type FFplaySink struct {
	cfg      PlaybackConfig
	lookPath func(string) (string, error)
	command  func(name string, args ...string) *exec.Cmd

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
	rate  int
	done  chan struct{}
}

func NewFFplaySink(cfg PlaybackConfig) *FFplaySink {
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = "ffplay"
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "error"
	}
	if cfg.Volume <= 0 {
		cfg.Volume = 80
	}
	if cfg.GOOS == "" {
		cfg.GOOS = runtime.GOOS
	}
	return &FFplaySink{cfg: cfg, lookPath: exec.LookPath, command: exec.Command}
}

// PlaybackArgs returns the ffplay arguments for mono s16le on stdin. ffplay
// takes -ch_layout rather than ffmpeg's -ac.
func PlaybackArgs(sampleRateHz, volume int, logLevel string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", logLevel,
		"-nostats",
		"-nodisp",
		"-autoexit",
		"-volume", strconv.Itoa(volume),
		"-f", "s16le",
		"-ch_layout", "mono",
		"-ar", strconv.Itoa(sampleRateHz),
		"-i", "-",
	}
}

// Available reports whether ffplay can be found.
func (s *FFplaySink) Available() error {
	if _, err := s.lookPath(s.cfg.Path); err != nil {
		return fmt.Errorf("ffplay is required for playback (install ffmpeg/ffplay and ensure it is in PATH): %w", err)
	}
	return nil
}

func (s *FFplaySink) Play(ctx context.Context, a voice.Audio) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pcm, rate, err := pcmOf(a)
	if err != nil {
		return err
	}
	if len(pcm) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil && s.rate != rate {
		s.stopLocked()
	}
	if s.cmd == nil {
		if err := s.startLocked(rate); err != nil {
			return err
		}
	}
	if _, err := s.stdin.Write(pcm); err != nil {
		s.stopLocked()
		return fmt.Errorf("write ffplay stdin: %w", err)
	}
	return nil
}

func (s *FFplaySink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return nil
}

func (s *FFplaySink) startLocked(rate int) error {
	path, err := s.lookPath(s.cfg.Path)
	if err != nil {
		return fmt.Errorf("ffplay is required for playback: %w", err)
	}
	cmd := s.command(path, PlaybackArgs(rate, s.cfg.Volume, s.cfg.LogLevel)...)
	if s.cfg.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("start ffplay: %w", err)
	}

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	s.cmd, s.stdin, s.rate, s.done = cmd, stdin, rate, done
	return nil
}

func (s *FFplaySink) stopLocked() {
	if s.cmd == nil {
		return
	}
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.stdin.Close()
	<-s.done
	s.cmd, s.stdin, s.rate, s.done = nil, nil, 0, nil
}

// pcmOf normalizes a reply to raw PCM16 and its sample rate.
func pcmOf(a voice.Audio) ([]byte, int, error) {
	rate := a.SampleRateHz
	if rate <= 0 {
		rate = DefaultPlaybackSampleRateHz
	}
	switch strings.ToLower(strings.TrimSpace(a.Format)) {
	case "", "pcm", "pcm_s16le":
		if wav.IsWAV(a.Data) {
			break
		}
		return a.Data, rate, nil
	case "wav":
	default:
		return nil, 0, fmt.Errorf("unsupported reply audio format %q", a.Format)
	}
	pcm, wavRate, channels, err := wav.DecodePCM16(a.Data)
	if err != nil {
		return nil, 0, fmt.Errorf("decode reply audio: %w", err)
	}
	if channels != 1 {
		return nil, 0, errors.New("reply audio must be mono")
	}
	return pcm, wavRate, nil
}
