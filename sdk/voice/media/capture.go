// Package media backs the voice client's AudioChannel and AudioSink with
// ffmpeg and ffplay child processes.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/civic-voice/pkg/core"
)

const (
	MicSampleRateHz = 16000
	// DefaultFrameBytes is 20ms of mono PCM16 at MicSampleRateHz.
	DefaultFrameBytes = 640

	probeDuration = "0.1"
	probeTimeout  = 10 * time.Second
)

type CaptureConfig struct {
	// Path is the ffmpeg binary. Defaults to "ffmpeg" on PATH.
	Path string
	// Device overrides the platform input device (":0" on darwin,
	// "default" on linux).
	Device       string
	SampleRateHz int
	FrameBytes   int
	GOOS         string
}

// FFmpegCapture records the default microphone as mono PCM16.
type FFmpegCapture struct {
	cfg      CaptureConfig
	lookPath func(string) (string, error)
	command  func(ctx context.Context, name string, args ...string) *exec.Cmd

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

func NewFFmpegCapture(cfg CaptureConfig) *FFmpegCapture {
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = "ffmpeg"
	}
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = MicSampleRateHz
	}
	if cfg.FrameBytes <= 0 {
		cfg.FrameBytes = DefaultFrameBytes
	}
	if cfg.GOOS == "" {
		cfg.GOOS = runtime.GOOS
	}
	return &FFmpegCapture{
		cfg:      cfg,
		lookPath: exec.LookPath,
		command:  exec.CommandContext,
	}
}

// CaptureArgs returns the ffmpeg arguments that stream the input device to
// stdout as s16le. extra is inserted before the output spec.
func CaptureArgs(goos, device string, sampleRateHz int, extra ...string) ([]string, error) {
	var input []string
	switch goos {
	case "darwin":
		if device == "" {
			device = ":0"
		}
		input = []string{"-f", "avfoundation", "-i", device}
	case "linux":
		if device == "" {
			device = "default"
		}
		input = []string{"-f", "pulse", "-i", device}
	default:
		return nil, fmt.Errorf("microphone capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, input...)
	args = append(args, extra...)
	args = append(args, "-ac", "1", "-ar", strconv.Itoa(sampleRateHz), "-f", "s16le", "-")
	return args, nil
}

// RequestPermission checks that ffmpeg exists and can open the device. On
// darwin the probe is what raises the system microphone prompt.
func (m *FFmpegCapture) RequestPermission(ctx context.Context) error {
	path, err := m.lookPath(m.cfg.Path)
	if err != nil {
		return fmt.Errorf("ffmpeg is required for microphone capture (install ffmpeg and ensure it is in PATH): %w", err)
	}
	args, err := CaptureArgs(m.cfg.GOOS, m.cfg.Device, m.cfg.SampleRateHz, "-t", probeDuration)
	if err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := m.command(pctx, path, args...)
	cmd.Stdout = io.Discard
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("open microphone: %s: %w", msg, err)
		}
		return fmt.Errorf("open microphone: %w", err)
	}
	return nil
}

// Start launches ffmpeg and hands each frame to emit from a reader
// goroutine. Starting a running capture is a no-op.
func (m *FFmpegCapture) Start(emit func(frame []byte)) error {
	if emit == nil {
		return core.NewInvalidRequestError("emit callback is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd != nil {
		return nil
	}

	path, err := m.lookPath(m.cfg.Path)
	if err != nil {
		return fmt.Errorf("ffmpeg is required for microphone capture: %w", err)
	}
	args, err := CaptureArgs(m.cfg.GOOS, m.cfg.Device, m.cfg.SampleRateHz)
	if err != nil {
		return err
	}
	cmd := m.command(context.Background(), path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("open ffmpeg stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg mic capture: %w", err)
	}

	done := make(chan struct{})
	m.cmd = cmd
	m.done = done
	go func() {
		defer close(done)
		_ = pumpFrames(stdout, m.cfg.FrameBytes, emit)
		_ = cmd.Wait()
	}()
	return nil
}

// Stop kills ffmpeg and waits for the reader goroutine.
func (m *FFmpegCapture) Stop() error {
	m.mu.Lock()
	cmd, done := m.cmd, m.done
	m.cmd, m.done = nil, nil
	m.mu.Unlock()
	if cmd == nil {
		return nil
	}
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	<-done
	return nil
}

// pumpFrames reads fixed-size frames from r until it fails and returns the
// error that ended the stream, nil on a clean EOF. A trailing partial frame
// is still emitted. The buffer is reused, so emit must copy.
func pumpFrames(r io.Reader, frameBytes int, emit func([]byte)) error {
	buf := make([]byte, frameBytes)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			emit(buf[:n])
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
