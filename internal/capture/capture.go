// Package capture drives the camera through ffmpeg: a low-rate still-image
// preview while idle and a segmenting encoder while broadcasting.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"broadcast-uploader/internal/quality"
	"broadcast-uploader/internal/segment"
)

var (
	// ErrNoPreviewTarget is returned when there is no input to preview or no
	// file to render the preview into.
	ErrNoPreviewTarget = errors.New("capture: no preview target")
	// ErrNoAlternateSource is returned by ToggleSource without a second input.
	ErrNoAlternateSource = errors.New("capture: no alternate source configured")
)

const previewQuitTimeout = 5 * time.Second

// Config selects the ffmpeg binary and capture devices.
type Config struct {
	Binary      string
	Input       string
	AltInput    string
	InputFormat string
	WorkDir     string
	PreviewPath string // defaults to <WorkDir>/preview.jpg
	Logger      *slog.Logger
	// OnFault is called when the preview process dies on its own.
	OnFault func(error)
}

// FFmpeg implements the session's capture with ffmpeg processes. The
// preview and the encoder never hold the device at the same time.
type FFmpeg struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	alt     bool
	preview *previewProc
	runs    int
}

type previewProc struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	exited  chan struct{}
	stopped bool
}

// New returns a capture source that is not yet running.
func New(cfg Config) *FFmpeg {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.PreviewPath == "" && cfg.WorkDir != "" {
		cfg.PreviewPath = filepath.Join(cfg.WorkDir, "preview.jpg")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &FFmpeg{cfg: cfg, log: log}
}

// Source returns the input currently selected.
func (c *FFmpeg) Source() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sourceLocked()
}

func (c *FFmpeg) sourceLocked() string {
	if c.alt {
		return c.cfg.AltInput
	}
	return c.cfg.Input
}

// PreviewPath is where the preview still is written.
func (c *FFmpeg) PreviewPath() string {
	return c.cfg.PreviewPath
}

// PreviewArgs returns the ffmpeg command line for a preview of input.
func (c *FFmpeg) PreviewArgs(input string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y"}
	if c.cfg.InputFormat != "" {
		args = append(args, "-f", c.cfg.InputFormat)
	}
	return append(args, "-i", input, "-an", "-vf", "fps=1,scale=320:-2", "-update", "1", c.cfg.PreviewPath)
}

// StartPreview starts rendering the selected input into the preview file.
// It does nothing if a preview is already running.
func (c *FFmpeg) StartPreview(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	input := c.sourceLocked()
	if input == "" || c.cfg.PreviewPath == "" {
		return ErrNoPreviewTarget
	}
	if c.preview != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.cfg.PreviewPath), 0o700); err != nil {
		return fmt.Errorf("capture: preview dir: %w", err)
	}

	cmd := exec.Command(c.cfg.Binary, c.PreviewArgs(input)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("capture: start preview: %w", err)
	}
	p := &previewProc{cmd: cmd, stdin: stdin, exited: make(chan struct{})}
	c.preview = p
	c.log.Info("preview started", slog.String("input", input), slog.String("target", c.cfg.PreviewPath))

	go c.watch(p, &stderr)
	return nil
}

func (c *FFmpeg) watch(p *previewProc, stderr *bytes.Buffer) {
	err := p.cmd.Wait()
	close(p.exited)

	c.mu.Lock()
	stopped := p.stopped
	if c.preview == p {
		c.preview = nil
	}
	c.mu.Unlock()

	if stopped {
		return
	}
	if err == nil {
		err = errors.New("preview ended")
	}
	if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 {
		err = fmt.Errorf("%w: %s", err, msg)
	}
	c.log.Error("preview process exited", slog.String("error", err.Error()))
	if c.cfg.OnFault != nil {
		c.cfg.OnFault(err)
	}
}

// StopPreview stops the preview process, if any.
func (c *FFmpeg) StopPreview() error {
	c.mu.Lock()
	p := c.preview
	c.preview = nil
	if p != nil {
		p.stopped = true
	}
	c.mu.Unlock()
	if p == nil {
		return nil
	}

	_, _ = io.WriteString(p.stdin, "q")
	_ = p.stdin.Close()
	select {
	case <-p.exited:
	case <-time.After(previewQuitTimeout):
		c.log.Warn("preview did not exit, killing")
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
	return nil
}

// ToggleSource switches between the primary and alternate inputs. A running
// preview is restarted on the new input; an encoder keeps its input until
// the next broadcast.
func (c *FFmpeg) ToggleSource() error {
	c.mu.Lock()
	if c.cfg.AltInput == "" {
		c.mu.Unlock()
		return ErrNoAlternateSource
	}
	c.alt = !c.alt
	source := c.sourceLocked()
	previewing := c.preview != nil
	c.mu.Unlock()

	c.log.Info("capture source toggled", slog.String("input", source))
	if !previewing {
		return nil
	}
	if err := c.StopPreview(); err != nil {
		return err
	}
	return c.StartPreview(context.Background())
}

// Encoder releases the preview and returns an ffmpeg segmenter for the
// selected input at preset. The segmenter keeps the preview still fresh and
// attaches it to its first segment.
func (c *FFmpeg) Encoder(preset quality.Preset) (segment.Encoder, error) {
	if err := c.StopPreview(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	input := c.sourceLocked()
	c.runs++
	run := c.runs
	c.mu.Unlock()
	if input == "" {
		return nil, ErrNoPreviewTarget
	}
	// The poster must come from this broadcast, not an earlier preview.
	if err := os.Remove(c.cfg.PreviewPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.log.Debug("stale preview not removed", slog.String("error", err.Error()))
	}

	dir := filepath.Join(c.cfg.WorkDir, "run-"+strconv.FormatInt(time.Now().Unix(), 10)+"-"+strconv.Itoa(run))
	return segment.NewFFmpegSegmenter(segment.FFmpegConfig{
		Binary:      c.cfg.Binary,
		Input:       input,
		InputFormat: c.cfg.InputFormat,
		WorkDir:     dir,
		Name:        "segment",
		Preset:      preset,
		PreviewPath: c.cfg.PreviewPath,
		Logger:      c.log,
	}), nil
}
