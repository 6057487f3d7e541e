package segment

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

	"github.com/livepeer/m3u8"

	"broadcast-uploader/internal/quality"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	ffmpegQuitTimeout   = 10 * time.Second

	// listCapacity bounds the segment list we parse: 50000 segments of 8s is
	// more than four days of broadcast.
	listCapacity = 50000
)

// FFmpegConfig describes one ffmpeg capture-and-segment run.
type FFmpegConfig struct {
	Binary       string // defaults to "ffmpeg"
	Input        string // capture device or URL, passed to -i
	InputFormat  string // optional -f for the input (e.g. "v4l2", "avfoundation")
	WorkDir      string
	Name         string // file prefix for segments and the segment list
	Preset       quality.Preset
	PreviewPath  string // optional still image refreshed once a second
	PollInterval time.Duration
	Logger       *slog.Logger
}

// FFmpegSegmenter captures Input with ffmpeg, encodes it at the preset's
// resolution and bitrate with a keyframe every TargetDuration, and yields the
// .ts segments ffmpeg's segment muxer writes, in list order.
type FFmpegSegmenter struct {
	cfg FFmpegConfig
	log *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	exited   chan struct{}
	waitErr  error
	stopped  bool
	emitted  int
	drained  bool
	startErr error
	once     sync.Once
}

// NewFFmpegSegmenter returns a segmenter; ffmpeg is started by the first Next.
func NewFFmpegSegmenter(cfg FFmpegConfig) *FFmpegSegmenter {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.Name == "" {
		cfg.Name = "segment"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &FFmpegSegmenter{cfg: cfg, log: log, exited: make(chan struct{})}
}

func (s *FFmpegSegmenter) listPath() string {
	return filepath.Join(s.cfg.WorkDir, s.cfg.Name+".m3u8")
}

// Args returns the ffmpeg command line (without the binary).
func (s *FFmpegSegmenter) Args() []string {
	w, h := s.cfg.Preset.Resolution()
	bitrate := s.cfg.Preset.Bitrate()
	gop := strconv.Itoa(int(TargetDuration / time.Second))

	args := []string{"-hide_banner", "-loglevel", "error", "-y"}
	if s.cfg.InputFormat != "" {
		args = append(args, "-f", s.cfg.InputFormat)
	}
	args = append(args,
		"-i", s.cfg.Input,
		"-c:v", "libx264", "-preset", "veryfast", "-tune", "zerolatency",
		"-vf", fmt.Sprintf("scale=%d:%d", w, h),
		"-b:v", strconv.Itoa(bitrate),
		"-maxrate", strconv.Itoa(bitrate),
		"-bufsize", strconv.Itoa(2*bitrate),
		"-force_key_frames", "expr:gte(t,n_forced*"+gop+")",
		"-sc_threshold", "0",
		"-c:a", "aac", "-b:a", "64k",
		"-f", "segment",
		"-segment_time", gop,
		"-segment_format", "mpegts",
		"-segment_list", s.listPath(),
		"-segment_list_type", "m3u8",
		filepath.Join(s.cfg.WorkDir, s.cfg.Name+"_%d.ts"),
	)
	if s.cfg.PreviewPath != "" {
		args = append(args, "-vf", "fps=1,scale=320:-2", "-update", "1", s.cfg.PreviewPath)
	}
	return args
}

func (s *FFmpegSegmenter) start() error {
	s.once.Do(func() {
		if err := os.MkdirAll(s.cfg.WorkDir, 0o700); err != nil {
			s.startErr = err
			return
		}
		// stdin stays attached: "q" on the pipe asks ffmpeg to finish the
		// current segment and exit.
		cmd := exec.Command(s.cfg.Binary, s.Args()...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			s.startErr = err
			return
		}
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Start(); err != nil {
			s.startErr = fmt.Errorf("start ffmpeg: %w", err)
			return
		}
		s.mu.Lock()
		s.cmd = cmd
		s.stdin = stdin
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			s.quit(cmd, stdin)
		}
		s.log.Info("ffmpeg started", slog.String("input", s.cfg.Input), slog.String("preset", s.cfg.Preset.String()))

		go func() {
			err := cmd.Wait()
			if err != nil && stderr.Len() > 0 {
				err = fmt.Errorf("%w: %s", err, bytes.TrimSpace(stderr.Bytes()))
			}
			s.mu.Lock()
			s.waitErr = err
			s.mu.Unlock()
			close(s.exited)
		}()
	})
	return s.startErr
}

// Stop asks ffmpeg to quit, which closes the segment being written and
// appends it to the list. ffmpeg is killed if it does not exit in time.
func (s *FFmpegSegmenter) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cmd, stdin := s.cmd, s.stdin
	s.mu.Unlock()

	if cmd == nil {
		return
	}
	s.quit(cmd, stdin)
}

func (s *FFmpegSegmenter) quit(cmd *exec.Cmd, stdin io.WriteCloser) {
	if _, err := io.WriteString(stdin, "q"); err != nil {
		s.log.Debug("ffmpeg quit request failed", slog.String("error", err.Error()))
	}
	_ = stdin.Close()

	go func() {
		select {
		case <-s.exited:
		case <-time.After(ffmpegQuitTimeout):
			s.log.Warn("ffmpeg did not exit, killing")
			_ = cmd.Process.Kill()
		}
	}()
}

// Next implements Encoder.
func (s *FFmpegSegmenter) Next(ctx context.Context) (Segment, error) {
	if s.drained {
		return Segment{}, io.EOF
	}
	s.mu.Lock()
	notStarted := s.stopped && s.cmd == nil
	s.mu.Unlock()
	if notStarted {
		s.drained = true
		return Segment{}, io.EOF
	}
	if err := s.start(); err != nil {
		s.drained = true
		return Segment{}, &CaptureFault{Sequence: uint64(s.emitted), Err: err}
	}

	exited := false
	for {
		entries, err := s.readList()
		if err != nil {
			// ffmpeg rewrites the list in place; a torn read shows up here.
			s.log.Debug("segment list unreadable", slog.String("error", err.Error()))
		}
		if len(entries) > s.emitted {
			return s.take(entries[s.emitted])
		}

		if exited {
			s.drained = true
			s.mu.Lock()
			waitErr, stopped := s.waitErr, s.stopped
			s.mu.Unlock()
			if waitErr != nil && !stopped {
				return Segment{}, &CaptureFault{Sequence: uint64(s.emitted), Err: waitErr}
			}
			return Segment{}, io.EOF
		}

		select {
		case <-s.exited:
			exited = true
		case <-ctx.Done():
			return Segment{}, ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

func (s *FFmpegSegmenter) take(entry *m3u8.MediaSegment) (Segment, error) {
	path := entry.URI
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.cfg.WorkDir, filepath.Base(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		s.drained = true
		return Segment{}, &CaptureFault{Sequence: uint64(s.emitted), Err: err}
	}
	if err := os.Remove(path); err != nil {
		s.log.Debug("segment file not removed", slog.String("path", path), slog.String("error", err.Error()))
	}

	seg := Segment{
		Sequence:  uint64(s.emitted),
		Duration:  entry.Duration,
		CreatedAt: time.Now(),
		Payload:   data,
	}
	if s.emitted == 0 && s.cfg.PreviewPath != "" {
		// A missing still only costs the poster.
		if img, err := os.ReadFile(s.cfg.PreviewPath); err == nil && len(img) > 0 {
			seg.Poster = img
		}
	}
	s.emitted++
	return seg, nil
}

// readList parses the segment list ffmpeg maintains. A missing list means
// no segment has been completed yet.
func (s *FFmpegSegmenter) readList() ([]*m3u8.MediaSegment, error) {
	content, err := os.ReadFile(s.listPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p, err := m3u8.NewMediaPlaylist(0, listCapacity)
	if err != nil {
		return nil, err
	}
	if err := p.DecodeFrom(bytes.NewReader(content), false); err != nil {
		return nil, err
	}
	entries := make([]*m3u8.MediaSegment, 0, p.Count())
	for _, seg := range p.Segments {
		if seg == nil {
			break
		}
		entries = append(entries, seg)
	}
	return entries, nil
}
