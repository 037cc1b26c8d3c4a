// Package media converts chat media with ffmpeg and handles sticker images.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrEmptyOutput = errors.New("ffmpeg produced no output")

const defaultTimeout = 2 * time.Minute

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Transcoder runs ffmpeg over temp files.
type Transcoder struct {
	ffmpeg  string
	tmpDir  string
	timeout time.Duration
	runner  Runner
	log     zerolog.Logger
}

type Option func(*Transcoder)

func WithRunner(r Runner) Option { return func(t *Transcoder) { t.runner = r } }

func WithTempDir(dir string) Option { return func(t *Transcoder) { t.tmpDir = dir } }

func WithTimeout(d time.Duration) Option { return func(t *Transcoder) { t.timeout = d } }

func WithLogger(log zerolog.Logger) Option { return func(t *Transcoder) { t.log = log } }

// NewTranscoder returns a Transcoder invoking the binary at ffmpegPath.
func NewTranscoder(ffmpegPath string, opts ...Option) *Transcoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	t := &Transcoder{
		ffmpeg:  ffmpegPath,
		tmpDir:  os.TempDir(),
		timeout: defaultTimeout,
		runner:  execRunner{},
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ToAudio extracts the audio track as mono 64k mp3.
func (t *Transcoder) ToAudio(ctx context.Context, in []byte) ([]byte, error) {
	return t.convert(ctx, in, "mp3", func(src, dst string) []string {
		return []string{"-y", "-i", src,
			"-vn", "-c:a", "libmp3lame", "-b:a", "64k", "-ac", "1", "-ar", "44100",
			"-f", "mp3", dst}
	})
}

// ToPTT produces an Ogg Opus voice note.
func (t *Transcoder) ToPTT(ctx context.Context, in []byte) ([]byte, error) {
	return t.convert(ctx, in, "ogg", func(src, dst string) []string {
		return []string{"-y", "-i", src,
			"-vn", "-c:a", "libopus", "-b:a", "24k", "-ac", "1", "-ar", "16000",
			"-application", "voip", "-frame_duration", "60",
			"-f", "ogg", dst}
	})
}

// ToVideo puts the audio of in over a black 640x360 canvas.
func (t *Transcoder) ToVideo(ctx context.Context, in []byte) ([]byte, error) {
	return t.convert(ctx, in, "mp4", func(src, dst string) []string {
		return []string{"-y",
			"-f", "lavfi", "-i", "color=black:s=640x360:r=1",
			"-i", src,
			"-shortest", "-preset", "ultrafast", "-movflags", "+faststart",
			"-pix_fmt", "yuv420p", "-crf", "28", "-r", "30",
			"-c:v", "libx264", "-c:a", "aac",
			"-f", "mp4", dst}
	})
}

// FormatAudio normalises any audio to 128k stereo mp3 with ID3v2.3 tags.
func (t *Transcoder) FormatAudio(ctx context.Context, in []byte) ([]byte, error) {
	return t.convert(ctx, in, "mp3", func(src, dst string) []string {
		return []string{"-y", "-i", src,
			"-c:a", "libmp3lame", "-b:a", "128k", "-ar", "44100", "-ac", "2",
			"-id3v2_version", "3", dst}
	})
}

// FormatVideo normalises any video to 720p H.264/AAC.
func (t *Transcoder) FormatVideo(ctx context.Context, in []byte) ([]byte, error) {
	return t.convert(ctx, in, "mp4", func(src, dst string) []string {
		return []string{"-y", "-i", src,
			"-c:v", "libx264", "-c:a", "aac",
			"-preset", "ultrafast", "-movflags", "+faststart", "-pix_fmt", "yuv420p",
			"-crf", "23", "-maxrate", "2M", "-bufsize", "4M", "-r", "30", "-g", "60",
			"-s", "1280x720", "-aspect", "16:9",
			"-b:a", "128k", "-ac", "2", "-ar", "44100",
			"-f", "mp4", dst}
	})
}

func (t *Transcoder) convert(ctx context.Context, in []byte, ext string, args func(src, dst string) []string) ([]byte, error) {
	if len(in) == 0 {
		return nil, errors.New("empty input")
	}
	if err := os.MkdirAll(t.tmpDir, 0o700); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	id := uuid.NewString()
	src := filepath.Join(t.tmpDir, id+"_in")
	dst := filepath.Join(t.tmpDir, id+"_out."+ext)
	defer func() {
		for _, p := range []string{src, dst} {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				t.log.Warn().Err(err).Str("path", p).Msg("Temp cleanup failed")
			}
		}
	}()

	if err := os.WriteFile(src, in, 0o600); err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	argv := args(src, dst)
	t.log.Debug().Strs("args", argv).Msg("Running ffmpeg")
	if out, err := t.runner.Run(ctx, t.ffmpeg, argv...); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ffmpeg: %w", ctx.Err())
		}
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, tail(out, 512))
	}

	data, err := os.ReadFile(dst)
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrEmptyOutput
	}
	return data, nil
}

func tail(b []byte, n int) []byte {
	if len(b) > n {
		return b[len(b)-n:]
	}
	return b
}
