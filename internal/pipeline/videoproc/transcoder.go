// Package videoproc strips audio from uploaded videos with ffmpeg.
//
// The video stream is copied verbatim (-c:v copy) and the audio dropped
// (-an). When ffmpeg fails the original bytes are stored instead, so a video
// upload is never rejected because of the transcoder. Exceeding the
// wall-clock timeout is the one hard failure.
package videoproc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

const (
	// DefaultTimeout bounds a single ffmpeg run.
	DefaultTimeout = 300 * time.Second
	// stderrTail is how much ffmpeg output ends up in logs.
	stderrTail = 200
	// waitDelay bounds how long Run waits for output pipes after the
	// process group is killed.
	waitDelay = 2 * time.Second
)

// ErrTimeout is returned when ffmpeg outlives its deadline.
var ErrTimeout = errors.New("video transcode timed out")

// Result reports how the destination file was produced.
type Result struct {
	// Size of the destination file in bytes.
	Size int64
	// Fallback is true when the original bytes were stored as-is.
	Fallback bool
	// Reason carries the ffmpeg failure that triggered the fallback.
	Reason  string
	Elapsed time.Duration
}

// Transcoder runs ffmpeg. It is stateless apart from its settings and safe
// for concurrent use.
type Transcoder struct {
	ffmpegPath string
	timeout    time.Duration
	scratchDir string
	logger     *slog.Logger
}

// NewTranscoder returns a Transcoder. An empty scratchDir uses os.TempDir.
func NewTranscoder(ffmpegPath string, timeout time.Duration, scratchDir string, logger *slog.Logger) *Transcoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Transcoder{
		ffmpegPath: ffmpegPath,
		timeout:    timeout,
		scratchDir: scratchDir,
		logger:     logger.With(slog.String("component", "transcoder")),
	}
}

// StripAudio writes data to dest with the audio track removed.
//
// Steps:
//  1. Write data to a scratch file unique to this call
//  2. Run ffmpeg -c:v copy -an into dest under the timeout
//  3. On ffmpeg failure write the original bytes to dest
//
// The scratch file is removed on every path. On error dest is removed too.
func (t *Transcoder) StripAudio(ctx context.Context, data []byte, dest string) (*Result, error) {
	start := time.Now()

	// 1. Scratch copy keeps the container extension so ffmpeg can probe it
	scratch, err := os.CreateTemp(t.scratchDir, "upload-*"+filepath.Ext(dest))
	if err != nil {
		return nil, fmt.Errorf("create scratch file: %w", err)
	}
	scratchPath := scratch.Name()
	defer os.Remove(scratchPath)

	if _, err := scratch.Write(data); err != nil {
		scratch.Close()
		return nil, fmt.Errorf("write scratch file: %w", err)
	}
	if err := scratch.Close(); err != nil {
		return nil, fmt.Errorf("close scratch file: %w", err)
	}

	// 2. ffmpeg under a hard deadline
	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, t.ffmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-y", "-i", scratchPath,
		"-c:v", "copy", "-an",
		dest,
	)
	cmd.Stderr = &stderr
	// ffmpeg may be a wrapper script; kill its children with it so none
	// holds stderr open past the deadline
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay
	runErr := cmd.Run()

	if runCtx.Err() != nil {
		_ = os.Remove(dest)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			t.logger.Error("ffmpeg timed out",
				slog.String("dest", filepath.Base(dest)),
				slog.Duration("timeout", t.timeout),
			)
			return nil, fmt.Errorf("%w after %s", ErrTimeout, t.timeout)
		}
		return nil, fmt.Errorf("video transcode cancelled: %w", runCtx.Err())
	}

	result := &Result{}
	if runErr != nil {
		// 3. Fail open: keep the upload, just with its audio track
		result.Fallback = true
		result.Reason = failureReason(runErr, stderr.Bytes())
		if err := os.WriteFile(dest, data, 0o640); err != nil {
			_ = os.Remove(dest)
			return nil, fmt.Errorf("write original video: %w", err)
		}
		t.logger.Warn("ffmpeg audio strip failed, stored original",
			slog.String("dest", filepath.Base(dest)),
			slog.Bool("fallback", true),
			slog.String("reason", result.Reason),
		)
	}

	info, err := os.Stat(dest)
	if err != nil {
		_ = os.Remove(dest)
		return nil, fmt.Errorf("stat transcoded video: %w", err)
	}
	result.Size = info.Size()
	result.Elapsed = time.Since(start)

	if !result.Fallback {
		t.logger.Info("Audio stripped",
			slog.String("dest", filepath.Base(dest)),
			slog.Int64("size", result.Size),
			slog.Duration("elapsed", result.Elapsed),
		)
	}
	return result, nil
}

// failureReason condenses an ffmpeg failure for logs.
func failureReason(err error, stderr []byte) string {
	if len(stderr) > stderrTail {
		stderr = stderr[len(stderr)-stderrTail:]
	}
	msg := string(bytes.TrimSpace(stderr))
	if msg == "" {
		return err.Error()
	}
	return err.Error() + ": " + msg
}
