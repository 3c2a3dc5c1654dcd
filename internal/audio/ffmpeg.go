package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// FFmpeg decodes audio to 48kHz stereo s16le PCM.
type FFmpeg struct {
	// Path to the binary, "ffmpeg" when empty.
	Path string
}

// Decode starts ffmpeg reading src from stdin. Closing the returned reader
// stops the process.
func (f FFmpeg) Decode(ctx context.Context, src io.Reader) (io.ReadCloser, error) {
	bin := f.Path
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, bin,
		"-i", "pipe:0",
		"-f", "s16le",
		"-ar", strconv.Itoa(SampleRate),
		"-ac", strconv.Itoa(Channels),
		"-loglevel", "warning",
		"pipe:1",
	)
	cmd.Stdin = src
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr

	reader, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe error: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("command start error: %w", err)
	}
	return &process{ReadCloser: reader, ctx: ctx, cmd: cmd, stderr: stderr}, nil
}

const stderrTail = 512

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}

type process struct {
	io.ReadCloser
	ctx    context.Context
	cmd    *exec.Cmd
	stderr *tailBuffer
	eof    bool
}

func (p *process) Read(b []byte) (int, error) {
	n, err := p.ReadCloser.Read(b)
	if err == io.EOF {
		p.eof = true
	}
	return n, err
}

// Close stops the process. The exit status only counts when ffmpeg ran to
// the end of its output on its own.
func (p *process) Close() error {
	_ = p.ReadCloser.Close()
	stopped := !p.eof
	if stopped {
		_ = p.cmd.Process.Kill()
	}
	err := p.cmd.Wait()

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return err
	}
	if stopped || p.ctx.Err() != nil {
		return nil
	}
	if msg := p.stderr.String(); msg != "" {
		return fmt.Errorf("ffmpeg %w: %s", err, msg)
	}
	return fmt.Errorf("ffmpeg %w", err)
}
