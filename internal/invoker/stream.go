package invoker

import (
	"bytes"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// maxCaptured bounds how much of each stream is kept for error reporting.
// Neuroimaging tools are chatty; only the tail explains a failure.
const maxCaptured = 16 << 10

// streamResult captures the tail of stdout/stderr emitted by a tool run.
type streamResult struct {
	Stdout string
	Stderr string
}

// runStreaming forwards the tool's output to the configured writers, each
// line prefixed with "[label] " so concurrent steps stay distinguishable,
// while keeping the last maxCaptured bytes of each stream.
func runStreaming(cmd *exec.Cmd, label string) (streamResult, error) {
	stdoutTail := &tailBuffer{limit: maxCaptured}
	stderrTail := &tailBuffer{limit: maxCaptured}

	stdoutFwd := newLinePrefixer(cmd.Stdout, label)
	stderrFwd := newLinePrefixer(cmd.Stderr, label)
	cmd.Stdout = teeTo(stdoutFwd, stdoutTail)
	cmd.Stderr = teeTo(stderrFwd, stderrTail)

	err := cmd.Run()
	stdoutFwd.flush()
	stderrFwd.flush()

	return streamResult{
		Stdout: strings.TrimSpace(stdoutTail.String()),
		Stderr: strings.TrimSpace(stderrTail.String()),
	}, err
}

func teeTo(fwd *linePrefixer, tail *tailBuffer) io.Writer {
	if fwd == nil {
		return tail
	}
	return io.MultiWriter(fwd, tail)
}

// primaryOutput returns stderr if present, otherwise stdout.
func primaryOutput(res streamResult) string {
	if res.Stderr != "" {
		return res.Stderr
	}
	return res.Stdout
}

// linePrefixer writes complete lines to out with a fixed prefix. A trailing
// partial line is held until the next newline or flush.
type linePrefixer struct {
	mu      sync.Mutex
	out     io.Writer
	prefix  []byte
	pending []byte
}

func newLinePrefixer(out io.Writer, label string) *linePrefixer {
	if out == nil {
		return nil
	}
	var prefix []byte
	if label != "" {
		prefix = []byte("[" + label + "] ")
	}
	return &linePrefixer{out: out, prefix: prefix}
}

func (p *linePrefixer) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = append(p.pending, b...)
	for {
		i := bytes.IndexByte(p.pending, '\n')
		if i < 0 {
			break
		}
		if err := p.emit(p.pending[:i+1]); err != nil {
			return len(b), err
		}
		p.pending = p.pending[i+1:]
	}
	return len(b), nil
}

func (p *linePrefixer) flush() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return
	}
	_ = p.emit(append(p.pending, '\n'))
	p.pending = nil
}

func (p *linePrefixer) emit(line []byte) error {
	buf := make([]byte, 0, len(p.prefix)+len(line))
	buf = append(buf, p.prefix...)
	buf = append(buf, line...)
	_, err := p.out.Write(buf)
	return err
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu        sync.Mutex
	limit     int
	buf       []byte
	truncated bool
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
		t.truncated = true
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.truncated {
		return "..." + string(t.buf)
	}
	return string(t.buf)
}
