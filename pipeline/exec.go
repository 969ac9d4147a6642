package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/teranos/stagebus/errors"
	"github.com/teranos/stagebus/internal/util"
)

// maxCapturedOutput bounds how much analyzer output is kept in an artifact or error
const maxCapturedOutput = 64 << 10

// maxStderrTail is how much of stderr's end is kept
const maxStderrTail = 2048

// ExecOutput is the artifact of an exec stage whose stdout is not JSON
type ExecOutput struct {
	Command []string `json:"command"`
	Stdout  string   `json:"stdout"`
	Stderr  string   `json:"stderr,omitempty"`
	// Dropped counts stdout bytes past maxCapturedOutput that were discarded
	Dropped int64    `json:"stdout_dropped,omitempty"`
}

// ExecStage runs an external analyzer. The configured command line is split
// shell-style and the staged file's path appended as the final argument.
// A non-zero exit is a stage failure; JSON on stdout becomes the artifact.
type ExecStage struct {
	name string
	argv []string
}

// NewExecStage parses commandLine (e.g. `pylint --output-format=json`)
func NewExecStage(name, commandLine string) (*ExecStage, error) {
	argv, err := shellquote.Split(commandLine)
	if err != nil {
		return nil, errors.Wrapf(err, "parse command %q", commandLine)
	}
	if len(argv) == 0 {
		return nil, errors.Newf("empty command for stage %s", name)
	}
	return &ExecStage{name: name, argv: argv}, nil
}

func (s *ExecStage) Name() string { return s.name }

// Command returns the argv the stage runs, without the file path
func (s *ExecStage) Command() []string {
	return append([]string(nil), s.argv...)
}

func (s *ExecStage) Run(ctx context.Context, in *Input) (*Result, error) {
	args := append(s.argv[1:len(s.argv):len(s.argv)], in.Path)
	cmd := exec.CommandContext(ctx, s.argv[0], args...)

	// Output is capped while it streams; a chatty analyzer cannot grow memory.
	stdout := &headWriter{limit: maxCapturedOutput}
	stderr := &tailWriter{limit: maxStderrTail}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Grandchildren can hold the output pipes open after a kill
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(util.Tail(stderr.String(), maxStderrTail))
		wrapped := errors.Wrapf(err, "%s", shellquote.Join(s.argv...))
		if msg != "" {
			wrapped = errors.WithDetail(wrapped, msg)
		}
		return nil, &StageError{Stage: s.name, Err: wrapped}
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if !stdout.Truncated() && len(out) > 0 && json.Valid(out) {
		return &Result{Artifact: json.RawMessage(out)}, nil
	}
	return &Result{Artifact: &ExecOutput{
		Command: s.Command(),
		Stdout:  strings.ToValidUTF8(stdout.String(), ""),
		Dropped: stdout.dropped,
		Stderr:  util.Tail(stderr.String(), maxStderrTail),
	}}, nil
}

// headWriter keeps the first limit bytes written to it and counts the rest.
// It never fails a write, so the child is not killed by a broken pipe.
type headWriter struct {
	buf     bytes.Buffer
	limit   int
	dropped int64
}

func (w *headWriter) Write(p []byte) (int, error) {
	keep := len(p)
	if room := w.limit - w.buf.Len(); keep > room {
		keep = max(room, 0)
	}
	w.buf.Write(p[:keep])
	w.dropped += int64(len(p) - keep)
	return len(p), nil
}

func (w *headWriter) Bytes() []byte { return w.buf.Bytes() }

func (w *headWriter) String() string { return w.buf.String() }

func (w *headWriter) Truncated() bool { return w.dropped > 0 }

// tailWriter keeps roughly the last limit bytes written to it
type tailWriter struct {
	buf   []byte
	limit int
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	if len(w.buf) > 2*w.limit {
		// Keep one byte past the limit so util.Tail still marks the cut
		w.buf = append([]byte(nil), w.buf[len(w.buf)-w.limit-1:]...)
	}
	return len(p), nil
}

func (w *tailWriter) String() string { return string(w.buf) }
