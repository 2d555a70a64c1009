package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/task/engine"
	logx "github.com/Todd-j-sutherland/trading-feature-sub006/pkg/logx"
)

const (
	maxOutput  = 64 << 10
	stderrTail = 512
	waitDelay  = time.Second // output pipes held open by grandchildren after a kill
)

// sysexits codes that mark a permanent failure.
const (
	exitUsage   = 64
	exitDataErr = 65
	exitConfig  = 78
)

// Command describes how one service is run.
type Command struct {
	Args []string
	Dir  string
	Env  map[string]string
}

// Request is written to the command's stdin.
type Request struct {
	Target     string         `json:"target"`
	Service    string         `json:"service"`
	Method     string         `json:"method"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Exec runs "<args...> <method>" for each call. Stdout is parsed as JSON when
// possible and returned as the result; otherwise the trimmed text is.
type Exec struct {
	log      logx.Logger
	commands map[string]Command
}

func NewExec(commands map[string]Command, log logx.Logger) (*Exec, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	cp := make(map[string]Command, len(commands))
	for name, c := range commands {
		if len(c.Args) == 0 || strings.TrimSpace(c.Args[0]) == "" {
			return nil, fmt.Errorf("service %s: command is empty", name)
		}
		cp[name] = c
	}
	return &Exec{log: log, commands: cp}, nil
}

func (e *Exec) Services() []string {
	out := make([]string, 0, len(e.commands))
	for k := range e.commands {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (e *Exec) Invoke(ctx context.Context, target string, params map[string]any) (any, error) {
	service, method, err := SplitTarget(target)
	if err != nil {
		return nil, engine.NoRetry(err)
	}
	c, ok := e.commands[service]
	if !ok {
		return nil, engine.NoRetry(fmt.Errorf("%w: %s", ErrUnknownService, service))
	}

	stdin, err := json.Marshal(Request{Target: target, Service: service, Method: method, Parameters: params})
	if err != nil {
		return nil, engine.NoRetry(fmt.Errorf("encode parameters: %w", err))
	}

	args := append(append([]string(nil), c.Args[1:]...), method)
	cmd := exec.CommandContext(ctx, c.Args[0], args...)
	cmd.Dir = c.Dir
	cmd.WaitDelay = waitDelay
	cmd.Stdin = bytes.NewReader(stdin)
	if len(c.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	stdout := &capped{max: maxOutput}
	stderr := &capped{max: maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	e.log.Debug("exec start", logx.String("target", target), logx.String("cmd", c.Args[0]))
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyExit(err, tail(stderr.String(), stderrTail))
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil, nil
	}
	var v any
	if json.Unmarshal(out, &v) == nil {
		return v, nil
	}
	return string(out), nil
}

func classifyExit(err error, stderr string) error {
	msg := err.Error()
	if stderr != "" {
		msg += ": " + stderr
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		// Binary missing or not executable.
		return engine.NoRetry(errors.New(msg))
	}
	switch ee.ExitCode() {
	case exitUsage, exitDataErr, exitConfig:
		return engine.NoRetry(errors.New(msg))
	default:
		return errors.New(msg)
	}
}

// capped is a bytes.Buffer that silently stops growing at max bytes.
type capped struct {
	bytes.Buffer
	max int
}

func (c *capped) Write(p []byte) (int, error) {
	if room := c.max - c.Len(); room > 0 {
		if len(p) > room {
			c.Buffer.Write(p[:room])
		} else {
			c.Buffer.Write(p)
		}
	}
	return len(p), nil
}

// tail keeps the last n bytes of s, cut on a rune boundary. The capped
// buffer may end mid-rune, so invalid bytes are dropped first.
func tail(s string, n int) string {
	s = strings.TrimSpace(strings.ToValidUTF8(s, ""))
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return "..." + s[i:]
}
