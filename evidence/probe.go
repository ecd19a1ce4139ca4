package evidence

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

const (
	maxProbeOutput      = 4 << 10
	DefaultProbeTimeout = 5 * time.Second
)

// ProbeSpec is an allow-listed diagnostic command.
type ProbeSpec struct {
	Name string
	Args []string
}

// DefaultProbes is the built-in allow list.
var DefaultProbes = []ProbeSpec{
	{Name: "kernel", Args: []string{"uname", "-sr"}},
	{Name: "docker_version", Args: []string{"docker", "--version"}},
	{Name: "docker_containers", Args: []string{"docker", "ps", "--format", "{{.Names}}"}},
	{Name: "interfaces", Args: []string{"ip", "-brief", "addr"}},
}

// cappedBuffer keeps the first limit bytes written to it and discards the rest.
type cappedBuffer struct {
	buf       []byte
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.limit - len(c.buf)
	if room <= 0 {
		c.truncated = c.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		c.buf = append(c.buf, p[:room]...)
		c.truncated = true
		return len(p), nil
	}
	c.buf = append(c.buf, p...)
	return len(p), nil
}

// RunProbe runs the probe command with a hard timeout. Failures, timeouts and missing
// binaries are recorded in the returned Probe; RunProbe never fails.
func RunProbe(ctx context.Context, ps ProbeSpec, timeout time.Duration) Probe {
	p := Probe{Name: ps.Name, Command: strings.Join(ps.Args, " "), ExitCode: -1}
	if len(ps.Args) == 0 {
		p.Output = "empty command"
		return p
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := &cappedBuffer{limit: maxProbeOutput}
	cmd := exec.CommandContext(ctx, ps.Args[0], ps.Args[1:]...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = 500 * time.Millisecond

	start := time.Now()
	err := cmd.Run()
	p.DurationMS = time.Since(start).Milliseconds()
	p.Output = strings.TrimRight(string(out.buf), "\n")
	if out.truncated {
		p.Output += "\n[output truncated]"
	}

	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		p.TimedOut = true
		if p.Output != "" {
			p.Output += "\n"
		}
		p.Output += "timed out after " + timeout.String()
	case err == nil:
		p.ExitCode = 0
	case errors.As(err, &exitErr):
		p.ExitCode = exitErr.ExitCode()
	default:
		if p.Output != "" {
			p.Output += "\n"
		}
		p.Output += err.Error()
	}
	return p
}
