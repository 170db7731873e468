package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Launcher starts the simulator process that serves one slot.
type Launcher interface {
	Start(ctx context.Context, port int) (Process, error)
}

type Process interface {
	Alive() bool
	Stop() error
}

// PortPlaceholder is substituted with the slot port in launcher arguments.
const PortPlaceholder = "{port}"

// ExecLauncher runs a simulator binary per slot, e.g.
// `donkey_sim --port {port}`. The process outlives the acquire request and
// is reused across releases until killed.
type ExecLauncher struct {
	Command string
	Args    []string
	// Grace bounds how long Start waits for the port to accept connections;
	// zero skips the wait.
	Grace  time.Duration
	Logger *logrus.Entry
}

func (l *ExecLauncher) Start(ctx context.Context, port int) (Process, error) {
	if l.Command == "" {
		return nil, errors.New("launcher: empty command")
	}
	args := make([]string, len(l.Args))
	for i, a := range l.Args {
		args[i] = strings.ReplaceAll(a, PortPlaceholder, strconv.Itoa(port))
	}
	logger := l.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger = logger.WithFields(logrus.Fields{"component": "launcher", "port": port})

	cmd := exec.Command(l.Command, args...)
	out := logger.WriterLevel(logrus.DebugLevel)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		out.Close()
		return nil, fmt.Errorf("launcher: starting %s: %w", l.Command, err)
	}
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		out.Close()
		close(p.done)
		logger.WithError(p.err).Debug("simulator exited")
	}()
	logger.WithField("pid", cmd.Process.Pid).Info("simulator started")

	if l.Grace > 0 {
		if err := WaitForPort(ctx, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), l.Grace); err != nil {
			p.Stop()
			return nil, err
		}
	}
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
	once sync.Once
}

func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *execProcess) Stop() error {
	var err error
	p.once.Do(func() {
		if !p.Alive() {
			return
		}
		if kerr := p.cmd.Process.Kill(); kerr != nil {
			err = kerr
			return
		}
		select {
		case <-p.done:
		case <-time.After(5 * time.Second):
			err = fmt.Errorf("launcher: pid %d did not exit", p.cmd.Process.Pid)
		}
	})
	return err
}

// WaitForPort blocks until addr accepts a TCP connection, timeout elapses or
// ctx is done.
func WaitForPort(ctx context.Context, addr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var d net.Dialer
	wait := 50 * time.Millisecond
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("waiting for simulator at %s: %w", addr, ctx.Err())
		case <-timer.C:
		}
		if wait < time.Second {
			wait *= 2
		}
	}
}
