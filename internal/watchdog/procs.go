package watchdog

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"tidyd/pkg/logx"
)

// launcher starts and stops the supervised external processes. Split
// out so tests can fake process lifecycles.
type launcher interface {
	start(ctx context.Context, name string, command []string) error
	stop(name string)
	stopAll()
	running(name string) bool
}

type managedProc struct {
	cmd  *exec.Cmd
	done chan struct{}
}

type procLauncher struct {
	log logx.Logger

	mu    sync.Mutex
	procs map[string]*managedProc

	termGrace time.Duration
}

func newProcLauncher(log logx.Logger) *procLauncher {
	return &procLauncher{
		log:       log,
		procs:     make(map[string]*managedProc),
		termGrace: 5 * time.Second,
	}
}

func (l *procLauncher) start(ctx context.Context, name string, command []string) error {
	if len(command) == 0 {
		return errors.New("empty command")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.procs[name]; ok {
		select {
		case <-p.done:
			// Exited, restartable.
		default:
			return nil
		}
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	if err := cmd.Start(); err != nil {
		return err
	}

	p := &managedProc{cmd: cmd, done: make(chan struct{})}
	l.procs[name] = p
	l.log.Info("service started", logx.String("service", name), logx.Int("pid", cmd.Process.Pid))

	go func() {
		err := cmd.Wait()
		close(p.done)
		if err != nil {
			l.log.Warn("service exited", logx.String("service", name), logx.Err(err))
		} else {
			l.log.Info("service exited", logx.String("service", name))
		}
	}()
	return nil
}

func (l *procLauncher) stop(name string) {
	l.mu.Lock()
	p, ok := l.procs[name]
	if ok {
		delete(l.procs, name)
	}
	l.mu.Unlock()
	if !ok {
		return
	}

	select {
	case <-p.done:
		return
	default:
	}

	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.done:
	case <-time.After(l.termGrace):
		l.log.Warn("service ignored SIGTERM, killing", logx.String("service", name))
		_ = p.cmd.Process.Kill()
		<-p.done
	}
}

func (l *procLauncher) stopAll() {
	l.mu.Lock()
	names := make([]string, 0, len(l.procs))
	for name := range l.procs {
		names = append(names, name)
	}
	l.mu.Unlock()
	for _, name := range names {
		l.stop(name)
	}
}

func (l *procLauncher) running(name string) bool {
	l.mu.Lock()
	p, ok := l.procs[name]
	l.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}
