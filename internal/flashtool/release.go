package flashtool

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/process"
)

const (
	resetTimeout   = 5 * time.Second
	releaseTimeout = time.Second
)

// Release leaves a locked debug interface usable without a power cycle: one hardware
// reset through the tool, a sweep for orphaned tool processes, then a short connect
// that is expected to time out. Nothing here fails the flash that preceded it.
func (f *Flasher) Release(ctx context.Context) {
	log := f.log.WithField("step", "release")

	if args := f.tool.ResetArgs(); len(args) > 0 {
		code, _, err := f.run(ctx, resetTimeout, args, true)
		switch {
		case err != nil:
			log.WithError(err).Warn("hardware reset")
		case code != 0:
			log.Warnf("hardware reset exited with code %d", code)
		default:
			log.Debug("hardware reset done")
		}
	}

	if name := f.tool.ProcessName(); name != "" && f.kill != nil {
		n, err := f.kill(ctx, name)
		if err != nil {
			log.WithError(err).Warnf("kill lingering %s", name)
		} else if n > 0 {
			log.Infof("killed %d lingering %s process(es)", n, name)
		}
	}

	if args := f.tool.ReleaseArgs(); len(args) > 0 {
		_, _, err := f.run(ctx, releaseTimeout, args, true)
		switch {
		case err == nil, errors.Is(err, ErrTimeout):
			log.Debug("debug port released")
		default:
			log.WithError(err).Warn("release handshake")
		}
	}
	f.note("Debug connection released")
}

// KillByName kills every process called name except this one. Linux truncates process
// names to 15 bytes, so a truncated prefix of name also matches.
func KillByName(ctx context.Context, name string) (int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list processes")
	}
	self := int32(os.Getpid())
	killed := 0
	var firstErr error
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		pname, err := p.NameWithContext(ctx)
		if err != nil || !sameProcess(pname, name) {
			continue
		}
		if err := p.KillWithContext(ctx); err != nil {
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "kill pid %d", p.Pid)
			}
			continue
		}
		killed++
	}
	return killed, firstErr
}

func sameProcess(running, want string) bool {
	running = strings.TrimSuffix(strings.ToLower(running), ".exe")
	want = strings.TrimSuffix(strings.ToLower(want), ".exe")
	if running == "" {
		return false
	}
	if running == want {
		return true
	}
	return len(running) == 15 && strings.HasPrefix(want, running)
}
