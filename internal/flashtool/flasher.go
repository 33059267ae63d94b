package flashtool

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"mcuflasher/internal/device"
	"mcuflasher/internal/firmware"
	"mcuflasher/internal/stream"
	"mcuflasher/internal/toolout"
	"mcuflasher/internal/upload"
)

// ErrTimeout is returned when a bounded tool invocation ran out of time.
var ErrTimeout = errors.New("tool timed out")

const (
	defaultStopWait   = 3 * time.Second
	defaultRetryDelay = 500 * time.Millisecond
	defaultSettle     = time.Second

	identifyTimeout = 15 * time.Second
	versionTimeout  = 10 * time.Second
)

// CommandFunc creates the tool process. The command must be created with exec.CommandContext.
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Sink receives tool output while the tool runs. partial marks an in-place progress
// fragment that has no line end yet.
type Sink func(l toolout.Line, partial bool)

// BootHook runs around each tool attempt, for boards that need help entering download mode.
type BootHook interface {
	Before(ctx context.Context) error
	After(ctx context.Context, flashed bool)
}

// Flasher runs one tool with retries.
type Flasher struct {
	tool       Tool
	command    CommandFunc
	sink       Sink
	hook       BootHook
	log        *logrus.Entry
	stopWait   time.Duration
	retryDelay time.Duration
	settle     time.Duration
	kill       func(ctx context.Context, name string) (int, error)

	availMu   sync.Mutex
	available bool
}

// Option configures a Flasher.
type Option func(*Flasher)

// WithCommand replaces exec.CommandContext.
func WithCommand(fn CommandFunc) Option {
	return func(f *Flasher) { f.command = fn }
}

// WithSink sets the output receiver.
func WithSink(s Sink) Option {
	return func(f *Flasher) { f.sink = s }
}

// WithBootHook sets the download-mode helper.
func WithBootHook(h BootHook) Option {
	return func(f *Flasher) { f.hook = h }
}

// WithLogger sets the log entry.
func WithLogger(l *logrus.Entry) Option {
	return func(f *Flasher) { f.log = l }
}

// WithStopWait bounds how long a cancelled tool may keep running before it is killed.
func WithStopWait(d time.Duration) Option {
	return func(f *Flasher) { f.stopWait = d }
}

// WithRetryDelay sets the pause between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(f *Flasher) { f.retryDelay = d }
}

// WithSettle sets the pause between a successful flash and release recovery.
func WithSettle(d time.Duration) Option {
	return func(f *Flasher) { f.settle = d }
}

// WithProcessKiller replaces the process-table cleanup used by Release.
func WithProcessKiller(fn func(ctx context.Context, name string) (int, error)) Option {
	return func(f *Flasher) { f.kill = fn }
}

// New returns a Flasher for tool.
func New(tool Tool, opts ...Option) *Flasher {
	f := &Flasher{
		tool:       tool,
		command:    exec.CommandContext,
		log:        logrus.WithField("component", "flashtool"),
		stopWait:   defaultStopWait,
		retryDelay: defaultRetryDelay,
		settle:     defaultSettle,
		kill:       KillByName,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.log = f.log.WithField("tool", tool.Name())
	return f
}

// Tool returns the wrapped tool.
func (f *Flasher) Tool() Tool {
	return f.tool
}

// Flash writes set and returns the outcome. Missing files fail before the tool is launched.
// Retries after the first run at the tool's fallback speed when the configured speed is higher.
func (f *Flasher) Flash(ctx context.Context, set firmware.Set) upload.Outcome {
	out := upload.Outcome{
		Family:  f.tool.Family(),
		Images:  set.Sorted(),
		Started: time.Now(),
	}
	if err := out.Images.Validate(); err != nil {
		return out.Finish(&upload.ConfigurationError{Field: "images", Reason: err.Error()})
	}

	f.log.Infof("flashing %d image(s): %v", len(out.Images), out.Images.Names())
	attempts, err := f.retry(ctx, "flash", func(speed int) []string {
		return f.tool.WriteArgs(out.Images, speed)
	})
	out.Attempts = attempts
	if err != nil {
		return out.Finish(err)
	}

	if f.tool.LocksDebugPort() {
		if sleepCtx(ctx, f.settle) == nil {
			f.Release(ctx)
		}
	}
	return out.Finish(nil)
}

// Erase wipes the whole flash.
func (f *Flasher) Erase(ctx context.Context) error {
	f.log.Info("erasing flash")
	_, err := f.retry(ctx, "erase", f.tool.EraseArgs)
	return err
}

// Identify returns the attached chip. A configured variant is returned without a probe.
func (f *Flasher) Identify(ctx context.Context) (device.ChipIdentity, error) {
	if v := f.tool.Variant(); v != "" {
		return device.ChipIdentity{Family: f.tool.Family(), Variant: v}, nil
	}
	if f.hook != nil {
		if err := f.hook.Before(ctx); err != nil {
			return device.ChipIdentity{Family: f.tool.Family()}, err
		}
	}
	code, lines, err := f.run(ctx, identifyTimeout, f.tool.IdentifyArgs(), true)
	if err != nil {
		return device.ChipIdentity{Family: f.tool.Family()}, err
	}
	if code != 0 {
		return device.ChipIdentity{Family: f.tool.Family()}, errors.Errorf("%s identify exited with code %d", f.tool.Name(), code)
	}
	id := toolout.Identity(f.tool.Family(), lines)
	if !id.Known() {
		return id, errors.New("chip type not found in tool output")
	}
	f.log.Infof("identified %s", id)
	return id, nil
}

// Probe runs the tool's connect-only command and reports whether it exited cleanly within timeout.
func (f *Flasher) Probe(ctx context.Context, timeout time.Duration) (bool, error) {
	code, _, err := f.run(ctx, timeout, f.tool.ProbeArgs(), true)
	switch {
	case errors.Is(err, ErrTimeout):
		return false, nil
	case err != nil:
		return false, err
	}
	return code == 0, nil
}

// CheckAvailable launches the tool's version command. A passing check is remembered,
// so later calls return nil without launching the tool.
func (f *Flasher) CheckAvailable(ctx context.Context) error {
	f.availMu.Lock()
	defer f.availMu.Unlock()
	if f.available {
		return nil
	}
	code, _, err := f.run(ctx, versionTimeout, f.tool.VersionArgs(), true)
	if err != nil {
		return err
	}
	if code != 0 {
		return &upload.ToolUnavailableError{
			Tool:    f.tool.Name(),
			Install: f.tool.Install(),
			Err:     errors.Errorf("version check exited with code %d", code),
		}
	}
	f.available = true
	return nil
}

// retry runs the command built by argsFor up to the tool's retry count.
func (f *Flasher) retry(ctx context.Context, what string, argsFor func(speed int) []string) (int, error) {
	attempts := f.tool.Retries()
	if attempts < 1 {
		attempts = 1
	}
	speed := f.tool.Speed()

	var (
		lastCode = -1
		lastErr  error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return attempt - 1, upload.ErrStopped
		}
		if attempt > 1 {
			if err := sleepCtx(ctx, f.retryDelay); err != nil {
				return attempt - 1, upload.ErrStopped
			}
			if fb := f.tool.FallbackSpeed(); speed > fb {
				f.log.Warnf("%s failed at %d, retrying at %d", what, speed, fb)
				f.note("Retrying at safe speed " + strconv.Itoa(fb))
				speed = fb
			}
		}
		f.log.Infof("%s attempt %d/%d", what, attempt, attempts)

		code, err := f.attempt(ctx, argsFor(speed))
		switch {
		case err != nil && upload.IsPermanent(err):
			return attempt, err
		case err != nil:
			f.log.WithError(err).Warnf("%s attempt %d", what, attempt)
			lastErr = err
		case code == 0:
			return attempt, nil
		default:
			f.log.Warnf("%s attempt %d exited with code %d", what, attempt, code)
			lastCode, lastErr = code, nil
		}
	}
	if lastErr != nil {
		return attempts, errors.Wrapf(lastErr, "%s failed after %d attempt(s)", what, attempts)
	}
	return attempts, &upload.FlashFailureError{Tool: f.tool.Name(), ExitCode: lastCode, Attempts: attempts}
}

func (f *Flasher) attempt(ctx context.Context, args []string) (int, error) {
	if f.hook != nil {
		if err := f.hook.Before(ctx); err != nil {
			return -1, err
		}
	}
	code, _, err := f.run(ctx, 0, args, false)
	if f.hook != nil && err == nil {
		f.hook.After(ctx, code == 0)
	}
	return code, err
}

// run starts the tool and streams its combined output until it exits. A nonzero exit is
// not an error. timeout 0 means no limit beyond ctx.
func (f *Flasher) run(ctx context.Context, timeout time.Duration, args []string, quiet bool) (int, []toolout.Line, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	exe := f.tool.Executable()
	argv := append(append([]string{}, exe.Prefix...), args...)
	cmd := f.command(runCtx, exe.Path, argv...)
	cmd.Cancel = func() error {
		// interrupt first so the tool can finish its current block; WaitDelay kills it otherwise
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = f.stopWait

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	var lines []toolout.Line
	parse := f.tool.Parser()
	done := make(chan struct{})
	go func() {
		defer close(done)
		asm := &stream.Assembler{Partial: toolout.IsPartialProgress}
		_ = stream.Copy(pr, asm, func(text string, partial bool) {
			l := parse(text)
			if !partial {
				lines = append(lines, l)
				f.log.Debug(text)
			}
			if quiet || l.Kind == toolout.KindNoise || f.sink == nil {
				return
			}
			f.sink(l, partial)
		})
	}()

	f.log.Debugf("exec %s %v", exe.Path, argv)
	if err := cmd.Start(); err != nil {
		pw.Close()
		<-done
		return -1, nil, &upload.ToolUnavailableError{Tool: f.tool.Name(), Install: f.tool.Install(), Err: err}
	}
	waitErr := cmd.Wait()
	pw.Close()
	<-done

	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	switch {
	case ctx.Err() != nil:
		return code, lines, upload.ErrStopped
	case runCtx.Err() != nil:
		return code, lines, ErrTimeout
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return code, lines, errors.Wrap(waitErr, "wait for "+f.tool.Name())
		}
	}
	return code, lines, nil
}

// note sends a line of our own to the sink.
func (f *Flasher) note(text string) {
	if f.sink != nil {
		f.sink(toolout.Line{Kind: toolout.KindText, Raw: text, Text: text, Percent: -1}, false)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
