package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"time"
)

const (
	// DefaultTerminationGrace is how long a timed-out command gets between
	// SIGTERM and SIGKILL.
	DefaultTerminationGrace = 2 * time.Second

	// stderrExcerptBytes caps the stderr tail carried by ExecutionError.
	stderrExcerptBytes = 4 * 1024
)

// Executor runs argv vectors directly, without a shell.
type Executor struct {
	grace  time.Duration
	logger *slog.Logger
}

func New(logger *slog.Logger, grace time.Duration) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if grace <= 0 {
		grace = DefaultTerminationGrace
	}
	return &Executor{
		grace:  grace,
		logger: logger.With("component", "executor"),
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// Run executes argv[0] with argv[1:] as arguments and waits for it to finish.
//
// The command runs in its own process group with stdin attached to the null
// device. When timeout (if positive) elapses or ctx is cancelled, the group
// receives SIGTERM and, after the grace period, SIGKILL. stdout and stderr are
// closed before Run returns, whatever the outcome. A nil sink discards output.
// Run returns once the command itself exits; descendants that leave its
// process group keep writing to the sinks' files but never delay Run.
// Any failure is returned as *ExecutionError.
func (e *Executor) Run(ctx context.Context, argv []string, timeout time.Duration, stdout, stderr io.WriteCloser) error {
	if stdout == nil {
		stdout = nopWriteCloser{io.Discard}
	}
	if stderr == nil {
		stderr = nopWriteCloser{io.Discard}
	}
	defer func() {
		_ = stdout.Close()
		_ = stderr.Close()
	}()

	if len(argv) == 0 || argv[0] == "" {
		return &ExecutionError{Kind: KindSpawn, Err: errors.New("empty argv")}
	}
	program := argv[0]

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	outSpool, err := newSpool(stdout)
	if err != nil {
		return &ExecutionError{Kind: KindSpawn, Program: program, Err: fmt.Errorf("spool stdout: %w", err)}
	}
	defer e.flush(outSpool)
	errSpool, err := newSpool(stderr)
	if err != nil {
		return &ExecutionError{Kind: KindSpawn, Program: program, Err: fmt.Errorf("spool stderr: %w", err)}
	}
	defer e.flush(errSpool)

	cmd := exec.Command(program, argv[1:]...)
	cmd.Stdout = outSpool.file
	cmd.Stderr = errSpool.file
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	e.logger.Debug("Spawning command", "argv", argv, "timeout", timeout)
	started := time.Now()
	if err := cmd.Start(); err != nil {
		return &ExecutionError{Kind: KindSpawn, Program: program, Err: err}
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		e.terminate(cmd, waitErr)
		tail := fileTail(errSpool.file, stderrExcerptBytes)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.logger.Warn("Command timed out", "program", program, "timeout", timeout)
			return &ExecutionError{
				Kind:    KindTimeout,
				Program: program,
				Timeout: timeout,
				Stderr:  tail,
				Err:     ctx.Err(),
			}
		}
		return &ExecutionError{Kind: KindCanceled, Program: program, Stderr: tail, Err: ctx.Err()}

	case err := <-waitErr:
		elapsed := time.Since(started)
		if err == nil {
			e.logger.Debug("Command finished", "program", program, "duration_ms", elapsed.Milliseconds())
			return nil
		}
		tail := fileTail(errSpool.file, stderrExcerptBytes)
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return &ExecutionError{Kind: KindExit, Program: program, ExitCode: -1, Stderr: tail, Err: fmt.Errorf("wait: %w", err)}
		}
		execErr := &ExecutionError{
			Kind:     KindExit,
			Program:  program,
			ExitCode: exitErr.ExitCode(),
			Stderr:   tail,
			Err:      err,
		}
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			execErr.Signal = "signal: " + ws.Signal().String()
		}
		e.logger.Debug("Command exited with non-zero status", "program", program, "exit_code", execErr.ExitCode, "duration_ms", elapsed.Milliseconds())
		return execErr
	}
}

func (e *Executor) flush(s *spool) {
	if err := s.flush(); err != nil {
		e.logger.Error("Failed to copy spooled output", "error", err)
	}
}

// terminate signals the command's process group and waits for it to exit.
func (e *Executor) terminate(cmd *exec.Cmd, waitErr <-chan error) {
	if err := signalGroup(cmd, syscall.SIGTERM); err != nil {
		e.logger.Error("Failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(e.grace)
	defer grace.Stop()

	select {
	case <-waitErr:
	case <-grace.C:
		e.logger.Warn("Command did not exit after SIGTERM, sending SIGKILL", "pid", cmd.Process.Pid)
		if err := signalGroup(cmd, syscall.SIGKILL); err != nil {
			e.logger.Error("Failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	// A negative pid addresses the whole process group.
	err := syscall.Kill(-cmd.Process.Pid, sig)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}
