// Package inference runs the external eye scorer as a child process.
package inference

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Ashu27-arc/eye-test/internal/config"
	"github.com/Ashu27-arc/eye-test/internal/logging"
)

// killGrace bounds how long Wait blocks on pipes after the process was killed.
const killGrace = 2 * time.Second

// Output is what a finished scorer run produced.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Invoker scores one stored image.
type Invoker interface {
	Invoke(ctx context.Context, imagePath string) (*Output, error)
}

// Error describes a scorer run that did not succeed.
type Error struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Timeout  bool
	Canceled bool
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("inference timed out: %v", e.Err)
	case e.Canceled:
		return fmt.Sprintf("inference canceled: %v", e.Err)
	case e.ExitCode > 0:
		return fmt.Sprintf("inference exited with status %d", e.ExitCode)
	default:
		return fmt.Sprintf("inference failed: %v", e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Diagnostic is the text reported to clients: stderr, else stdout, else the error message.
func (e *Error) Diagnostic() string {
	if s := strings.TrimSpace(e.Stderr); s != "" {
		return s
	}
	if s := strings.TrimSpace(e.Stdout); s != "" {
		return s
	}
	return e.Error()
}

// ScriptInvoker runs `<interpreter> <script> <image> <model>`.
type ScriptInvoker struct {
	interpreter string
	script      string
	model       string
	timeout     time.Duration
	slots       *semaphore.Weighted
	logger      *zap.Logger
}

// NewScriptInvoker resolves script and model paths once. A MaxConcurrent of
// zero leaves invocations unbounded.
func NewScriptInvoker(cfg config.Inference, logger *zap.Logger) (*ScriptInvoker, error) {
	script, err := filepath.Abs(cfg.ScriptPath)
	if err != nil {
		return nil, fmt.Errorf("resolve script path %q: %w", cfg.ScriptPath, err)
	}
	model, err := filepath.Abs(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("resolve model path %q: %w", cfg.ModelPath, err)
	}
	interpreter := cfg.Interpreter
	if interpreter == "" {
		interpreter = config.DefaultInterpreter()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	inv := &ScriptInvoker{
		interpreter: interpreter,
		script:      script,
		model:       model,
		timeout:     cfg.Timeout,
		logger:      logger,
	}
	if cfg.MaxConcurrent > 0 {
		inv.slots = semaphore.NewWeighted(cfg.MaxConcurrent)
	}
	return inv, nil
}

// Command renders the command line for logs, quoting every path.
func (s *ScriptInvoker) Command(imagePath string) string {
	return strings.Join([]string{
		s.interpreter,
		strconv.Quote(s.script),
		strconv.Quote(imagePath),
		strconv.Quote(s.model),
	}, " ")
}

func (s *ScriptInvoker) Invoke(ctx context.Context, imagePath string) (*Output, error) {
	log := logging.WithOperation(s.logger, "inference.invoke", logging.RequestIDFromContext(ctx))

	if s.slots != nil {
		if err := s.slots.Acquire(ctx, 1); err != nil {
			return nil, &Error{Canceled: true, Err: err}
		}
		defer s.slots.Release(1)
	}

	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, s.interpreter, s.script, imagePath, s.model)
	cmd.WaitDelay = killGrace
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug("starting scorer", zap.String("command", s.Command(imagePath)))
	start := time.Now()
	err := cmd.Run()
	out := &Output{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(start),
	}
	if err == nil {
		log.Debug("scorer finished", zap.Duration("duration", out.Duration))
		return out, nil
	}

	invErr := &Error{Stdout: out.Stdout, Stderr: out.Stderr, ExitCode: out.ExitCode, Err: err}
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		invErr.Canceled = true
		invErr.Err = ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		invErr.Timeout = true
		invErr.Err = runCtx.Err()
	}
	log.Warn("scorer failed",
		zap.Error(invErr),
		zap.Int("exit_code", invErr.ExitCode),
		zap.Duration("duration", out.Duration),
		zap.String("command", s.Command(imagePath)),
	)
	return nil, invErr
}
