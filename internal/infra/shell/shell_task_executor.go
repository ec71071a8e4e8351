// internal/infra/shell/shell_task_executor.go
package shell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"taskmaster/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultShell runs task commands when no shell is configured.
const DefaultShell = "/bin/sh"

// maxOutput caps the captured output of one command.
const maxOutput = 64 << 10

// Environment variables exported to every command.
const (
	EnvTaskID       = "TASKMASTER_TASK_ID"
	EnvDependencies = "TASKMASTER_DEPENDENCIES"
)

type commandExecutor struct {
	shell  string
	logger *slog.Logger
	tracer trace.Tracer
}

// NewShellTaskExecutor creates an executor that runs each task message as
// `<shell> -c <message>`. The task id and its dependency ids are exported
// through TASKMASTER_TASK_ID and TASKMASTER_DEPENDENCIES.
func NewShellTaskExecutor(shell string, logger *slog.Logger) domain.TaskExecutor {
	if shell == "" {
		shell = DefaultShell
	}
	return &commandExecutor{
		shell:  shell,
		logger: logger.With("component", "shell-executor", "shell", shell),
		tracer: otel.Tracer("taskmaster-shell-executor"),
	}
}

// Execute runs the command to completion and returns stdout and stderr
// interleaved as written, truncated to maxOutput bytes.
func (e *commandExecutor) Execute(ctx context.Context, task *domain.Task) (string, error) {
	ctx, span := e.tracer.Start(ctx, "executor.shell.Execute",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("task.command", task.Message),
		))
	defer span.End()

	logger := e.logger.With("task_id", task.ID)
	logger.Debug("running command", "command", task.Message)

	cmd := exec.CommandContext(ctx, e.shell, "-c", task.Message)
	cmd.Env = append(os.Environ(),
		EnvTaskID+"="+task.ID,
		EnvDependencies+"="+strings.Join(task.Dependencies, ","),
	)
	out := &cappedBuffer{limit: maxOutput}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	output := out.String()
	span.SetAttributes(attribute.Int("shell.output_bytes", len(output)), attribute.Bool("shell.output_truncated", out.truncated))

	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		span.SetAttributes(attribute.Int("shell.exit_code", exitCode))
		span.RecordError(err)
		span.SetStatus(codes.Error, "command failed")
		logger.Warn("command failed", "exit_code", exitCode, "error", err)
		if tail := lastLine(output); tail != "" {
			return output, fmt.Errorf("command exited with code %d: %s", exitCode, tail)
		}
		return output, fmt.Errorf("command exited with code %d: %w", exitCode, err)
	}

	span.SetAttributes(attribute.Int("shell.exit_code", 0))
	logger.Debug("command finished")
	return output, nil
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// cappedBuffer keeps the first limit bytes written to it and discards the
// rest. It is shared by stdout and stderr, hence the lock.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if room := b.limit - len(b.buf); room < len(p) {
		b.buf = append(b.buf, p[:max(room, 0)]...)
		b.truncated = true
	} else {
		b.buf = append(b.buf, p...)
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
