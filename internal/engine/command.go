package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// CommandEngine executes a task's prompt as a shell command, streaming each
// output line as a progress update. It exists so crew is runnable without a
// model-backed engine: the prompt is the command.
type CommandEngine struct {
	// Shell is the interpreter used to run prompts; defaults to "sh".
	Shell string
}

// NewCommandEngine creates a CommandEngine using the default shell.
func NewCommandEngine() *CommandEngine {
	return &CommandEngine{Shell: "sh"}
}

// Execute runs the request's prompt through the shell. Cancellation kills
// the child via the context; the result is then marked Interrupted.
func (e *CommandEngine) Execute(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("engine: prompt is empty")
	}
	if req.SafeMode {
		// Safe mode forbids running arbitrary commands entirely.
		return nil, errors.New("engine: command execution is disabled in safe mode")
	}

	shell := e.Shell
	if shell == "" {
		shell = "sh"
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, shell, "-c", req.Prompt)
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine: stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("engine: start command: %w", err)
	}

	if onProgress != nil {
		onProgress(Progress{Phase: "running", LastAction: "command started"})
	}

	var sb strings.Builder
	lines := 0
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		sb.WriteString(line)
		sb.WriteByte('\n')
		lines++
		if onProgress != nil {
			onProgress(Progress{
				Phase:      "running",
				ToolCount:  lines,
				LastAction: truncate(line, 120),
			})
		}
	}

	waitErr := cmd.Wait()

	result := &Result{
		Text:         sb.String(),
		ToolUseCount: lines,
		DurationMs:   elapsedMs(start),
	}

	if ctx.Err() != nil {
		result.Interrupted = true
		return result, nil
	}
	if waitErr != nil {
		return result, fmt.Errorf("engine: command failed: %w", waitErr)
	}
	return result, nil
}

// CaptureCommand runs a shell command out of band, writing combined output
// to outputPath and, on exit, the exit code to outputPath+".exit". The
// query side (delegate.WaitForOutput) polls for the exit file.
func CaptureCommand(ctx context.Context, workDir, command, outputPath string) error {
	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("engine: create output file: %w", err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if workDir != "" {
		cmd.Dir = workDir
	}
	cmd.Stdout = out
	cmd.Stderr = out

	runErr := cmd.Run()
	_ = out.Close()

	code := 0
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		code = exitErr.ExitCode()
	} else if runErr != nil {
		code = -1
	}

	if err := os.WriteFile(outputPath+".exit", []byte(fmt.Sprintf("%d", code)), 0o644); err != nil {
		return fmt.Errorf("engine: write exit file: %w", err)
	}
	return runErr
}

// truncate shortens s to at most n bytes, appending an ellipsis.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
