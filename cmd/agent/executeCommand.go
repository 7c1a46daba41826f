package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"paylock/internal/config"
	"paylock/internal/directive"
)

const (
	// Maximum output size kept per stream.
	maxOutputSize = 10 * 1024 // 10KB limit
	// Maximum log output length for readability.
	maxLogLength = 200
)

// errNoHook is returned for directive types with no command on this OS.
var errNoHook = errors.New("no hook configured")

// hookExecutor runs the configured shell hook for each directive type.
type hookExecutor struct {
	hooks map[directive.Type]config.HookDefinition
	debug bool
}

// Execute implements heartbeat.Executor. Rules run in order and the first
// failure stops the directive.
func (h hookExecutor) Execute(ctx context.Context, d directive.Directive, action directive.Action) (string, error) {
	rules := h.hooks[d.Type].RulesForOS(runtime.GOOS)
	if len(rules) == 0 {
		if up, ok := action.(directive.UpdateApp); ok {
			return selfUpdate(ctx, up)
		}
		return "", fmt.Errorf("%w for %s on %s", errNoHook, d.Type, runtime.GOOS)
	}

	env := append(os.Environ(), actionEnv(d, action)...)
	var results []string
	for i, rule := range rules {
		res := h.run(ctx, d, rule.Run, env)
		want := 0
		if rule.ExitCode != nil {
			want = *rule.ExitCode
		}
		if res.exitCode != want {
			return "", fmt.Errorf("hook %d for %s exited %d (want %d): %s",
				i+1, d, res.exitCode, want, truncate(res.stderr, maxLogLength))
		}
		if out := strings.TrimSpace(res.stdout); out != "" {
			results = append(results, out)
		}
	}
	return truncate(strings.Join(results, "\n"), maxLogLength), nil
}

type commandResult struct {
	stdout   string
	stderr   string
	exitCode int
}

// run executes a command and captures stdout/stderr separately.
// Bash restricted mode (-r) prevents cd, PATH changes, output redirection
// and running programs with / in the name. Hooks come from the agent's own
// configuration file.
func (h hookExecutor) run(ctx context.Context, d directive.Directive, command string, env []string) commandResult {
	start := time.Now()

	if h.debug {
		log.Printf("[DEBUG] Executing hook for %s: %s", d, command)
	}

	cmd := exec.CommandContext(ctx, "bash", "-r", "-c", command)
	cmd.Env = env
	// Children that outlive bash must not hold the pipes open past the deadline.
	cmd.WaitDelay = time.Second

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	duration := time.Since(start)

	res := commandResult{
		stdout: limitOutput(stdoutBuf.Bytes(), maxOutputSize),
		stderr: limitOutput(stderrBuf.Bytes(), maxOutputSize),
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			log.Printf("[WARN] Hook for %s timed out after %v", d, duration)
			res.stderr = "Command timed out after " + duration.String()
			res.exitCode = -1
		case errors.As(err, &exitErr):
			res.exitCode = exitErr.ExitCode()
		default:
			res.exitCode = -1
			res.stderr += fmt.Sprintf("\nCommand error: %v", err)
		}
	}

	prefix := fmt.Sprintf("[%s] ", d.Type)
	if trimmed := strings.TrimSpace(res.stdout); trimmed != "" {
		log.Printf("[INFO] %sstdout (%d bytes): %s", prefix, len(res.stdout), truncate(trimmed, maxLogLength))
	}
	if trimmed := strings.TrimSpace(res.stderr); trimmed != "" {
		log.Printf("[INFO] %sstderr (%d bytes): %s", prefix, len(res.stderr), truncate(trimmed, maxLogLength))
	}

	if h.debug {
		log.Printf("[DEBUG] Hook completed in %v (exit: %d, stdout: %d bytes, stderr: %d bytes)",
			duration, res.exitCode, len(res.stdout), len(res.stderr))
	}
	return res
}

// actionEnv exposes the typed action to hooks as PAYLOCK_* variables.
func actionEnv(d directive.Directive, action directive.Action) []string {
	env := []string{
		"PAYLOCK_DIRECTIVE_ID=" + d.ID,
		"PAYLOCK_DIRECTIVE_TYPE=" + string(d.Type),
		"PAYLOCK_DEVICE_ID=" + d.TargetDeviceID,
		"PAYLOCK_AUTH=" + string(d.Auth),
	}
	switch a := action.(type) {
	case directive.Lock:
		env = append(env, "PAYLOCK_REASON="+a.Reason, "PAYLOCK_KIOSK="+strconv.FormatBool(a.Kiosk))
	case directive.Unlock:
		env = append(env, "PAYLOCK_CREDENTIAL="+a.Credential)
	case directive.Warn:
		env = append(env, "PAYLOCK_MESSAGE="+a.Message)
	case directive.PermanentLock:
		env = append(env, "PAYLOCK_REASON="+a.Reason)
	case directive.Wipe:
		env = append(env, "PAYLOCK_REASON="+a.Reason,
			"PAYLOCK_KEEP_EXTERNAL_STORAGE="+strconv.FormatBool(a.KeepExternalStorage))
	case directive.UpdateApp:
		env = append(env, "PAYLOCK_URL="+a.URL, "PAYLOCK_VERSION="+a.Version, "PAYLOCK_SHA256="+a.SHA256)
	case directive.Reboot:
		env = append(env, "PAYLOCK_DELAY_SECONDS="+strconv.Itoa(int(a.Delay.Seconds())))
	}
	return env
}

// limitOutput truncates output if it exceeds maxSize.
func limitOutput(data []byte, maxSize int) string {
	if len(data) > maxSize {
		return string(data[:maxSize]) + "\n[Output truncated to 10KB]..."
	}
	return string(data)
}
