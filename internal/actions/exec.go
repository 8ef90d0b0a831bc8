package actions

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	engine "meact/internal/engine/domain"
)

// Exec runs an external program. The process is killed when the action times out.
type Exec struct {
	command string
	args    []string
	logger  *slog.Logger
}

// NewExec constructs the action. Config "command" and "args" override the defaults.
func NewExec(command string, args []string, logger *slog.Logger) *Exec {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exec{command: command, args: append([]string(nil), args...), logger: logger}
}

// Run implements Action. Event fields are exported as MEACT_* variables and
// the message is written to stdin.
func (e *Exec) Run(ctx context.Context, event engine.SensorEvent, config map[string]any) error {
	if !Enabled(config) {
		return ErrDisabled
	}
	command := e.command
	if c := configString(config, "command"); c != "" {
		command = c
	}
	if command == "" {
		return errors.New("exec: empty command")
	}
	args := e.args
	if a := configStrings(config, "args"); len(a) > 0 {
		args = a
	}

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Env = append(os.Environ(), eventEnv(event)...)
	cmd.Stdin = strings.NewReader(event.Message)
	cmd.WaitDelay = time.Second
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	if output.Len() > 0 {
		e.logger.Debug("exec output", "command", command, "output", strings.TrimSpace(output.String()))
	}
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			code = ExitFailure
		}
		return &ExitError{Code: code, Err: err}
	}
	return err
}

func eventEnv(event engine.SensorEvent) []string {
	return []string{
		"MEACT_EVENT_ID=" + event.ID,
		"MEACT_BOARD_ID=" + event.BoardID,
		"MEACT_BOARD_DESC=" + event.BoardDesc,
		"MEACT_SENSOR_TYPE=" + event.SensorType,
		"MEACT_SENSOR_DATA=" + event.Value,
		"MEACT_MESSAGE=" + event.Message,
	}
}
