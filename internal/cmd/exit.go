package cmd

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// exitCodeOf returns the code carried by err, or 1.
func exitCodeOf(err error) int {
	var ee *ExitError
	if errors.As(err, &ee) && ee.Code != 0 {
		return ee.Code
	}
	return 1
}

// ExitWithCode logs message and err and terminates the process.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	if logger != nil {
		logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
		_ = logger.Sync()
	}
	os.Exit(code)
}
