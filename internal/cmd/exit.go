package cmd

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/quotaline/quotaline/internal/core"
)

// ExitCodeFor maps a command failure to a semantic foundry exit code.
func ExitCodeFor(err error) foundry.ExitCode {
	if err == nil {
		return foundry.ExitCode(0)
	}

	var envelope *errors.ErrorEnvelope
	if stderrors.As(err, &envelope) && envelope != nil && envelope.Code == "CONFIG_INVALID" {
		return foundry.ExitConfigInvalid
	}
	if stderrors.Is(err, fs.ErrNotExist) {
		return foundry.ExitFileNotFound
	}

	switch core.KindOf(err) {
	case core.KindCircuitOpen, core.KindRateLimited:
		return foundry.ExitExternalServiceUnavailable
	}
	var dispatchErr *core.DispatchError
	if stderrors.As(err, &dispatchErr) && dispatchErr.Kind == core.KindBackend {
		return foundry.ExitExternalServiceUnavailable
	}
	return foundry.ExitFailure
}

// ExitWithCode logs err with the exit code metadata and exits.
// A nil logger falls back to stderr.
func ExitWithCode(logger *logging.Logger, exitCode foundry.ExitCode, msg string, err error) {
	info, ok := foundry.GetExitCodeInfo(exitCode)
	if !ok {
		fmt.Fprintf(os.Stderr, "FATAL: %s: %v (exit code: %d)\n", msg, err, exitCode)
		os.Exit(int(exitCode))
	}
	if logger == nil {
		ExitWithCodeStderr(exitCode, msg, err)
		return
	}

	fields := []zap.Field{
		zap.Int("exit_code", info.Code),
		zap.String("exit_name", info.Name),
		zap.String("exit_category", info.Category),
	}
	var envelope *errors.ErrorEnvelope
	if stderrors.As(err, &envelope) && envelope != nil {
		fields = append(fields,
			zap.String("error_code", envelope.Code),
			zap.String("correlation_id", envelope.CorrelationID))
		if envelope.Context != nil {
			fields = append(fields, zap.Any("error_context", envelope.Context))
		}
	}
	if kind := core.KindOf(err); kind != core.KindNone && kind != core.KindBackend {
		fields = append(fields, zap.String("dispatch_kind", string(kind)))
	}
	fields = append(fields, zap.Error(err))
	logger.Error(msg, fields...)

	os.Exit(info.Code)
}

// ExitWithCodeStderr writes the failure to stderr and exits. Use it before
// the logger exists.
func ExitWithCodeStderr(exitCode foundry.ExitCode, msg string, err error) {
	switch {
	case err == nil:
		fmt.Fprintf(os.Stderr, "FATAL: %s\n", msg)
	default:
		var envelope *errors.ErrorEnvelope
		if stderrors.As(err, &envelope) && envelope != nil {
			fmt.Fprintf(os.Stderr, "FATAL: %s [%s]: %s\n", msg, envelope.Code, envelope.Message)
			if wrapped, ok := envelope.Context["wrapped_error"]; ok {
				fmt.Fprintf(os.Stderr, "Underlying error: %v\n", wrapped)
			}
		} else {
			fmt.Fprintf(os.Stderr, "FATAL: %s: %v\n", msg, err)
		}
	}

	info, ok := foundry.GetExitCodeInfo(exitCode)
	if !ok {
		os.Exit(int(exitCode))
	}
	fmt.Fprintf(os.Stderr, "Exit Code: %d (%s) - %s\n", info.Code, info.Name, info.Description)
	os.Exit(info.Code)
}
