package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/menta2k/image-splitter/internal/utils"
	"github.com/menta2k/image-splitter/pkg/types"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Every unit succeeded
	ExitFailure      = 1 // At least one unit failed
	ExitCommandError = 2 // Bad arguments, configuration or storage setup
)

// Error codes reported in JSON error responses.
const (
	ErrCodeConfig = "E002"
	ErrCodeInput  = "E003"
	ErrCodeRun    = "E004"
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code     int    // Exit code (use ExitFailure or ExitCommandError)
	Message  string // Error message
	Err      error  // Underlying error (optional)
	Reported bool   // Already written to the user by the command
}

func (e *ExitError) Error() string {
	if e.Message == "" && e.Err != nil {
		return e.Err.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// IsReported reports whether err was already written to the user, in which
// case the caller should only set the exit code.
func IsReported(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr) && exitErr.Reported
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Diagnostics; defaults to Writer
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string      `json:"status"`          // "ok" or "error"
	Data   interface{} `json:"data,omitempty"`  // success payload
	Error  *CLIError   `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data interface{}) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details interface{}) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Fail writes err as an error response and returns it marked as reported.
// Errors without an exit code get ExitCommandError.
func (f *OutputFormatter) Fail(code string, err error) error {
	_ = f.Error(code, err.Error(), nil)

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		exitErr.Reported = true
		return err
	}
	return &ExitError{Code: ExitCommandError, Err: err, Reported: true}
}

// VerboseLog outputs a message only if verbose mode is enabled.
func (f *OutputFormatter) VerboseLog(format string, args ...interface{}) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}

// Result renders a pipeline run and converts a failed run into an
// ExitFailure error. In JSON mode a failed run is still written as the data
// of an "error" response so callers get per-unit details.
func (f *OutputFormatter) Result(run *types.PipelineResult) error {
	if f.Format == "json" {
		if run.Success {
			return f.Success(run)
		}
		if err := f.Error(ErrCodeRun, run.Error, run); err != nil {
			return err
		}
	} else {
		writeRunText(f.Writer, run, f.Verbose)
	}

	if !run.Success {
		return &ExitError{Code: ExitFailure, Message: run.Error, Reported: true}
	}
	return nil
}

func writeRunText(w io.Writer, run *types.PipelineResult, verbose bool) {
	status := "ok"
	if !run.Success {
		status = "failed"
	}
	fmt.Fprintf(w, "run %s: %s (%d/%d succeeded)\n", run.RunID, status, run.Succeeded(), len(run.Results))
	if run.Bucket != "" {
		fmt.Fprintf(w, "storage: %s://%s/%s\n", types.Scheme(run.Secure), run.Endpoint, run.Bucket)
	}
	if run.Error != "" {
		fmt.Fprintf(w, "error: %s\n", run.Error)
	}

	for _, res := range run.Results {
		label := fmt.Sprintf("#%d", res.Index)
		if res.Rect != nil {
			label += " " + res.Rect.String()
		}
		if !res.Success {
			fmt.Fprintf(w, "  %s FAILED at %s: %s\n", label, res.Stage, res.Error)
			continue
		}

		fmt.Fprintf(w, "  %s %dx%d", label, res.Width, res.Height)
		if s := res.Stats; s != nil {
			fmt.Fprintf(w, " %s q%d %s -> %s (%.1f%% saved)", s.Format, s.Quality,
				utils.FormatFileSize(s.SourceSize), utils.FormatFileSize(s.CompressedSize), s.Ratio*100)
		}
		switch {
		case res.Publish != nil:
			fmt.Fprintf(w, "\n      %s\n", res.Publish.URL)
			if verbose {
				fmt.Fprintf(w, "      key=%s bytes=%d\n", res.Publish.ObjectKey, res.Publish.ByteSize)
			}
		case res.LocalPath != "":
			fmt.Fprintf(w, "\n      %s\n", res.LocalPath)
		default:
			fmt.Fprintln(w)
		}
	}
}
