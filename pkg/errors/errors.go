// Unified error handling for the swapper host
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors
	ErrConfigSection    ErrorCode = "CONFIG_SECTION"
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Device connection errors
	ErrNoDeviceFound    ErrorCode = "NO_DEVICE_FOUND"
	ErrHandshakeFailed  ErrorCode = "HANDSHAKE_FAILED"
	ErrAlreadyConnected ErrorCode = "ALREADY_CONNECTED"
	ErrNotConnected     ErrorCode = "NOT_CONNECTED"
	ErrConnectionLost   ErrorCode = "CONNECTION_LOST"

	// Command protocol errors
	ErrParityMismatch     ErrorCode = "PARITY_MISMATCH"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrActuatorStepFailed ErrorCode = "ACTUATOR_STEP_FAILED"

	// Orchestration errors
	ErrPrinterNotOperational ErrorCode = "PRINTER_NOT_OPERATIONAL"
	ErrSwapInProgress        ErrorCode = "SWAP_IN_PROGRESS"
	ErrBarrierTimeout        ErrorCode = "BARRIER_TIMEOUT"
	ErrInvalidRequest        ErrorCode = "INVALID_REQUEST"

	// Runtime errors
	ErrRuntime ErrorCode = "RUNTIME"
)

// HostError is the unified error type for the host system
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Device is the serial port or socket involved (if any)
	Device string

	// Command is the actuator payload involved (if any)
	Command string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *HostError) Error() string {
	var msg string
	switch {
	case e.Command != "":
		msg = fmt.Sprintf("[%s:%s] %s", e.Code, e.Command, e.Message)
	case e.Device != "":
		msg = fmt.Sprintf("[%s:%s] %s", e.Code, e.Device, e.Message)
	default:
		msg = fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetDevice sets the device path
func (e *HostError) SetDevice(device string) *HostError {
	e.Device = device
	return e
}

// SetCommand sets the actuator command
func (e *HostError) SetCommand(command string) *HostError {
	e.Command = command
	return e
}

// SetContext adds additional context
func (e *HostError) SetContext(key string, value interface{}) *HostError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
	}
}

// Config errors

// ConfigSectionError creates an error for missing config section
func ConfigSectionError(section string) *HostError {
	return New(ErrConfigSection, fmt.Sprintf("section '%s' not found", section)).
		SetContext("section", section)
}

// ConfigValidationError creates an error for config validation failure
func ConfigValidationError(section, option string, reason string) *HostError {
	return New(ErrConfigValidation, fmt.Sprintf("option '%s' in section '%s': %s", option, section, reason)).
		SetContext("section", section).
		SetContext("option", option)
}

// Device errors

// NoDeviceFound reports that discovery ran out of candidate ports.
func NoDeviceFound(reason string) *HostError {
	return New(ErrNoDeviceFound, reason)
}

// HandshakeFailed reports a handshake that never produced a parity-valid reply.
func HandshakeFailed(device string, attempts int, err error) *HostError {
	return Wrap(err, ErrHandshakeFailed, fmt.Sprintf("no valid handshake reply after %d attempts", attempts)).
		SetDevice(device)
}

// ConnectionLost reports an unrecoverable I/O fault on the device link.
func ConnectionLost(device string, err error) *HostError {
	return Wrap(err, ErrConnectionLost, "device link failed").SetDevice(device)
}

// Command errors

// ParityExhausted reports that every response read for a command failed its parity check.
func ParityExhausted(command string, retries int) *HostError {
	return New(ErrParityMismatch, fmt.Sprintf("parity check failed %d times", retries)).
		SetCommand(command)
}

// CommandTimeout reports a command that got no expected token within its deadline.
func CommandTimeout(command string, err error) *HostError {
	return Wrap(err, ErrTimeout, "no response within deadline").SetCommand(command)
}

// StepFailed reports a parity-valid response that was not the success token.
func StepFailed(command, response string) *HostError {
	return New(ErrActuatorStepFailed, fmt.Sprintf("unexpected response %q", response)).
		SetCommand(command)
}

// FromPanic converts a value returned by recover() into an error
func FromPanic(r interface{}) *HostError {
	switch x := r.(type) {
	case nil:
		return nil
	case string:
		return New(ErrRuntime, fmt.Sprintf("panic: %s", x))
	case runtime.Error:
		return Wrap(x, ErrRuntime, "runtime panic")
	case error:
		return Wrap(x, ErrRuntime, "panic")
	default:
		return New(ErrRuntime, fmt.Sprintf("panic: %v", x))
	}
}

// Code returns the ErrorCode of the first HostError in err's chain, or "".
func Code(err error) ErrorCode {
	var hostErr *HostError
	if stderrors.As(err, &hostErr) {
		return hostErr.Code
	}
	return ""
}

// Is checks if error matches given error code
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var hostErr *HostError
		if !stderrors.As(err, &hostErr) {
			return false
		}
		if hostErr.Code == code {
			return true
		}
		err = hostErr.Err
	}
	return false
}

// IsConfig checks if error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigSection) ||
		Is(err, ErrConfigOption) ||
		Is(err, ErrConfigValidation)
}

// IsConnection checks if error means the device link is unusable
func IsConnection(err error) bool {
	return Is(err, ErrNotConnected) ||
		Is(err, ErrConnectionLost)
}
