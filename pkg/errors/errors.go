// Unified error handling for the ACE host
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
	ErrConfigType       ErrorCode = "CONFIG_TYPE"

	// Transport errors: logged and retried or resynced, never fatal
	ErrTransportTimeout ErrorCode = "TRANSPORT_TIMEOUT"
	ErrTransportFrame   ErrorCode = "TRANSPORT_FRAME"
	ErrTransportLink    ErrorCode = "TRANSPORT_LINK"

	// Protocol errors: the unit refused a command
	ErrProtocolRejected ErrorCode = "PROTOCOL_REJECTED"

	// Hardware consistency: sensors contradict the believed filament position
	ErrHWConsistency ErrorCode = "HW_CONSISTENCY"

	// Operator-actionable: surfaced and the print is paused
	ErrOperatorSlotEmpty    ErrorCode = "OPERATOR_SLOT_EMPTY"
	ErrOperatorSlotNotReady ErrorCode = "OPERATOR_SLOT_NOT_READY"
	ErrOperatorPathBlocked  ErrorCode = "OPERATOR_PATH_BLOCKED"
	ErrOperatorUnitNotReady ErrorCode = "OPERATOR_UNIT_NOT_READY"

	// Fatal for the current operation
	ErrFatalIdentify ErrorCode = "FATAL_IDENTIFY"
	ErrFatalSwap     ErrorCode = "FATAL_SWAP"

	// Command surface errors
	ErrCommandUnknown      ErrorCode = "COMMAND_UNKNOWN"
	ErrCommandMissingParam ErrorCode = "COMMAND_MISSING_PARAM"
	ErrCommandInvalidParam ErrorCode = "COMMAND_INVALID_PARAM"

	// Runtime errors
	ErrRuntime     ErrorCode = "RUNTIME"
	ErrRuntimeInit ErrorCode = "RUNTIME_INIT"
)

// HostError is the unified error type for the host system
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Unit is the ACE unit index, -1 when not unit specific
	Unit int

	// Section is the config section or context
	Section string

	// Option is the config option name (if applicable)
	Option string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *HostError) Error() string {
	scope := e.Section
	if e.Option != "" {
		scope = e.Option
	}
	if e.Unit >= 0 {
		scope = fmt.Sprintf("ace %d", e.Unit)
	}
	msg := fmt.Sprintf("[%s:%s] %s", e.Code, scope, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match any HostError with the same code.
func (e *HostError) Is(target error) bool {
	var t *HostError
	if !stderrors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// SetUnit sets the unit index
func (e *HostError) SetUnit(unit int) *HostError {
	e.Unit = unit
	return e
}

// SetSection sets the context section
func (e *HostError) SetSection(section string) *HostError {
	e.Section = section
	return e
}

// SetOption sets the config option
func (e *HostError) SetOption(option string) *HostError {
	e.Option = option
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
		Unit:    -1,
		Err:     err,
	}
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
		Unit:    -1,
	}
}

// Sentinel returns a bare HostError usable as an errors.Is target.
func Sentinel(code ErrorCode) *HostError {
	return New(code, string(code))
}

// Config errors

// ConfigSectionError creates an error for missing config section
func ConfigSectionError(section string) *HostError {
	return New(ErrConfigSection, fmt.Sprintf("section '%s' not found", section)).
		SetSection(section)
}

// ConfigOptionError creates an error for missing or invalid config option
func ConfigOptionError(section, option string) *HostError {
	return New(ErrConfigOption, fmt.Sprintf("option '%s' not found in section '%s'", option, section)).
		SetSection(section).
		SetOption(option)
}

// ConfigValidationError creates an error for config validation failure
func ConfigValidationError(section, option string, reason string) *HostError {
	return New(ErrConfigValidation, fmt.Sprintf("option '%s' in section '%s': %s", option, section, reason)).
		SetSection(section).
		SetOption(option)
}

// ConfigTypeError creates an error for config type conversion failure
func ConfigTypeError(section, option, value string, targetType string, err error) *HostError {
	return Wrap(err, ErrConfigType, fmt.Sprintf("option '%s' in section '%s': failed to parse '%s' as %s", option, section, value, targetType)).
		SetSection(section).
		SetOption(option)
}

// Transport and protocol errors

// TimeoutError creates an error for an unanswered request
func TimeoutError(unit int, method string, id int) *HostError {
	return New(ErrTransportTimeout, fmt.Sprintf("request %d (%s) timed out", id, method)).
		SetUnit(unit).
		SetContext("method", method)
}

// LinkError creates an error for a lost or reset serial link
func LinkError(unit int, err error) *HostError {
	return Wrap(err, ErrTransportLink, "serial link lost").SetUnit(unit)
}

// RejectedError creates an error for a command refused by the unit
func RejectedError(unit int, method string, code int, msg string) *HostError {
	return New(ErrProtocolRejected, fmt.Sprintf("%s rejected (code=%d msg=%q)", method, code, msg)).
		SetUnit(unit).
		SetContext("method", method)
}

// Hardware and operator errors

// ConsistencyError creates an error for sensor/position disagreement
func ConsistencyError(message string) *HostError {
	return New(ErrHWConsistency, message)
}

// SlotEmptyError creates an error for a load from an empty slot
func SlotEmptyError(unit, slot int) *HostError {
	return New(ErrOperatorSlotEmpty, fmt.Sprintf("slot %d is empty", slot)).SetUnit(unit)
}

// SlotNotReadyError creates an error for a slot that never became ready
func SlotNotReadyError(unit, slot int, reason string) *HostError {
	return New(ErrOperatorSlotNotReady, fmt.Sprintf("slot %d not ready: %s", slot, reason)).SetUnit(unit)
}

// PathBlockedError creates an error for filament still detected after unload
func PathBlockedError(unit, slot int, sensor string) *HostError {
	return New(ErrOperatorPathBlocked, fmt.Sprintf("filament path still blocked at %s after unloading slot %d", sensor, slot)).
		SetUnit(unit).
		SetContext("sensor", sensor)
}

// SensorNotReachedError creates an error for a load that never triggered a sensor
func SensorNotReachedError(unit, slot int, sensor string, fed int) *HostError {
	return New(ErrOperatorPathBlocked, fmt.Sprintf("filament from slot %d did not reach %s after %dmm", slot, sensor, fed)).
		SetUnit(unit).
		SetContext("sensor", sensor)
}

// UnitNotReadyError creates an error for a unit that stayed busy
func UnitNotReadyError(unit int, waited string) *HostError {
	return New(ErrOperatorUnitNotReady, fmt.Sprintf("unit did not report ready within %s", waited)).SetUnit(unit)
}

// IdentifyError creates an error for exhausted identification cycling
func IdentifyError(tried int) *HostError {
	return New(ErrFatalIdentify, fmt.Sprintf("could not identify loaded filament after testing %d slots", tried))
}

// SwapError creates an error for exhausted endless spool swaps
func SwapError(depleted, attempts int) *HostError {
	return New(ErrFatalSwap, fmt.Sprintf("no working replacement for tool %d after %d attempts", depleted, attempts)).
		SetContext("tool", depleted)
}

// Command errors

// UnknownCommandError creates an error for an unknown command
func UnknownCommandError(command string) *HostError {
	return New(ErrCommandUnknown, fmt.Sprintf("unknown command: %s", command))
}

// MissingParameterError creates an error for a missing command parameter
func MissingParameterError(command, param string) *HostError {
	return New(ErrCommandMissingParam, fmt.Sprintf("command '%s' missing required parameter: %s", command, param))
}

// InvalidParameterError creates an error for an invalid command parameter
func InvalidParameterError(command, param, value string, reason string) *HostError {
	return New(ErrCommandInvalidParam, fmt.Sprintf("command '%s': invalid parameter '%s=%s' (%s)", command, param, value, reason))
}

// Runtime errors

// RuntimeError creates a general runtime error
func RuntimeError(message string) *HostError {
	return New(ErrRuntime, message)
}

// RuntimeErrorInit creates an error for initialization failure
func RuntimeErrorInit(component string, reason string) *HostError {
	return New(ErrRuntimeInit, fmt.Sprintf("failed to initialize %s: %s", component, reason))
}

// FromPanic converts a value returned by recover into an error. recover
// itself must be called by the deferred function.
func FromPanic(r interface{}) *HostError {
	switch x := r.(type) {
	case nil:
		return nil
	case runtime.Error:
		return RuntimeError(x.Error())
	case error:
		return RuntimeError(x.Error())
	default:
		return RuntimeError(fmt.Sprintf("panic: %v", x))
	}
}

// Is checks if error (or anything it wraps) carries the given code
func Is(err error, code ErrorCode) bool {
	var hostErr *HostError
	if stderrors.As(err, &hostErr) {
		return hostErr.Code == code
	}
	return false
}

// CodeOf returns the code of the outermost HostError in the chain
func CodeOf(err error) ErrorCode {
	var hostErr *HostError
	if stderrors.As(err, &hostErr) {
		return hostErr.Code
	}
	return ""
}

// IsConfig checks if error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigSection) ||
		Is(err, ErrConfigOption) ||
		Is(err, ErrConfigValidation) ||
		Is(err, ErrConfigType)
}

// IsTransport checks if error is a transient transport error
func IsTransport(err error) bool {
	return Is(err, ErrTransportTimeout) ||
		Is(err, ErrTransportFrame) ||
		Is(err, ErrTransportLink)
}

// IsOperatorActionable checks if the operator must intervene
func IsOperatorActionable(err error) bool {
	return Is(err, ErrOperatorSlotEmpty) ||
		Is(err, ErrOperatorSlotNotReady) ||
		Is(err, ErrOperatorPathBlocked) ||
		Is(err, ErrOperatorUnitNotReady)
}

// IsFatal checks if the current operation must be aborted
func IsFatal(err error) bool {
	return Is(err, ErrFatalIdentify) || Is(err, ErrFatalSwap)
}
