// Package config reads the daemon's INI-style settings file, tracks which
// options were consumed and writes runtime changes back atomically.
package config

import (
	"fmt"
	"strings"

	swerrors "swapper3d-go/pkg/errors"
)

func optionError(section, option, message string) *swerrors.HostError {
	return swerrors.New(swerrors.ErrConfigOption, fmt.Sprintf("option '%s' in section '%s': %s", option, section, message)).
		SetContext("section", section).
		SetContext("option", option)
}

// ErrMissingOption is returned for a required option that is absent.
func ErrMissingOption(section, option string) *swerrors.HostError {
	return optionError(section, option, "must be specified")
}

// ErrMissingSection is returned for a required section that is absent.
func ErrMissingSection(section string) *swerrors.HostError {
	return swerrors.ConfigSectionError(section)
}

// ErrInvalidValue is returned when a value does not parse.
func ErrInvalidValue(section, option, value, expected string) *swerrors.HostError {
	return optionError(section, option, fmt.Sprintf("invalid value '%s', expected %s", value, expected))
}

// ErrOutOfRange is returned when a value violates a bound.
func ErrOutOfRange(section, option string, value float64, constraint string) *swerrors.HostError {
	return swerrors.ConfigValidationError(section, option, fmt.Sprintf("value %v %s", value, constraint))
}

// ErrInvalidChoice is returned when a value is not one of the allowed words.
func ErrInvalidChoice(section, option, value string, choices []string) *swerrors.HostError {
	return optionError(section, option, fmt.Sprintf("'%s' is not one of %s", value, strings.Join(choices, ", ")))
}
