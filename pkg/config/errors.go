package config

import "errors"

var (
	// ErrUnknownKey indicates the key is not registered.
	ErrUnknownKey = errors.New("unknown configuration key")

	// ErrStaticUpdateRefused indicates a hot update was attempted on a
	// static key, which requires a restart.
	ErrStaticUpdateRefused = errors.New("static_update_refused")

	// ErrValidationFailed indicates a candidate value was rejected by the
	// registry's type, bounds, or custom validation.
	ErrValidationFailed = errors.New("validation_failed")
)
