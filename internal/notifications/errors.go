package notifications

import "errors"

var (
	// ErrTemplateNotFound is returned when neither the store nor the built-in
	// set has an active template with the requested name.
	ErrTemplateNotFound = errors.New("notifications: template not found")
	// ErrConfigurationMissing is returned by Configure when no active
	// transport configuration is stored.
	ErrConfigurationMissing = errors.New("notifications: transport configuration missing")
	// ErrDeliveryFailure wraps any transport-level send error.
	ErrDeliveryFailure = errors.New("notifications: delivery failed")
)
