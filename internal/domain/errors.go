package domain

import "errors"

var (
	ErrDeviceNotFound     = errors.New("device not found")
	ErrForbiddenCommand   = errors.New("command not permitted for device")
	ErrInvalidLinkState   = errors.New("invalid serial link state")
	ErrAlreadyConnected   = errors.New("serial link already connected")
	ErrNotConnected       = errors.New("serial link not connected")
	ErrTooManySubscribers = errors.New("max subscribers per device reached")
	ErrHubStopped         = errors.New("hub stopped")
	ErrNoActiveBuild      = errors.New("no active build")
	ErrUnknownBuildAction = errors.New("unknown build action")
	ErrInvalidBuildUpdate = errors.New("invalid build update")
)
