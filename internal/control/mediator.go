// Package control validates and performs device control actions and broadcasts
// the resulting link state.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pscheid92/serialbridge/internal/adapter/metrics"
	"github.com/pscheid92/serialbridge/internal/domain"
)

// Metric labels for actions rejected before a link action is known.
const (
	actionRunCommand = "run_command"
	actionSetLink    = "set_link"
)

// Broadcaster delivers an event to every subscriber of a device.
type Broadcaster interface {
	Broadcast(device string, event domain.Event)
}

type Mediator struct {
	devices     domain.DeviceDirectory
	broadcaster Broadcaster
	metrics     *metrics.ControlMetrics
}

// NewMediator creates a control mediator. m may be nil.
func NewMediator(devices domain.DeviceDirectory, broadcaster Broadcaster, m *metrics.ControlMetrics) *Mediator {
	return &Mediator{devices: devices, broadcaster: broadcaster, metrics: m}
}

// RunCommand runs one of the device's permitted commands against all of its nodes.
// The outcome is returned to the caller and never broadcast.
func (m *Mediator) RunCommand(ctx context.Context, deviceName, command string) error {
	device, err := m.devices.Get(deviceName)
	if err != nil {
		m.record(actionRunCommand, err)
		return err
	}

	if !device.Permits(command) {
		err := fmt.Errorf("%w: %q on %s", domain.ErrForbiddenCommand, command, deviceName)
		m.record(actionRunCommand, err)
		return err
	}

	slog.InfoContext(ctx, "Running device command", "device", deviceName, "command", command)
	if err := device.RunCommand(ctx, command, device.Nodes()); err != nil {
		slog.WarnContext(ctx, "Device command failed", "device", deviceName, "command", command, "error", err)
		m.record(actionRunCommand, err)
		return fmt.Errorf("run command %q on %s: %w", command, deviceName, err)
	}

	m.record(actionRunCommand, nil)
	return nil
}

// SetLinkState opens or closes the device's serial link. Once the action was
// attempted, every subscriber receives the device's actual link state, even
// when the action failed.
func (m *Mediator) SetLinkState(ctx context.Context, deviceName, state string) error {
	device, err := m.devices.Get(deviceName)
	if err != nil {
		m.record(actionSetLink, err)
		return err
	}

	action, err := domain.ParseLinkAction(state)
	if err != nil {
		m.record(actionSetLink, err)
		return err
	}

	var actionErr error
	switch action {
	case domain.LinkConnect:
		actionErr = device.ConnectLink(ctx)
	case domain.LinkDisconnect:
		actionErr = device.DisconnectLink(ctx)
	}

	connected := device.LinkConnected()
	m.broadcaster.Broadcast(device.Name(), domain.SerialStateEvent{Connected: connected})
	m.record(string(action), actionErr)

	if actionErr != nil {
		slog.WarnContext(ctx, "Serial link action failed", "device", deviceName, "action", action, "connected", connected, "error", actionErr)
		return fmt.Errorf("%s serial link of %s: %w", action, deviceName, actionErr)
	}

	slog.InfoContext(ctx, "Serial link changed", "device", deviceName, "connected", connected)
	return nil
}

// SerialState returns the current link state of a device as an event.
func (m *Mediator) SerialState(deviceName string) (domain.Event, error) {
	device, err := m.devices.Get(deviceName)
	if err != nil {
		return nil, err
	}
	return domain.SerialStateEvent{Connected: device.LinkConnected()}, nil
}

func (m *Mediator) record(action string, err error) {
	if m.metrics == nil {
		return
	}
	m.metrics.Actions.WithLabelValues(action, resultOf(err)).Inc()
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrDeviceNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrForbiddenCommand):
		return "forbidden"
	case errors.Is(err, domain.ErrInvalidLinkState):
		return "invalid_state"
	case errors.Is(err, domain.ErrAlreadyConnected), errors.Is(err, domain.ErrNotConnected):
		return "conflict"
	default:
		return "error"
	}
}
