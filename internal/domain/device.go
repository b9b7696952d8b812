package domain

import (
	"context"
	"fmt"
)

// Node source labels.
const (
	SourceSerial = "serial"
	SourceTCP    = "tcp"
	SourceWeb    = "web"
)

// LinkAction is a requested change of a device's serial link.
type LinkAction string

const (
	LinkConnect    LinkAction = "connect"
	LinkDisconnect LinkAction = "disconnect"
)

// ParseLinkAction validates a raw request value.
func ParseLinkAction(raw string) (LinkAction, error) {
	switch LinkAction(raw) {
	case LinkConnect, LinkDisconnect:
		return LinkAction(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidLinkState, raw)
	}
}

// DataListener receives every chunk a node produces.
type DataListener func(node Node, source string, data []byte)

// Node is one communication channel of a device.
type Node interface {
	Name() string
	DeviceName() string
	OnData(listener DataListener)
}

// Device is the externally owned unit the hub reads identity and link state from.
type Device interface {
	Name() string
	Nodes() []Node
	Permits(command string) bool
	LinkConnected() bool
	RunCommand(ctx context.Context, command string, nodes []Node) error
	ConnectLink(ctx context.Context) error
	DisconnectLink(ctx context.Context) error
}

// DeviceDirectory looks devices up by their unique name.
type DeviceDirectory interface {
	Exists(name string) bool
	Get(name string) (Device, error)
	List() []Device
}
