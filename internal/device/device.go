package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pscheid92/serialbridge/internal/domain"
)

// Command is a named sequence of writes to the device's nodes.
type Command struct {
	Name  string
	Icon  string
	Steps []StepSpec
}

// nodeWriter is the part of a node a command step needs.
type nodeWriter interface {
	Name() string
	Write(data []byte) error
}

// Device groups nodes behind one serial link that is opened and closed as a unit.
type Device struct {
	name       string
	nodes      []*Node
	commands   []Command
	byName     map[string]Command
	highlights []string

	// mu serializes link changes; connected can be read without it while a
	// connect is still dialing.
	mu        sync.Mutex
	connected atomic.Bool
}

var _ domain.Device = (*Device)(nil)

func newDevice(spec DeviceSpec, opts Options) *Device {
	d := &Device{
		name:       spec.Name,
		byName:     make(map[string]Command, len(spec.Commands)),
		highlights: spec.HighlightedConnections,
	}
	for _, ns := range spec.Nodes {
		d.nodes = append(d.nodes, newNode(spec.Name, ns, opts.Dialer, opts.DialPolicy))
	}
	for _, cs := range spec.Commands {
		cmd := Command{Name: cs.Name, Icon: cs.Icon, Steps: cs.Steps}
		d.commands = append(d.commands, cmd)
		d.byName[cmd.Name] = cmd
	}
	return d
}

func (d *Device) Name() string { return d.name }

func (d *Device) Nodes() []domain.Node {
	out := make([]domain.Node, 0, len(d.nodes))
	for _, n := range d.nodes {
		out = append(out, n)
	}
	return out
}

// Node returns the named node.
func (d *Device) Node(name string) (*Node, bool) {
	for _, n := range d.nodes {
		if n.name == name {
			return n, true
		}
	}
	return nil, false
}

// Commands returns the device's commands in catalog order.
func (d *Device) Commands() []Command { return d.commands }

func (d *Device) Highlights() []string { return d.highlights }

func (d *Device) Permits(command string) bool {
	_, ok := d.byName[command]
	return ok
}

func (d *Device) LinkConnected() bool { return d.connected.Load() }

// RunCommand writes each step of the command to its node, in order.
func (d *Device) RunCommand(ctx context.Context, command string, nodes []domain.Node) error {
	cmd, ok := d.byName[command]
	if !ok {
		return fmt.Errorf("%w: %q on %s", domain.ErrForbiddenCommand, command, d.name)
	}

	writers := make(map[string]nodeWriter, len(nodes))
	for _, n := range nodes {
		if w, ok := n.(nodeWriter); ok {
			writers[w.Name()] = w
		}
	}

	for i, step := range cmd.Steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("command %q interrupted at step %d: %w", command, i+1, err)
		}
		w, ok := writers[step.Node]
		if !ok {
			return fmt.Errorf("command %q: node %q is not writable", command, step.Node)
		}
		payload := step.Send
		if step.Newline {
			payload += "\r\n"
		}
		if err := w.Write([]byte(payload)); err != nil {
			return fmt.Errorf("command %q step %d: %w", command, i+1, err)
		}
	}
	return nil
}

// ConnectLink connects every node. If one node fails, the nodes connected
// before it are disconnected again and the link stays down.
func (d *Device) ConnectLink(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected.Load() {
		return domain.ErrAlreadyConnected
	}

	for i, n := range d.nodes {
		if err := n.Connect(ctx); err != nil {
			for _, opened := range d.nodes[:i] {
				if derr := opened.Disconnect(); derr != nil {
					slog.WarnContext(ctx, "Rollback disconnect failed", "node", opened.String(), "error", derr)
				}
			}
			return err
		}
	}

	d.connected.Store(true)
	return nil
}

// DisconnectLink disconnects every node. The link is down afterwards even if
// closing a node failed.
func (d *Device) DisconnectLink(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected.Load() {
		return domain.ErrNotConnected
	}

	var errs []error
	for _, n := range d.nodes {
		if err := n.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	d.connected.Store(false)
	return errors.Join(errs...)
}
