package device

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog is the device configuration file.
type Catalog struct {
	Devices []DeviceSpec `yaml:"devices"`
}

type DeviceSpec struct {
	Name     string        `yaml:"name"`
	Nodes    []NodeSpec    `yaml:"nodes"`
	Commands []CommandSpec `yaml:"commands"`
	// HighlightedConnections lists roster names the UI should emphasize.
	HighlightedConnections []string `yaml:"highlighted_connections"`
}

type NodeSpec struct {
	Name string `yaml:"name"`
	// Address is the host:port of the serial-over-TCP endpoint.
	Address        string `yaml:"address"`
	DefaultVisible *bool  `yaml:"default_visible"`
}

// Visible reports whether the UI shows the node's terminal by default.
func (n NodeSpec) Visible() bool {
	return n.DefaultVisible == nil || *n.DefaultVisible
}

type CommandSpec struct {
	Name  string     `yaml:"name"`
	Icon  string     `yaml:"icon"`
	Steps []StepSpec `yaml:"steps"`
}

// StepSpec writes Send to the named node, followed by CRLF when Newline is set.
type StepSpec struct {
	Node    string `yaml:"node"`
	Send    string `yaml:"send"`
	Newline bool   `yaml:"newline"`
}

// LoadError reports an invalid catalog file.
type LoadError struct {
	File    string
	Message string
	Cause   error
}

func (e *LoadError) Error() string {
	msg := e.Message
	if e.File != "" {
		msg = e.File + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error { return e.Cause }

// ParseCatalog parses and validates a catalog from YAML bytes.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, &LoadError{Message: "failed to parse YAML", Cause: err}
	}
	if err := c.validate(); err != nil {
		return nil, &LoadError{Message: "invalid device catalog", Cause: err}
	}
	return &c, nil
}

// LoadCatalog reads a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{File: path, Message: "failed to read file", Cause: err}
	}

	c, err := ParseCatalog(data)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			le.File = path
		}
		return nil, err
	}
	return c, nil
}

func (c *Catalog) validate() error {
	devices := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		if d.Name == "" {
			return errors.New("device name is required")
		}
		if devices[d.Name] {
			return fmt.Errorf("duplicate device %q", d.Name)
		}
		devices[d.Name] = true

		nodes := make(map[string]bool, len(d.Nodes))
		for _, n := range d.Nodes {
			if n.Name == "" || n.Address == "" {
				return fmt.Errorf("device %q: node name and address are required", d.Name)
			}
			if nodes[n.Name] {
				return fmt.Errorf("duplicate node names in %s device", d.Name)
			}
			nodes[n.Name] = true
		}

		commands := make(map[string]bool, len(d.Commands))
		for _, cmd := range d.Commands {
			if cmd.Name == "" {
				return fmt.Errorf("device %q: command name is required", d.Name)
			}
			if commands[cmd.Name] {
				return fmt.Errorf("device %q: duplicate command %q", d.Name, cmd.Name)
			}
			commands[cmd.Name] = true

			for _, step := range cmd.Steps {
				if !nodes[step.Node] {
					return fmt.Errorf("device %q: command %q refers to unknown node %q", d.Name, cmd.Name, step.Node)
				}
			}
		}
	}
	return nil
}
