package device

import (
	"cmp"
	"slices"
)

// Summary is the public description of a device served to the web UI.
type Summary struct {
	Name       string           `json:"name"`
	Slug       string           `json:"slug"`
	Connected  bool             `json:"connected"`
	Nodes      []NodeSummary    `json:"nodes"`
	Commands   []CommandSummary `json:"commands"`
	Highlights []string         `json:"highlighted_connections"`
}

type NodeSummary struct {
	Name           string `json:"name"`
	Address        string `json:"address"`
	DefaultVisible bool   `json:"default_visible"`
	Online         bool   `json:"online"`
}

type CommandSummary struct {
	Name string `json:"name"`
	Icon string `json:"icon,omitempty"`
}

// Summaries describes every device, sorted by name.
func (d *Directory) Summaries() []Summary {
	out := make([]Summary, 0, len(d.devices))
	for _, device := range d.devices {
		out = append(out, d.summarize(device))
	}
	slices.SortFunc(out, func(a, b Summary) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

func (d *Directory) summarize(device *Device) Summary {
	s := Summary{
		Name:       device.name,
		Slug:       d.slugs[device.name],
		Connected:  device.LinkConnected(),
		Nodes:      make([]NodeSummary, 0, len(device.nodes)),
		Commands:   make([]CommandSummary, 0, len(device.commands)),
		Highlights: device.highlights,
	}
	if s.Highlights == nil {
		s.Highlights = []string{}
	}
	for _, n := range device.nodes {
		s.Nodes = append(s.Nodes, NodeSummary{
			Name:           n.name,
			Address:        n.address,
			DefaultVisible: n.defaultVisible,
			Online:         n.Connected(),
		})
	}
	for _, c := range device.commands {
		s.Commands = append(s.Commands, CommandSummary{Name: c.Name, Icon: c.Icon})
	}
	return s
}
