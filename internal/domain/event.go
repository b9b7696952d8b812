package domain

// Event type discriminators carried in every envelope. Build events keep the
// "jenkins" wire name the browser frontend listens for.
const (
	EventSerialState = "serial-state"
	EventConnections = "connections"
	EventData        = "data"
	EventBuild       = "jenkins"
)

// Event is a payload broadcast to the subscribers of one device.
// Its JSON fields are merged into the envelope next to "type" and "version_hash".
type Event interface {
	EventType() string
}

type SerialStateEvent struct {
	Connected bool `json:"connected"`
}

func (SerialStateEvent) EventType() string { return EventSerialState }

// ConnectionsEvent carries the device roster: sorted, deduplicated host names.
type ConnectionsEvent struct {
	Data []string `json:"data"`
}

func (ConnectionsEvent) EventType() string { return EventConnections }

type DataEvent struct {
	Node string `json:"node"`
	Data string `json:"data"`
}

func (DataEvent) EventType() string { return EventData }

// BuildInfo describes the build currently running against a device.
type BuildInfo struct {
	Name  string `json:"name"`
	Link  string `json:"link"`
	Start int64  `json:"start"`
}

// BuildStep is the innermost stage or task of the active build.
type BuildStep struct {
	Name  string `json:"name"`
	Start int64  `json:"start"`
}

// BuildEvent is the full build status. Timestamps are unix milliseconds.
type BuildEvent struct {
	Action string     `json:"action,omitempty"`
	Now    int64      `json:"now"`
	Build  *BuildInfo `json:"build"`
	Stage  *BuildStep `json:"stage"`
	Task   *BuildStep `json:"task"`
}

func (BuildEvent) EventType() string { return EventBuild }

// BuildStoppedEvent reports the end of a build and its result.
type BuildStoppedEvent struct {
	Action string `json:"action"`
	Result string `json:"result"`
}

func (BuildStoppedEvent) EventType() string { return EventBuild }
