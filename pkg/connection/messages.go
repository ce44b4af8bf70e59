package connection

import "encoding/json"

// Message types exchanged with the coordinator.
const (
	TypeHello   = "hello"
	TypeTask    = "task"
	TypeBusy    = "busy"
	TypeVersion = "version"
	TypePing    = "ping"
	TypePong    = "pong"
)

// Message is the envelope of every websocket frame.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// outMessage is the envelope for frames the agent sends.
type outMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Hello announces the agent after connecting.
type Hello struct {
	Version  string `json:"version"`
	Hostname string `json:"hostname"`
	Queue    int    `json:"queue"`
}

// Busy tells the coordinator a task was not accepted.
type Busy struct {
	Name     string `json:"name"`
	TaskInfo string `json:"taskInfo,omitempty"`
	Reason   string `json:"reason"`
}

// ServerVersion carries the coordinator's version string.
type ServerVersion struct {
	Server string `json:"server"`
}
