// Package telemetry holds the event series model shared by the timeline
// extraction and correlation packages.
package telemetry

// Kind tells which source a series was derived from. It decides whether the
// clock skew correction applies.
type Kind string

const (
	KindNetwork   Kind = "network"    // sandbox network capture, already run-relative
	KindCallTrace Kind = "call_trace" // sandbox API call trace, epoch-relative
	KindUserInput Kind = "user_input" // keylogger capture, origin-relative
)

// Series is one labeled sequence of event times in seconds, in discovery
// order, relative to the shared zero origin.
type Series struct {
	Name  string    `json:"name" yaml:"name"`
	YAxis string    `json:"y_axis" yaml:"y_axis"`
	Kind  Kind      `json:"kind" yaml:"kind"`
	Times []float64 `json:"times" yaml:"times"`
}

// Empty reports whether the series has no events.
func (s Series) Empty() bool { return len(s.Times) == 0 }

// Skewed reports whether the series carries the report-vs-keylogger clock
// skew. Only call trace series do.
func (s Series) Skewed() bool { return s.Kind == KindCallTrace }

// Series names, in panel order.
const (
	NameUDP         = "UDP Connections"
	NameTCP         = "TCP Connections"
	NameTor2Web     = "Tor2Web Connections"
	NameProcesses   = "Processes"
	NameFileCreate  = "Files Created"
	NameFileRead    = "Files Read"
	NameFileOpen    = "Files Opened"
	NameFileClose   = "Files Closed"
	NameKeystrokes  = "Keystrokes"
	NameMouseClicks = "Mouse Clicks"
)
