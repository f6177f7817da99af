package types

import (
	"net"
	"strconv"
)

// RoutingEntry is the backend a service name currently resolves to.
type RoutingEntry struct {
	ServiceName string `json:"service"`
	Address     string `json:"address"`
	Port        int    `json:"port"`
}

// Target returns the backend as host:port.
func (e RoutingEntry) Target() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// Event categories and actions the registration pipeline cares about.
const (
	EventTypeContainer = "container"
	EventActionStart   = "start"
)

// LifecycleEvent is a container lifecycle notification from the runtime.
type LifecycleEvent struct {
	Type        string // e.g. "container", "network", "image"
	Action      string // e.g. "start", "die", "stop"
	ContainerID string
}

// IsContainerStart reports whether the event announces a container start.
func (e LifecycleEvent) IsContainerStart() bool {
	return e.Type == EventTypeContainer && e.Action == EventActionStart
}

// ContainerMetadata holds the subset of an inspected container needed for routing.
type ContainerMetadata struct {
	Name            string            // As assigned by the runtime, usually with a leading "/"
	Networks        map[string]string // Network name -> IP address
	LegacyIPAddress string            // Single-network IP address field
	ExposedPorts    []string          // "port/proto", in declaration order
}
