package protocol

// ProtocolVersion is bumped whenever the control-plane payloads change
// in a way clients must know about.
const ProtocolVersion = 1

// WebSocket event names pushed from server to client.
const (
	EventHealth           = "health"
	EventChannelStatus    = "channel.status"
	EventMessageProcessed = "message.processed"
	EventConfigReloaded   = "config.reloaded"
	EventShutdown         = "shutdown"
)

// Channel status subtypes (in payload.status).
const (
	ChannelStatusStarted     = "started"
	ChannelStatusStopped     = "stopped"
	ChannelStatusRestarting  = "restarting"
	ChannelStatusReconnected = "reconnected"
)

// Event is the wire envelope broadcast to websocket clients.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// NewEvent builds an event envelope.
func NewEvent(name string, payload interface{}) *Event {
	return &Event{Name: name, Payload: payload}
}
