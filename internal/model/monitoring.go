package model

// ConnectionStatus is the state of the proctor peer connection.
type ConnectionStatus string

const (
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionFailed       ConnectionStatus = "failed"
)

// StreamType describes which captures feed the monitoring stream.
type StreamType string

const (
	StreamWebcam StreamType = "webcam"
	StreamScreen StreamType = "screen"
	StreamBoth   StreamType = "both"
)

// MonitoringState is a read-only view of a monitoring session.
type MonitoringState struct {
	Status       ConnectionStatus `json:"status"`
	StreamType   StreamType       `json:"stream_type"`
	ConnectionID string           `json:"connection_id,omitempty"`
	Attempts     int              `json:"attempts"`
	CameraActive bool             `json:"camera_active"`
	ScreenActive bool             `json:"screen_active"`
}
