package websocket

import (
	"encoding/json"
	"fmt"
)

// Socket event names spoken by the hub and every client.
const (
	EventAddAdmin          = "addAdmin"
	EventAddUser           = "addUser"
	EventAdminTyping       = "adminTyping"
	EventDoctorTyping      = "doctorTyping"
	EventOnlineUsers       = "onlineUsers"
	EventReceiveMessage    = "receiveMessage"
	EventMessageUpdated    = "messageUpdated"
	EventMessageDeleted    = "messageDeleted"
	EventDoctorReplyAdmin  = "doctorReplyAdmin"
	EventDoctorFileMessage = "doctorFileMessage"
)

// Frame is the wire envelope of every socket message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals payload into a frame for event. A json.RawMessage
// payload is used as is.
func NewFrame(event string, payload any) (Frame, error) {
	f := Frame{Event: event}
	if payload == nil {
		return f, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		f.Data = raw
		return f, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("websocket: encode %s payload: %w", event, err)
	}
	f.Data = data
	return f, nil
}
