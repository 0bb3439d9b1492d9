package hub

import (
	"encoding/json"
	"errors"

	"github.com/bjpl/backendsim/pkg/model"
)

// registerBuiltins installs the default message handler table.
func (h *Hub) registerBuiltins() {
	h.handlers["ping"] = handlePing
	h.handlers["pong"] = handlePong
	h.handlers["join-room"] = handleJoinRoom
	h.handlers["leave-room"] = handleLeaveRoom
	h.handlers["broadcast"] = handleBroadcast
	h.handlers["direct-message"] = handleDirectMessage
	h.handlers["content-update"] = handleContentUpdate
	h.handlers["user-activity"] = handleUserActivity
}

type roomPayload struct {
	Room string `json:"room"`
}

type broadcastPayload struct {
	Room string          `json:"room"`
	Data json.RawMessage `json:"data"`
}

type directPayload struct {
	To   string          `json:"to"`
	Data json.RawMessage `json:"data"`
}

func handlePing(h *Hub, clientID string, _ json.RawMessage) error {
	h.send(clientID, model.Notification{Type: "pong"})
	return nil
}

// handlePong only exists so that client pong replies count as activity;
// SendMessage already touched the sender.
func handlePong(_ *Hub, _ string, _ json.RawMessage) error {
	return nil
}

func handleJoinRoom(h *Hub, clientID string, payload json.RawMessage) error {
	var p roomPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errors.New("join-room: invalid payload")
	}
	if p.Room == "" {
		return errors.New("join-room: room must not be empty")
	}
	if !h.JoinRoom(clientID, p.Room) {
		return errors.New("join-room: client not connected")
	}
	return nil
}

func handleLeaveRoom(h *Hub, clientID string, payload json.RawMessage) error {
	var p roomPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errors.New("leave-room: invalid payload")
	}
	if !h.LeaveRoom(clientID, p.Room) {
		return errors.New("leave-room: not a member")
	}
	return nil
}

// handleBroadcast fans a payload out to the sender's room, excluding the
// sender itself.
func handleBroadcast(h *Hub, clientID string, payload json.RawMessage) error {
	var p broadcastPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errors.New("broadcast: invalid payload")
	}
	if p.Room == "" {
		return errors.New("broadcast: room must not be empty")
	}
	h.BroadcastToRoom(p.Room, model.Notification{
		Type:    "message",
		Room:    p.Room,
		From:    clientID,
		Payload: p.Data,
	}, clientID)
	return nil
}

// handleDirectMessage delivers point-to-point and confirms scheduling
// back to the sender. Whether the target actually receives the message is
// deliberately not reported: drops to disconnected clients are silent.
func handleDirectMessage(h *Hub, clientID string, payload json.RawMessage) error {
	var p directPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errors.New("direct-message: invalid payload")
	}
	if p.To == "" {
		return errors.New("direct-message: recipient must not be empty")
	}

	delivered := h.ClientState(p.To) != StateClosed
	if delivered {
		h.send(p.To, model.Notification{
			Type:    "message",
			From:    clientID,
			Payload: p.Data,
		})
	}

	confirm, _ := json.Marshal(map[string]any{
		"to":        p.To,
		"delivered": delivered,
	})
	h.send(clientID, model.Notification{Type: "delivered", Payload: confirm})
	return nil
}

// handleContentUpdate fans out to every client except the originator.
func handleContentUpdate(h *Hub, clientID string, payload json.RawMessage) error {
	h.BroadcastToAll(model.Notification{
		Type:    "content-updated",
		From:    clientID,
		Payload: payload,
	}, clientID)
	return nil
}

// handleUserActivity fans out to the originator's rooms only.
func handleUserActivity(h *Hub, clientID string, payload json.RawMessage) error {
	for _, roomID := range h.rooms.RoomsOf(clientID) {
		h.BroadcastToRoom(roomID, model.Notification{
			Type:    "user-activity",
			Room:    roomID,
			From:    clientID,
			Payload: payload,
		}, clientID)
	}
	return nil
}
