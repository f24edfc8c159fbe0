package realtime

import (
	"context"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 32 * 1024
)

// Conn is one websocket connection. State machine:
// Connecting -> Authenticated -> Joined(conversation)* -> Disconnected.
// A connection may sit in many rooms at once; presence tracks only the single
// focused conversation.
type Conn struct {
	id       string
	userID   string
	userName string
	hub      *Hub
	socket   *websocket.Conn
	send     chan Event
	joined   map[string]struct{} // conversation ids; touched only by readPump
}

// deliver queues an event for the write pump. A slow consumer that fills its
// buffer is disconnected rather than allowed to stall or reorder the room.
func (c *Conn) deliver(event Event) {
	select {
	case c.send <- event:
	default:
		log.Printf("realtime: slow consumer, dropping connection %s (user %s)", c.id, c.userID)
		_ = c.socket.Close()
	}
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.drop(c)
		_ = c.socket.Close()
		close(c.send)
	}()

	c.socket.SetReadLimit(maxFrameSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame ClientFrame
		if err := c.socket.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("realtime: read error on connection %s: %v", c.id, err)
			}
			return
		}
		c.handleFrame(frame)
	}
}

func (c *Conn) handleFrame(frame ClientFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch frame.Type {
	case FrameJoin:
		if c.hub.join(ctx, c, frame.ConversationID) {
			c.joined[frame.ConversationID] = struct{}{}
			c.deliver(Event{Type: EventJoined, ConversationID: frame.ConversationID})
		}
		// Denied joins are silent: no ack, no error, nothing to probe.

	case FrameLeave:
		if _, ok := c.joined[frame.ConversationID]; ok {
			delete(c.joined, frame.ConversationID)
			c.hub.leave(c, frame.ConversationID)
		}

	case FrameSend:
		if err := c.hub.sender.SendFromConnection(ctx, c.userID, c.userName, frame.ConversationID, frame.Content); err != nil {
			// The sender never receives a canonical echo for a failed send;
			// its optimistic entry times out client-side. The error frame
			// lets it revert sooner.
			log.Printf("realtime: send failed: user=%s conversation=%s: %v", c.userID, frame.ConversationID, err)
			c.deliver(Event{Type: EventError, ConversationID: frame.ConversationID, Code: "SEND_FAILED"})
		}

	case FrameFocus:
		if entry, ok := c.hub.presence.SetFocus(c.id, frame.ConversationID); ok && frame.ConversationID != "" {
			c.hub.publish(Event{
				Type:           EventPresenceChanged,
				ConversationID: frame.ConversationID,
				Presence: &PresencePayload{
					UserID:                entry.UserID,
					Online:                true,
					FocusedConversationID: entry.FocusedConversationID,
				},
			})
		}

	default:
		log.Printf("realtime: unknown frame type %q from connection %s", frame.Type, c.id)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.socket.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.socket.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
