package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mvieira99/inboxsync/internal/bus"
	"github.com/mvieira99/inboxsync/internal/store"
	"github.com/mvieira99/inboxsync/internal/transport"
	"go.uber.org/zap"
)

// typingGrace bounds how long the local user's typing indicator can be
// held without a stop call. Independent of any server confirmation.
const typingGrace = 3 * time.Second

// FrameSender is the slice of the transport this client needs.
// *transport.Client satisfies it.
type FrameSender interface {
	Send(transport.Frame)
}

// Client is the conversation sync layer for one account: it encodes
// imperative actions into frames and dispatches inbound frames to
// decoded domain events on the bus under the "rt." namespace.
type Client struct {
	sender FrameSender
	bus    *bus.Bus
	logger *zap.Logger

	typingGrace time.Duration

	mu          sync.Mutex
	typingStops map[int]*time.Timer
}

// New creates a sync client on top of the given transport.
func New(sender FrameSender, b *bus.Bus, logger *zap.Logger) *Client {
	return &Client{
		sender:      sender,
		bus:         b,
		logger:      logger,
		typingGrace: typingGrace,
		typingStops: make(map[int]*time.Timer),
	}
}

type sendMessagePayload struct {
	ConversationID int    `json:"conversation_id"`
	Content        string `json:"content"`
	MessageType    int    `json:"message_type"`
	EchoID         string `json:"echo_id,omitempty"`
}

type statusPayload struct {
	ConversationID int    `json:"conversation_id"`
	Status         string `json:"status"`
}

type conversationPayload struct {
	ConversationID int `json:"conversation_id"`
}

// SendMessage transmits an outgoing message. Fire-and-forget: delivery
// acknowledgment arrives later as a message.new push echoing EchoID.
func (c *Client) SendMessage(conversationID int, content string) {
	c.send("send_message", sendMessagePayload{
		ConversationID: conversationID,
		Content:        content,
		MessageType:    store.MessageOutgoing,
		EchoID:         uuid.NewString(),
	})
}

// UpdateConversationStatus requests a status change for a conversation.
func (c *Client) UpdateConversationStatus(conversationID int, conversationStatus string) {
	c.send("update_status", statusPayload{
		ConversationID: conversationID,
		Status:         conversationStatus,
	})
}

// MarkAsRead reports that the conversation has been read locally.
func (c *Client) MarkAsRead(conversationID int) {
	c.send("mark_as_read", conversationPayload{ConversationID: conversationID})
}

// StartTyping reports that the local user began typing and (re)arms a
// per-conversation timer that emits an implicit stop after the grace
// period, so a forgotten StopTyping cannot hold the indicator forever.
func (c *Client) StartTyping(conversationID int) {
	c.send("start_typing", conversationPayload{ConversationID: conversationID})

	c.mu.Lock()
	if t, ok := c.typingStops[conversationID]; ok {
		t.Stop()
	}
	c.typingStops[conversationID] = time.AfterFunc(c.typingGrace, func() {
		c.autoStopTyping(conversationID)
	})
	c.mu.Unlock()
}

// StopTyping reports that the local user stopped typing and cancels
// the pending auto-stop for that conversation.
func (c *Client) StopTyping(conversationID int) {
	c.mu.Lock()
	if t, ok := c.typingStops[conversationID]; ok {
		t.Stop()
		delete(c.typingStops, conversationID)
	}
	c.mu.Unlock()

	c.send("stop_typing", conversationPayload{ConversationID: conversationID})
}

func (c *Client) autoStopTyping(conversationID int) {
	c.mu.Lock()
	delete(c.typingStops, conversationID)
	c.mu.Unlock()

	c.send("stop_typing", conversationPayload{ConversationID: conversationID})
}

// Close cancels all pending typing timers.
func (c *Client) Close() {
	c.mu.Lock()
	for id, t := range c.typingStops {
		t.Stop()
		delete(c.typingStops, id)
	}
	c.mu.Unlock()
}

func (c *Client) send(frameType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Warn("failed to encode action", zap.Error(err), zap.String("type", frameType))
		return
	}
	c.sender.Send(transport.Frame{
		Type:      frameType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

type errorPayload struct {
	Message string `json:"message"`
}

// HandleFrame is registered as the transport's frame handler. Each
// known frame type maps to one decoded bus event; unknown types are
// ignored without error.
func (c *Client) HandleFrame(f transport.Frame) {
	switch f.Type {
	case "conversation.new", "conversation.updated":
		var conv store.Conversation
		if !c.decode(f, &conv) {
			return
		}
		c.publish("rt."+f.Type, &conv)
	case "message.new", "message.updated":
		var msg store.Message
		if !c.decode(f, &msg) {
			return
		}
		c.publish("rt."+f.Type, &msg)
	case "typing.start", "typing.stop":
		var ev store.TypingEvent
		if !c.decode(f, &ev) {
			return
		}
		c.publish("rt."+f.Type, &ev)
	case "error":
		var ep errorPayload
		if !c.decode(f, &ep) {
			return
		}
		c.logger.Warn("server error frame", zap.String("message", ep.Message))
		c.publish("rt.error", ep.Message)
	default:
		c.logger.Debug("ignoring unknown frame type", zap.String("type", f.Type))
	}
}

func (c *Client) decode(f transport.Frame, into any) bool {
	if err := json.Unmarshal(f.Data, into); err != nil {
		c.logger.Warn("dropping frame with malformed payload",
			zap.Error(err), zap.String("type", f.Type))
		return false
	}
	return true
}

func (c *Client) publish(kind string, payload any) {
	c.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}
