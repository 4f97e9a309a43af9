package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/mira/teltow/pkg/event"
)

// MessageType represents the type tag of a relay protocol message.
type MessageType string

const (
	MessageTypeEvent  MessageType = "EVENT"
	MessageTypeReq    MessageType = "REQ"
	MessageTypeClose  MessageType = "CLOSE"
	MessageTypeEOSE   MessageType = "EOSE"   // End of stored events
	MessageTypeOK     MessageType = "OK"     // Command result
	MessageTypeNotice MessageType = "NOTICE" // Human-readable message
)

// Handler processes decoded protocol messages.
type Handler interface {
	HandleEvent(ctx context.Context, c *Client, evt *event.Event) error
	HandleReq(ctx context.Context, c *Client, subID string, filters []*event.Filter) error
	HandleClose(ctx context.Context, c *Client, subID string) error
}

// Client represents one WebSocket connection and owns its
// subscription registry: a map of subscription ID to filter list,
// replaced in place when a REQ reuses an ID and dropped on CLOSE or
// disconnect.
type Client struct {
	conn          *websocket.Conn
	handler       Handler
	subscriptions map[string][]*event.Filter
	subMu         sync.RWMutex
	sendCh        chan []byte
	closeCh       chan struct{}
	closeOnce     sync.Once
}

// NewClient creates a client for an upgraded WebSocket connection.
func NewClient(conn *websocket.Conn, handler Handler) *Client {
	log.Printf("New connection from %s", conn.RemoteAddr())
	return &Client{
		conn:          conn,
		handler:       handler,
		subscriptions: make(map[string][]*event.Filter),
		sendCh:        make(chan []byte, 256),
		closeCh:       make(chan struct{}),
	}
}

// Start begins processing messages; blocks until the connection closes.
func (c *Client) Start(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		c.readPump(ctx)
	}()

	go func() {
		defer wg.Done()
		c.writePump(ctx)
	}()

	wg.Wait()
}

// readPump reads messages from the WebSocket connection. Errors from
// individual messages surface as a NOTICE; the connection stays open.
func (c *Client) readPump(ctx context.Context) {
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		default:
		}

		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				// close 1005 (no status) is a normal condition, not an error
				if !strings.Contains(err.Error(), "close 1005") {
					log.Printf("WebSocket read error: %v", err)
				}
			}
			return
		}

		if err := c.handleMessage(ctx, message); err != nil {
			log.Printf("Error handling message: %v", err)
			c.SendNotice(fmt.Sprintf("error: %v", err))
		}
	}
}

// writePump sends queued messages to the WebSocket connection.
func (c *Client) writePump(ctx context.Context) {
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		case message := <-c.sendCh:
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("WebSocket write error: %v", err)
				return
			}
		}
	}
}

// handleMessage dispatches a single decoded protocol message.
func (c *Client) handleMessage(ctx context.Context, message []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(message, &raw); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if len(raw) == 0 {
		return fmt.Errorf("empty message")
	}

	var msgType string
	if err := json.Unmarshal(raw[0], &msgType); err != nil {
		return fmt.Errorf("invalid message type: %w", err)
	}

	switch MessageType(msgType) {
	case MessageTypeEvent:
		return c.handleEventMessage(ctx, raw)
	case MessageTypeReq:
		return c.handleReqMessage(ctx, raw)
	case MessageTypeClose:
		return c.handleCloseMessage(ctx, raw)
	default:
		return fmt.Errorf("unknown message type: %s", msgType)
	}
}

// handleEventMessage decodes an EVENT message and hands it to the
// handler. Acceptance, rejection and the OK reply are the handler's
// business.
func (c *Client) handleEventMessage(ctx context.Context, raw []json.RawMessage) error {
	if len(raw) != 2 {
		return fmt.Errorf("EVENT message must have 2 elements")
	}

	var evt event.Event
	if err := json.Unmarshal(raw[1], &evt); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	return c.handler.HandleEvent(ctx, c, &evt)
}

// handleReqMessage decodes a REQ message, registers the subscription
// and hands off for the backfill.
func (c *Client) handleReqMessage(ctx context.Context, raw []json.RawMessage) error {
	if len(raw) < 2 {
		return fmt.Errorf("REQ message must have at least 2 elements")
	}

	var subID string
	if err := json.Unmarshal(raw[1], &subID); err != nil {
		return fmt.Errorf("invalid subscription ID: %w", err)
	}

	var filters []*event.Filter
	for i := 2; i < len(raw); i++ {
		var filter event.Filter
		if err := json.Unmarshal(raw[i], &filter); err != nil {
			return fmt.Errorf("invalid filter: %w", err)
		}
		filters = append(filters, &filter)
	}

	// Register (or replace) before the backfill so live events that
	// arrive during it are matched too.
	c.subMu.Lock()
	c.subscriptions[subID] = filters
	c.subMu.Unlock()

	return c.handler.HandleReq(ctx, c, subID, filters)
}

// handleCloseMessage decodes a CLOSE message.
func (c *Client) handleCloseMessage(ctx context.Context, raw []json.RawMessage) error {
	if len(raw) != 2 {
		return fmt.Errorf("CLOSE message must have 2 elements")
	}

	var subID string
	if err := json.Unmarshal(raw[1], &subID); err != nil {
		return fmt.Errorf("invalid subscription ID: %w", err)
	}

	return c.handler.HandleClose(ctx, c, subID)
}

// RemoveSubscription drops a subscription; unknown IDs are a no-op.
func (c *Client) RemoveSubscription(subID string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	delete(c.subscriptions, subID)
}

// GetSubscriptions returns a copy of the current subscription table.
// Broadcast passes iterate the copy, so a concurrent REQ or CLOSE can
// never tear a pass in half.
func (c *Client) GetSubscriptions() map[string][]*event.Filter {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	subs := make(map[string][]*event.Filter, len(c.subscriptions))
	for k, v := range c.subscriptions {
		subs[k] = v
	}
	return subs
}

func (c *Client) send(msg []interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case c.sendCh <- data:
		return nil
	case <-c.closeCh:
		return fmt.Errorf("client closed")
	}
}

// SendEvent sends an event to the client for a subscription.
func (c *Client) SendEvent(subID string, evt *event.Event) error {
	return c.send([]interface{}{MessageTypeEvent, subID, evt})
}

// SendEOSE sends an end-of-stored-events marker.
func (c *Client) SendEOSE(subID string) error {
	return c.send([]interface{}{MessageTypeEOSE, subID})
}

// SendOK sends an OK message in response to an EVENT.
func (c *Client) SendOK(eventID string, accepted bool, message string) error {
	return c.send([]interface{}{MessageTypeOK, eventID, accepted, message})
}

// SendNotice sends a human-readable notice message.
func (c *Client) SendNotice(message string) error {
	return c.send([]interface{}{MessageTypeNotice, message})
}

// Close closes the client connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.conn.Close()
	})
}

// RemoteAddr returns the remote address of the client.
func (c *Client) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
