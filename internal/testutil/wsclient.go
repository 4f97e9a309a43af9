package testutil

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mira/teltow/pkg/event"
)

// WSClient is a test WebSocket client for integration tests.
type WSClient struct {
	conn *websocket.Conn
}

// NewWSClient connects a new test WebSocket client.
func NewWSClient(url string) (*WSClient, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	return &WSClient{conn: conn}, nil
}

// Close closes the WebSocket connection.
func (c *WSClient) Close() error {
	return c.conn.Close()
}

// SendEvent sends an EVENT message.
func (c *WSClient) SendEvent(evt *event.Event) error {
	return c.conn.WriteJSON([]interface{}{"EVENT", evt})
}

// SendRaw sends an arbitrary payload, for malformed-message tests.
func (c *WSClient) SendRaw(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// SendReq sends a REQ message.
func (c *WSClient) SendReq(subID string, filters ...*event.Filter) error {
	msg := []interface{}{"REQ", subID}
	for _, f := range filters {
		msg = append(msg, f)
	}
	return c.conn.WriteJSON(msg)
}

// SendClose sends a CLOSE message.
func (c *WSClient) SendClose(subID string) error {
	return c.conn.WriteJSON([]interface{}{"CLOSE", subID})
}

// ReadMessage reads and loosely decodes a single message.
func (c *WSClient) ReadMessage() ([]interface{}, error) {
	var msg []json.RawMessage
	if err := c.conn.ReadJSON(&msg); err != nil {
		return nil, err
	}

	if len(msg) == 0 {
		return nil, fmt.Errorf("empty message")
	}

	result := make([]interface{}, 0, len(msg))
	for _, raw := range msg {
		var item interface{}
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, nil
}

// ExpectOK waits for an OK message with the given event ID and returns
// the accepted flag and the attached message.
func (c *WSClient) ExpectOK(eventID string, timeout time.Duration) (bool, string, error) {
	deadline := time.Now().Add(timeout)
	c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		msg, err := c.ReadMessage()
		if err != nil {
			return false, "", err
		}

		if len(msg) < 3 {
			continue
		}
		msgType, ok := msg[0].(string)
		if !ok || msgType != "OK" {
			continue
		}
		receivedID, ok := msg[1].(string)
		if !ok || receivedID != eventID {
			continue
		}
		accepted, ok := msg[2].(bool)
		if !ok {
			return false, "", fmt.Errorf("invalid OK message format")
		}

		var message string
		if len(msg) > 3 {
			if m, ok := msg[3].(string); ok {
				message = m
			}
		}
		return accepted, message, nil
	}
}

// ExpectEvent waits for an EVENT message for the given subscription.
func (c *WSClient) ExpectEvent(subID string, timeout time.Duration) (*event.Event, error) {
	deadline := time.Now().Add(timeout)
	c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		var msg []json.RawMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return nil, err
		}

		if len(msg) < 3 {
			continue
		}

		var msgType string
		if err := json.Unmarshal(msg[0], &msgType); err != nil {
			return nil, err
		}
		if msgType != "EVENT" {
			continue
		}

		var receivedSubID string
		if err := json.Unmarshal(msg[1], &receivedSubID); err != nil {
			return nil, err
		}
		if receivedSubID != subID {
			continue
		}

		var evt event.Event
		if err := json.Unmarshal(msg[2], &evt); err != nil {
			return nil, err
		}
		return &evt, nil
	}
}

// ExpectEOSE waits for an EOSE message for the given subscription.
func (c *WSClient) ExpectEOSE(subID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		msg, err := c.ReadMessage()
		if err != nil {
			return err
		}

		if len(msg) < 2 {
			continue
		}
		msgType, ok := msg[0].(string)
		if !ok || msgType != "EOSE" {
			continue
		}
		receivedSubID, ok := msg[1].(string)
		if !ok || receivedSubID != subID {
			continue
		}
		return nil
	}
}

// ExpectNotice waits for a NOTICE message.
func (c *WSClient) ExpectNotice(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		msg, err := c.ReadMessage()
		if err != nil {
			return "", err
		}

		if len(msg) < 2 {
			continue
		}
		msgType, ok := msg[0].(string)
		if !ok || msgType != "NOTICE" {
			continue
		}
		notice, ok := msg[1].(string)
		if !ok {
			return "", fmt.Errorf("invalid NOTICE format")
		}
		return notice, nil
	}
}

// CollectEvents collects all backfill events for a subscription until
// its EOSE arrives.
func (c *WSClient) CollectEvents(subID string, timeout time.Duration) ([]*event.Event, error) {
	deadline := time.Now().Add(timeout)
	c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})

	var events []*event.Event

	for {
		var msg []json.RawMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return nil, err
		}

		if len(msg) < 2 {
			continue
		}

		var msgType string
		if err := json.Unmarshal(msg[0], &msgType); err != nil {
			return nil, err
		}

		var receivedSubID string
		if err := json.Unmarshal(msg[1], &receivedSubID); err != nil {
			continue
		}
		if receivedSubID != subID {
			continue
		}

		switch msgType {
		case "EVENT":
			if len(msg) < 3 {
				continue
			}
			var evt event.Event
			if err := json.Unmarshal(msg[2], &evt); err != nil {
				return nil, err
			}
			events = append(events, &evt)
		case "EOSE":
			return events, nil
		}
	}
}
