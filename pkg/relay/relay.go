package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mira/teltow/pkg/event"
	"github.com/mira/teltow/pkg/protocol"
	"github.com/mira/teltow/pkg/storage"
)

// Version of the relay
const Version = "0.3.0"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// Options configures the relay's public identity.
type Options struct {
	Name        string
	Description string
}

// DefaultOptions returns the default relay identity.
func DefaultOptions() *Options {
	return &Options{
		Name:        "Teltow Relay",
		Description: "A personal Nostr relay written in Go",
	}
}

// Relay is the main relay orchestrator: it validates and stores
// published events, answers subscription backfills, and fans freshly
// accepted events out to every matching subscription.
type Relay struct {
	store     storage.Store
	clients   map[*protocol.Client]bool
	clientsMu sync.RWMutex
	opts      *Options
	startedAt time.Time
}

// New creates a new relay instance with default options.
func New(store storage.Store) *Relay {
	return NewWithOptions(store, nil)
}

// NewWithOptions creates a new relay instance.
func NewWithOptions(store storage.Store, opts *Options) *Relay {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Relay{
		store:     store,
		clients:   make(map[*protocol.Client]bool),
		opts:      opts,
		startedAt: time.Now(),
	}
}

// EventCount returns the number of events currently stored, for the
// status endpoints.
func (r *Relay) EventCount(ctx context.Context) (int, error) {
	return r.store.Count(ctx)
}

// Uptime returns how long the relay has been running.
func (r *Relay) Uptime() time.Duration {
	return time.Since(r.startedAt)
}

// ServeHTTP serves the relay root: WebSocket upgrades, the relay
// information document for nostr+json requests, and a small HTML
// status page for everything else.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	setCORSHeaders(w)
	if req.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if websocket.IsWebSocketUpgrade(req) {
		r.serveWebSocket(w, req)
		return
	}

	if req.Header.Get("Accept") == "application/nostr+json" {
		r.serveInfoDocument(w)
		return
	}

	r.serveStatusPage(w, req)
}

// GetMux returns the relay's HTTP handler with all routes attached.
func (r *Relay) GetMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/", r)
	mux.HandleFunc("/health", r.handleHealth)
	return mux
}

func (r *Relay) serveWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade already replied to the client with an HTTP error.
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	client := protocol.NewClient(conn, r)

	r.clientsMu.Lock()
	r.clients[client] = true
	r.clientsMu.Unlock()

	defer func() {
		r.clientsMu.Lock()
		delete(r.clients, client)
		r.clientsMu.Unlock()
		client.Close()
		log.Printf("Client disconnected: %s", client.RemoteAddr())
	}()

	client.SendNotice(fmt.Sprintf("Connected to %s", r.opts.Name))
	client.Start(req.Context())
}

func (r *Relay) serveInfoDocument(w http.ResponseWriter) {
	info := &InfoDocument{
		Name:          r.opts.Name,
		Description:   r.opts.Description,
		Software:      "https://github.com/mira/teltow",
		Version:       Version,
		SupportedNIPs: []int{1, 9, 11},
	}

	w.Header().Set("Content-Type", "application/nostr+json")
	json.NewEncoder(w).Encode(info)
}

func (r *Relay) serveStatusPage(w http.ResponseWriter, req *http.Request) {
	count, err := r.store.Count(req.Context())
	if err != nil {
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<html>
<head><title>%s</title></head>
<body>
<h1>%s</h1>
<p>Status: <strong>Online</strong></p>
<p>Events stored: <strong>%d</strong></p>
<p>WebSocket endpoint: <code>ws://%s</code></p>
<p>Health check: <a href="/health">/health</a></p>
</body>
</html>
`, r.opts.Name, r.opts.Name, count, req.Host)
}

// handleHealth serves the liveness/statistics probe.
func (r *Relay) handleHealth(w http.ResponseWriter, req *http.Request) {
	setCORSHeaders(w)

	count, err := r.store.Count(req.Context())
	if err != nil {
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"relay":     "nostr",
		"events":    count,
		"uptime":    int64(r.Uptime().Seconds()),
		"timestamp": time.Now().UnixMilli(),
	})
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// HandleEvent processes an EVENT message from a client.
func (r *Relay) HandleEvent(ctx context.Context, c *protocol.Client, evt *event.Event) error {
	if err := evt.Validate(); err != nil {
		c.SendOK(evt.ID, false, "invalid event")
		return nil
	}

	// Deletion requests remove every event referenced by an "e" tag,
	// then get stored and broadcast like any other event. The deletion
	// event bypasses the duplicate check.
	if evt.IsDeletion() {
		for _, targetID := range evt.DeletionTargets() {
			deleted, err := r.store.DeleteEvent(ctx, targetID)
			if err != nil {
				log.Printf("Failed to delete event %s: %v", targetID, err)
				continue
			}
			if deleted {
				log.Printf("Processed delete for %.8s...", targetID)
			}
		}

		if err := r.store.SaveEvent(ctx, evt); err != nil {
			c.SendOK(evt.ID, false, fmt.Sprintf("error: failed to save event: %v", err))
			return fmt.Errorf("failed to save deletion event: %w", err)
		}

		c.SendOK(evt.ID, true, "delete processed")
		r.broadcastEvent(evt)
		return nil
	}

	// Duplicate IDs are not an error: ack positively and stop, without
	// re-storing or re-broadcasting.
	existing, err := r.store.GetEvent(ctx, evt.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to check for existing event: %w", err)
	}
	if existing != nil {
		c.SendOK(evt.ID, true, "duplicate event")
		return nil
	}

	if err := r.store.SaveEvent(ctx, evt); err != nil {
		c.SendOK(evt.ID, false, fmt.Sprintf("error: failed to save event: %v", err))
		return fmt.Errorf("failed to save event: %w", err)
	}

	c.SendOK(evt.ID, true, "")
	r.broadcastEvent(evt)

	log.Printf("Accepted event %.8s... from %.8s...", evt.ID, evt.PubKey)
	return nil
}

// HandleReq processes a REQ message: backfill of stored events
// matching any of the filters, deduplicated by ID, terminated by
// exactly one EOSE.
func (r *Relay) HandleReq(ctx context.Context, c *protocol.Client, subID string, filters []*event.Filter) error {
	events, err := r.store.QueryEvents(ctx, filters)
	if err != nil {
		return fmt.Errorf("failed to query events: %w", err)
	}

	for _, evt := range events {
		if err := c.SendEvent(subID, evt); err != nil {
			log.Printf("Failed to send stored event to client: %v", err)
		}
	}

	if err := c.SendEOSE(subID); err != nil {
		log.Printf("Failed to send EOSE to client: %v", err)
	}

	log.Printf("Sent %d stored events for subscription %s", len(events), subID)
	return nil
}

// HandleClose processes a CLOSE message. Unknown subscription IDs are
// a no-op.
func (r *Relay) HandleClose(ctx context.Context, c *protocol.Client, subID string) error {
	log.Printf("Closing subscription %s for client %s", subID, c.RemoteAddr())
	c.RemoveSubscription(subID)
	return nil
}

// broadcastEvent sends an event to every connection with a matching
// subscription. Each client gets its own goroutine so one slow
// consumer cannot stall the rest, and each pass works on a snapshot of
// the client's subscription table. An event is delivered at most once
// per subscription even when several of its filters match.
func (r *Relay) broadcastEvent(evt *event.Event) {
	r.clientsMu.RLock()
	defer r.clientsMu.RUnlock()

	for client := range r.clients {
		go func(c *protocol.Client) {
			subs := c.GetSubscriptions()
			for subID, filters := range subs {
				for _, filter := range filters {
					if evt.Matches(filter) {
						if err := c.SendEvent(subID, evt); err != nil {
							log.Printf("Failed to send event to client: %v", err)
						}
						break // at most once per subscription
					}
				}
			}
		}(client)
	}
}

// Close shuts down the relay.
func (r *Relay) Close() error {
	r.clientsMu.Lock()
	defer r.clientsMu.Unlock()

	for client := range r.clients {
		client.Close()
	}

	return r.store.Close()
}

// Start starts the relay HTTP server.
func (r *Relay) Start(addr string) error {
	log.Printf("Relay starting on %s", addr)
	return http.ListenAndServe(addr, r.GetMux())
}
