package integration

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/mira/teltow/internal/store/memory"
	localevent "github.com/mira/teltow/pkg/event"
	"github.com/mira/teltow/pkg/relay"
	"github.com/nbd-wtf/go-nostr"
)

// setupRelay starts a relay on a random local port and returns the
// WebSocket URL, the relay, a cleanup func, and the HTTP base URL.
func setupRelay(t *testing.T) (string, *relay.Relay, func(), string) {
	t.Helper()

	store := memory.New()
	r := relay.New(store)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to get available port: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	srv := &http.Server{
		Addr:    addr,
		Handler: r.GetMux(),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.Logf("Relay server error: %v", err)
		}
	}()

	// Wait for the server to start
	time.Sleep(100 * time.Millisecond)

	wsURL := fmt.Sprintf("ws://%s/", addr)
	httpURL := fmt.Sprintf("http://%s", addr)
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		r.Close()
	}

	return wsURL, r, cleanup, httpURL
}

// convertNostrEvent converts a go-nostr reference event to the local
// event type.
func convertNostrEvent(ne *nostr.Event) *localevent.Event {
	if ne == nil {
		return nil
	}

	evt := &localevent.Event{
		ID:        ne.ID,
		PubKey:    ne.PubKey,
		CreatedAt: ne.CreatedAt.Time().Unix(),
		Kind:      ne.Kind,
		Tags:      make([][]string, len(ne.Tags)),
		Content:   ne.Content,
		Sig:       ne.Sig,
	}

	for i, tag := range ne.Tags {
		evt.Tags[i] = []string(tag)
	}

	return evt
}

// newNostrSignedEvent builds and signs an event with the go-nostr
// reference implementation, for cross-implementation checks.
func newNostrSignedEvent(t *testing.T, kind int, content string) *localevent.Event {
	t.Helper()

	sk := nostr.GeneratePrivateKey()

	ne := &nostr.Event{
		Kind:      kind,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{},
		Content:   content,
	}
	if err := ne.Sign(sk); err != nil {
		t.Fatalf("Failed to sign event: %v", err)
	}

	return convertNostrEvent(ne)
}
