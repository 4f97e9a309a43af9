package integration

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mira/teltow/internal/testutil"
	"github.com/mira/teltow/pkg/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAndBackfill(t *testing.T) {
	url, _, cleanup, _ := setupRelay(t)
	defer cleanup()

	client, err := testutil.NewWSClient(url)
	require.NoError(t, err)
	defer client.Close()

	evt, kp := testutil.MustNewTestEvent(1, "hi", nil)

	require.NoError(t, client.SendEvent(evt))

	accepted, msg, err := client.ExpectOK(evt.ID, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, "", msg)

	// backfill for a matching filter returns the event, then EOSE
	require.NoError(t, client.SendReq("sub1", &event.Filter{Authors: []string{kp.PubKeyHex}}))

	events, err := client.CollectEvents("sub1", 2*time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, evt.ID, events[0].ID)
	assert.Equal(t, evt.Content, events[0].Content)
}

func TestDuplicatePublish(t *testing.T) {
	url, r, cleanup, _ := setupRelay(t)
	defer cleanup()

	client, err := testutil.NewWSClient(url)
	require.NoError(t, err)
	defer client.Close()

	evt, _ := testutil.MustNewTestEvent(1, "only once", nil)

	require.NoError(t, client.SendEvent(evt))
	accepted, _, err := client.ExpectOK(evt.ID, 2*time.Second)
	require.NoError(t, err)
	require.True(t, accepted)

	require.NoError(t, client.SendEvent(evt))
	accepted, msg, err := client.ExpectOK(evt.ID, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, "duplicate event", msg)

	count, err := r.EventCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestInvalidEventRejected(t *testing.T) {
	url, _, cleanup, _ := setupRelay(t)
	defer cleanup()

	client, err := testutil.NewWSClient(url)
	require.NoError(t, err)
	defer client.Close()

	evt, kp := testutil.MustNewTestEvent(1, "tampered", nil)
	evt.Content = "tampered after signing" // ID no longer matches

	require.NoError(t, client.SendEvent(evt))

	accepted, msg, err := client.ExpectOK(evt.ID, 2*time.Second)
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, "invalid event", msg)

	// never stored: the backfill is empty
	require.NoError(t, client.SendReq("sub1", &event.Filter{Authors: []string{kp.PubKeyHex}}))
	events, err := client.CollectEvents("sub1", 2*time.Second)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMissingFieldsRejected(t *testing.T) {
	url, _, cleanup, _ := setupRelay(t)
	defer cleanup()

	client, err := testutil.NewWSClient(url)
	require.NoError(t, err)
	defer client.Close()

	evt, _ := testutil.MustNewTestEvent(1, "no sig", nil)
	evt.Sig = ""

	require.NoError(t, client.SendEvent(evt))

	accepted, msg, err := client.ExpectOK(evt.ID, 2*time.Second)
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, "invalid event", msg)
}

func TestLiveBroadcast(t *testing.T) {
	url, _, cleanup, _ := setupRelay(t)
	defer cleanup()

	subscriber, err := testutil.NewWSClient(url)
	require.NoError(t, err)
	defer subscriber.Close()

	publisher, err := testutil.NewWSClient(url)
	require.NoError(t, err)
	defer publisher.Close()

	require.NoError(t, subscriber.SendReq("live", &event.Filter{Kinds: []int{1}}))
	require.NoError(t, subscriber.ExpectEOSE("live", 2*time.Second))

	evt, _ := testutil.MustNewTestEvent(1, "breaking news", nil)
	require.NoError(t, publisher.SendEvent(evt))
	accepted, _, err := publisher.ExpectOK(evt.ID, 2*time.Second)
	require.NoError(t, err)
	require.True(t, accepted)

	received, err := subscriber.ExpectEvent("live", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, evt.ID, received.ID)
}

func TestSubscriptionMatchesAnyFilter(t *testing.T) {
	url, _, cleanup, _ := setupRelay(t)
	defer cleanup()

	subscriber, err := testutil.NewWSClient(url)
	require.NoError(t, err)
	defer subscriber.Close()

	publisher, err := testutil.NewWSClient(url)
	require.NoError(t, err)
	defer publisher.Close()

	evt, kp := testutil.MustNewTestEvent(1, "matches second filter only", nil)

	// F1 doesn't match the event, F2 does; OR semantics deliver it
	require.NoError(t, subscriber.SendReq("either",
		&event.Filter{Kinds: []int{9999}},
		&event.Filter{Authors: []string{kp.PubKeyHex}},
	))
	require.NoError(t, subscriber.ExpectEOSE("either", 2*time.Second))

	require.NoError(t, publisher.SendEvent(evt))
	accepted, _, err := publisher.ExpectOK(evt.ID, 2*time.Second)
	require.NoError(t, err)
	require.True(t, accepted)

	received, err := subscriber.ExpectEvent("either", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, evt.ID, received.ID)
}

func TestNonMatchingSubscriptionStaysQuiet(t *testing.T) {
	url, _, cleanup, _ := setupRelay(t)
	defer cleanup()

	subscriber, err := testutil.NewWSClient(url)
	require.NoError(t, err)
	defer subscriber.Close()

	publisher, err := testutil.NewWSClient(url)
	require.NoError(t, err)
	defer publisher.Close()

	require.NoError(t, subscriber.SendReq("quiet", &event.Filter{Kinds: []int{9999}}))
	require.NoError(t, subscriber.ExpectEOSE("quiet", 2*time.Second))

	evt, _ := testutil.MustNewTestEvent(1, "not for this subscription", nil)
	require.NoError(t, publisher.SendEvent(evt))
	accepted, _, err := publisher.ExpectOK(evt.ID, 2*time.Second)
	require.NoError(t, err)
	require.True(t, accepted)

	_, err = subscriber.ExpectEvent("quiet", 500*time.Millisecond)
	assert.Error(t, err, "expected no delivery for a non-matching subscription")
}

func TestCloseStopsDelivery(t *testing.T) {
	url, _, cleanup, _ := setupRelay(t)
	defer cleanup()

	subscriber, err := testutil.NewWSClient(url)
	require.NoError(t, err)
	defer subscriber.Close()

	publisher, err := testutil.NewWSClient(url)
	require.NoError(t, err)
	defer publisher.Close()

	require.NoError(t, subscriber.SendReq("fleeting", &event.Filter{Kinds: []int{1}}))
	require.NoError(t, subscriber.ExpectEOSE("fleeting", 2*time.Second))
	require.NoError(t, subscriber.SendClose("fleeting"))

	// give the relay a moment to process the CLOSE
	time.Sleep(100 * time.Millisecond)

	evt, _ := testutil.MustNewTestEvent(1, "after close", nil)
	require.NoError(t, publisher.SendEvent(evt))
	accepted, _, err := publisher.ExpectOK(evt.ID, 2*time.Second)
	require.NoError(t, err)
	require.True(t, accepted)

	_, err = subscriber.ExpectEvent("fleeting", 500*time.Millisecond)
	assert.Error(t, err, "expected no delivery after CLOSE")
}

func TestCloseUnknownSubscriptionIsNoOp(t *testing.T) {
	url, _, cleanup, _ := setupRelay(t)
	defer cleanup()

	client, err := testutil.NewWSClient(url)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SendClose("never-registered"))

	// the connection is still healthy
	evt, _ := testutil.MustNewTestEvent(1, "still alive", nil)
	require.NoError(t, client.SendEvent(evt))
	accepted, _, err := client.ExpectOK(evt.ID, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, accepted)
}

func TestReplacedSubscriptionUsesNewFilters(t *testing.T) {
	url, _, cleanup, _ := setupRelay(t)
	defer cleanup()

	subscriber, err := testutil.NewWSClient(url)
	require.NoError(t, err)
	defer subscriber.Close()

	publisher, err := testutil.NewWSClient(url)
	require.NoError(t, err)
	defer publisher.Close()

	require.NoError(t, subscriber.SendReq("sub", &event.Filter{Kinds: []int{1}}))
	require.NoError(t, subscriber.ExpectEOSE("sub", 2*time.Second))

	// reusing the ID replaces the filters in place
	require.NoError(t, subscriber.SendReq("sub", &event.Filter{Kinds: []int{7}}))
	require.NoError(t, subscriber.ExpectEOSE("sub", 2*time.Second))

	evt, _ := testutil.MustNewTestEvent(1, "matches the old filters only", nil)
	require.NoError(t, publisher.SendEvent(evt))
	accepted, _, err := publisher.ExpectOK(evt.ID, 2*time.Second)
	require.NoError(t, err)
	require.True(t, accepted)

	_, err = subscriber.ExpectEvent("sub", 500*time.Millisecond)
	assert.Error(t, err, "replaced subscription should not use the old filters")
}

func TestMalformedMessageNotice(t *testing.T) {
	url, _, cleanup, _ := setupRelay(t)
	defer cleanup()

	client, err := testutil.NewWSClient(url)
	require.NoError(t, err)
	defer client.Close()

	// consume the welcome notice first
	_, err = client.ExpectNotice(2 * time.Second)
	require.NoError(t, err)

	require.NoError(t, client.SendRaw([]byte("this is not json")))

	notice, err := client.ExpectNotice(2 * time.Second)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(notice, "error:"), "got notice %q", notice)

	// unknown message types get a notice too, connection stays open
	require.NoError(t, client.SendRaw([]byte(`["FROB","x"]`)))
	notice, err = client.ExpectNotice(2 * time.Second)
	require.NoError(t, err)
	assert.Contains(t, notice, "unknown message type")

	evt, _ := testutil.MustNewTestEvent(1, "still works", nil)
	require.NoError(t, client.SendEvent(evt))
	accepted, _, err := client.ExpectOK(evt.ID, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, accepted)
}

func TestNegativeLimitDoesNotKillRelay(t *testing.T) {
	url, _, cleanup, _ := setupRelay(t)
	defer cleanup()

	client, err := testutil.NewWSClient(url)
	require.NoError(t, err)
	defer client.Close()

	evt, _ := testutil.MustNewTestEvent(1, "survivor", nil)
	require.NoError(t, client.SendEvent(evt))
	accepted, _, err := client.ExpectOK(evt.ID, 2*time.Second)
	require.NoError(t, err)
	require.True(t, accepted)

	// a negative limit is decodable but nonsensical; it must be
	// ignored, not crash the connection or the relay
	require.NoError(t, client.SendRaw([]byte(`["REQ","neg",{"limit":-1}]`)))
	events, err := client.CollectEvents("neg", 2*time.Second)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	// relay still accepts traffic on a fresh connection
	other, err := testutil.NewWSClient(url)
	require.NoError(t, err)
	defer other.Close()

	evt2, _ := testutil.MustNewTestEvent(1, "after the bad request", nil)
	require.NoError(t, other.SendEvent(evt2))
	accepted, _, err = other.ExpectOK(evt2.ID, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, accepted)
}

func TestBackfillDeduplicatesAcrossFilters(t *testing.T) {
	url, _, cleanup, _ := setupRelay(t)
	defer cleanup()

	client, err := testutil.NewWSClient(url)
	require.NoError(t, err)
	defer client.Close()

	evt, kp := testutil.MustNewTestEvent(1, "matches both filters", nil)
	require.NoError(t, client.SendEvent(evt))
	accepted, _, err := client.ExpectOK(evt.ID, 2*time.Second)
	require.NoError(t, err)
	require.True(t, accepted)

	require.NoError(t, client.SendReq("dedup",
		&event.Filter{Kinds: []int{1}},
		&event.Filter{Authors: []string{kp.PubKeyHex}},
	))

	events, err := client.CollectEvents("dedup", 2*time.Second)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestInteropWithReferenceImplementation(t *testing.T) {
	url, _, cleanup, _ := setupRelay(t)
	defer cleanup()

	client, err := testutil.NewWSClient(url)
	require.NoError(t, err)
	defer client.Close()

	// an event built and signed by the go-nostr reference library has
	// the same content address this relay computes
	evt := newNostrSignedEvent(t, 1, "hello from go-nostr")

	require.NoError(t, client.SendEvent(evt))
	accepted, msg, err := client.ExpectOK(evt.ID, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, accepted, "reference event rejected: %s", msg)

	require.NoError(t, client.SendReq("interop", &event.Filter{Authors: []string{evt.PubKey}}))
	events, err := client.CollectEvents("interop", 2*time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, evt.ID, events[0].ID)
}
