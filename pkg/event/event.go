package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// KindDeletion is the event kind reserved for deletion requests (NIP-09).
const KindDeletion = 5

// Event represents a Nostr event as defined in NIP-01.
// Events are immutable once accepted: the ID is the content address of
// the remaining fields and is used as the primary key everywhere.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Filter represents a subscription filter as defined in NIP-01.
//
// Field presence, not non-emptiness, decides whether a dimension
// constrains the result: a nil Kinds slice asserts nothing, while an
// explicitly empty one ("kinds": []) matches no event at all. The same
// holds for Authors and for every tag key. Limit is the exception:
// only a positive value truncates, zero and negative are unset.
type Filter struct {
	Kinds   []int               `json:"kinds,omitempty"`
	Authors []string            `json:"authors,omitempty"`
	Tags    map[string][]string `json:"-"`
	Since   *int64              `json:"since,omitempty"`
	Until   *int64              `json:"until,omitempty"`
	Limit   *int                `json:"limit,omitempty"`
}

// UnmarshalJSON implements a custom unmarshaler for Filter that picks
// up the dynamic "#<tagname>" keys alongside the fixed fields.
func (f *Filter) UnmarshalJSON(data []byte) error {
	type alias Filter
	aux := &struct {
		*alias
	}{alias: (*alias)(f)}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	for key, value := range m {
		if len(key) > 1 && key[0] == '#' {
			var tagValues []string
			if err := json.Unmarshal(value, &tagValues); err != nil {
				return fmt.Errorf("invalid tag value for %s: %w", key, err)
			}
			if f.Tags == nil {
				f.Tags = make(map[string][]string)
			}
			// An empty "#x": [] list still participates in matching.
			if tagValues == nil {
				tagValues = []string{}
			}
			f.Tags[key[1:]] = tagValues
		}
	}

	return nil
}

// MarshalJSON emits tag constraints back as "#<tagname>" keys so a
// filter round-trips through its wire form.
func (f *Filter) MarshalJSON() ([]byte, error) {
	type alias Filter
	raw, err := json.Marshal((*alias)(f))
	if err != nil {
		return nil, err
	}

	if len(f.Tags) == 0 {
		return raw, nil
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	for name, values := range f.Tags {
		encoded, err := json.Marshal(values)
		if err != nil {
			return nil, err
		}
		m["#"+name] = encoded
	}
	return json.Marshal(m)
}

// Validate checks structural completeness and the content address.
//
// Absence is checked falsy-style: a kind or created_at of 0 is
// indistinguishable from a missing field and is rejected.
//
// The signature is NOT verified cryptographically; only the ID hash is
// checked. See VerifySignature for the opt-in check.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("missing id")
	}
	if e.PubKey == "" {
		return fmt.Errorf("missing pubkey")
	}
	if e.CreatedAt == 0 {
		return fmt.Errorf("missing created_at")
	}
	if e.Kind == 0 {
		return fmt.Errorf("missing kind")
	}
	if e.Sig == "" {
		return fmt.Errorf("missing sig")
	}

	computedID, err := e.ComputeID()
	if err != nil {
		return fmt.Errorf("failed to compute ID: %w", err)
	}
	if e.ID != computedID {
		return fmt.Errorf("ID does not match computed hash")
	}

	return nil
}

// ComputeID computes the event ID according to NIP-01.
func (e *Event) ComputeID() (string, error) {
	serialized, err := e.Serialize()
	if err != nil {
		return "", err
	}

	hash := sha256.Sum256([]byte(serialized))
	return hex.EncodeToString(hash[:]), nil
}

// Serialize creates the canonical serialization for ID computation:
// [0,<pubkey>,<created_at>,<kind>,<tags>,<content>]
func (e *Event) Serialize() (string, error) {
	tags := e.Tags
	if tags == nil {
		tags = [][]string{}
	}

	data := []interface{}{
		0,
		e.PubKey,
		e.CreatedAt,
		e.Kind,
		tags,
		e.Content,
	}

	serialized, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to serialize event: %w", err)
	}

	return string(serialized), nil
}

// VerifySignature verifies the Schnorr signature over the event ID.
// The relay does not call this on the accept path; Validate covers
// content-addressing only.
func (e *Event) VerifySignature() error {
	pubKeyBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return fmt.Errorf("invalid pubkey hex: %w", err)
	}
	if len(pubKeyBytes) != 32 {
		return fmt.Errorf("pubkey must be 32 bytes")
	}

	// x-only pubkey format (BIP-340)
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return fmt.Errorf("invalid pubkey: %w", err)
	}

	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sigBytes) != 64 {
		return fmt.Errorf("signature must be 64 bytes")
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}

	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return fmt.Errorf("invalid ID hex: %w", err)
	}

	if !sig.Verify(idBytes, pubKey) {
		return fmt.Errorf("signature verification failed")
	}

	return nil
}

// Matches checks if the event matches the given filter. All asserted
// fields must hold (logical AND); within one field any listed value
// suffices (logical OR).
func (e *Event) Matches(f *Filter) bool {
	if f.Kinds != nil {
		match := false
		for _, kind := range f.Kinds {
			if e.Kind == kind {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	if f.Authors != nil {
		match := false
		for _, author := range f.Authors {
			if e.PubKey == author {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	for tagName, filterValues := range f.Tags {
		found := false
		for _, filterValue := range filterValues {
			if e.hasTag(tagName, filterValue) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	// since/until are inclusive bounds on created_at
	if f.Since != nil && e.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && e.CreatedAt > *f.Until {
		return false
	}

	return true
}

// hasTag checks if the event carries a tag with the given name and value.
func (e *Event) hasTag(name, value string) bool {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name && tag[1] == value {
			return true
		}
	}
	return false
}

// GetTagValues returns all values for a given tag name.
func (e *Event) GetTagValues(tagName string) []string {
	var values []string
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == tagName {
			values = append(values, tag[1])
		}
	}
	return values
}

// IsDeletion checks if this is a deletion request (kind 5).
func (e *Event) IsDeletion() bool {
	return e.Kind == KindDeletion
}

// DeletionTargets returns the event IDs a deletion request refers to
// via its "e" tags. Returns nil for non-deletion events.
func (e *Event) DeletionTargets() []string {
	if !e.IsDeletion() {
		return nil
	}
	return e.GetTagValues("e")
}
