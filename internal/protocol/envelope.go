// Package protocol implements the pilot wire protocol: JSON envelopes
// addressed by identity string, with a closed verb set and a per-sender
// monotonic id scheme used by the confirm/retry layer.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// Key is an envelope verb. The set is closed; anything else on the wire is
// logged and dropped by the gateway.
type Key string

const (
	KeyHandshake  Key = "HANDSHAKE"
	KeyState      Key = "STATE"
	KeyPing       Key = "PING"
	KeyData       Key = "DATA"
	KeyContinuous Key = "CONTINUOUS"
	KeyStream     Key = "STREAM"
	KeyIncTrial   Key = "INC_TRIAL_COUNTER"
	KeyTaskError  Key = "TASK_ERROR"
	KeyStart      Key = "START"
	KeyStop       Key = "STOP"
	KeyConfirm    Key = "CONFIRM"
)

var knownKeys = map[Key]struct{}{
	KeyHandshake: {}, KeyState: {}, KeyPing: {}, KeyData: {},
	KeyContinuous: {}, KeyStream: {}, KeyIncTrial: {}, KeyTaskError: {},
	KeyStart: {}, KeyStop: {}, KeyConfirm: {},
}

// Known reports whether k belongs to the accepted verb set.
func (k Key) Known() bool {
	_, ok := knownKeys[k]
	return ok
}

// FlagNoRepeat marks an envelope as exempt from the confirm/retry cycle.
// CONFIRM envelopes always carry it.
const FlagNoRepeat = "NOREPEAT"

// DefaultTTL is the resend budget stamped on new envelopes.
const DefaultTTL = 5

// ErrUnknownKey is wrapped by Decode when the verb is outside the closed set.
var ErrUnknownKey = errors.New("unknown envelope key")

// Envelope is one message on the wire. Field names match the legacy pilot
// format, so existing pilot firmware keeps speaking without changes.
type Envelope struct {
	Sender    string          `json:"sender"`
	To        string          `json:"to"`
	Key       Key             `json:"key"`
	Value     interface{}     `json:"value,omitempty"`
	ID        string          `json:"id"`
	Flags     map[string]bool `json:"flags,omitempty"`
	TTL       int             `json:"ttl"`
	Timestamp float64         `json:"timestamp"`
}

// HasFlag reports whether the named flag is set.
func (e *Envelope) HasFlag(name string) bool {
	return e.Flags[name]
}

// SetFlag sets the named flag, allocating the map on first use.
func (e *Envelope) SetFlag(name string) {
	if e.Flags == nil {
		e.Flags = make(map[string]bool, 1)
	}
	e.Flags[name] = true
}

// Encode serializes the envelope to JSON bytes.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", e.ID, err)
	}
	return data, nil
}

// Decode parses and validates an envelope. Envelopes missing sender, to, key
// or id are rejected; verbs outside the closed set are rejected with
// ErrUnknownKey.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch {
	case e.Sender == "":
		return nil, errors.New("envelope missing sender")
	case e.To == "":
		return nil, errors.New("envelope missing to")
	case e.Key == "":
		return nil, errors.New("envelope missing key")
	case e.ID == "":
		return nil, errors.New("envelope missing id")
	}

	if !e.Key.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, e.Key)
	}

	return &e, nil
}

// Builder stamps outbound envelopes for a single sender identity: monotonic
// id, fresh timestamp, default TTL. Safe for concurrent use.
type Builder struct {
	sender  string
	counter atomic.Int64
}

// NewBuilder creates a Builder for the given sender identity.
func NewBuilder(sender string) *Builder {
	return &Builder{sender: sender}
}

// New constructs an envelope ready to transmit. Ids are
// "{sender}_{counter}", counting from zero.
func (b *Builder) New(to string, key Key, value interface{}) *Envelope {
	n := b.counter.Add(1) - 1
	return &Envelope{
		Sender:    b.sender,
		To:        to,
		Key:       key,
		Value:     value,
		ID:        fmt.Sprintf("%s_%d", b.sender, n),
		TTL:       DefaultTTL,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
}

// NewConfirm constructs the acknowledgment for a received envelope: the
// confirmed id rides in value and NOREPEAT is always set.
func (b *Builder) NewConfirm(to, confirmedID string) *Envelope {
	e := b.New(to, KeyConfirm, confirmedID)
	e.SetFlag(FlagNoRepeat)
	return e
}
