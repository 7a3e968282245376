package common

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ValentinKolb/dGrid/lib/lockmgr"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// Addressing, used by every lock request
	Service string `json:"service,omitempty"`
	Object  string `json:"object,omitempty"`
	Key     string `json:"key,omitempty"`

	// Caller identity, used by lock, unlock, is-locked-by and all condition requests
	Owner    string `json:"owner,omitempty"`
	ThreadID int64  `json:"threadId,omitempty"`

	// Durations in milliseconds, 0 means none
	TTL     int64 `json:"ttl,omitempty"`     // Used for: lock, await (lease after wake up)
	Timeout int64 `json:"timeout,omitempty"` // Used for: await

	// Condition fields
	ConditionID string `json:"conditionId,omitempty"` // Used for: await-count, before-await, await, cancel-await, signal
	All         bool   `json:"all,omitempty"`         // Used for: signal
	Ticket      uint64 `json:"ticket,omitempty"`      // Used for: await, cancel-await (withdraw the await with this ticket)

	// Response only fields
	Ok      bool   `json:"ok,omitempty"`      // boolean result
	Count   int64  `json:"count,omitempty"`   // numeric result (depth, remaining ttl, grants)
	Err     string `json:"err,omitempty"`     // Empty if no error, otherwise contains the error message
	ErrCode uint8  `json:"errCode,omitempty"` // lockmgr.Code of Err
}

// Namespace returns the lock namespace addressed by the message.
func (m *Message) Namespace() lockmgr.ObjectNamespace {
	return lockmgr.ObjectNamespace{ServiceName: m.Service, ObjectName: m.Object}
}

// Caller returns the caller identity carried by the message.
func (m *Message) Caller() lockmgr.Caller {
	return lockmgr.Caller{Owner: m.Owner, ThreadID: m.ThreadID}
}

// Error rebuilds the error of a response, nil if there is none.
func (m *Message) Error() error {
	if m.Err == "" && m.ErrCode == 0 {
		return nil
	}
	code := lockmgr.Code(m.ErrCode)
	if code == lockmgr.CodeOK {
		code = lockmgr.CodeInternal
	}
	return lockmgr.ErrorFromCode(code, m.Err)
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

func newRequest(t MessageType, ns lockmgr.ObjectNamespace, key lockmgr.Key) *Message {
	return &Message{
		MsgType: t,
		Service: ns.ServiceName,
		Object:  ns.ObjectName,
		Key:     string(key),
	}
}

func newCallerRequest(t MessageType, ns lockmgr.ObjectNamespace, key lockmgr.Key, caller lockmgr.Caller) *Message {
	msg := newRequest(t, ns, key)
	msg.Owner = caller.Owner
	msg.ThreadID = caller.ThreadID
	return msg
}

// NewLockRequest creates a new Lock request
func NewLockRequest(ns lockmgr.ObjectNamespace, key lockmgr.Key, caller lockmgr.Caller, ttl time.Duration) *Message {
	msg := newCallerRequest(MsgTLock, ns, key, caller)
	msg.TTL = DurationToMillis(ttl)
	return msg
}

// NewUnlockRequest creates a new Unlock request
func NewUnlockRequest(ns lockmgr.ObjectNamespace, key lockmgr.Key, caller lockmgr.Caller) *Message {
	return newCallerRequest(MsgTUnlock, ns, key, caller)
}

// NewForceUnlockRequest creates a new ForceUnlock request
func NewForceUnlockRequest(ns lockmgr.ObjectNamespace, key lockmgr.Key) *Message {
	return newRequest(MsgTForceUnlock, ns, key)
}

// NewIsLockedRequest creates a new IsLocked request
func NewIsLockedRequest(ns lockmgr.ObjectNamespace, key lockmgr.Key) *Message {
	return newRequest(MsgTIsLocked, ns, key)
}

// NewIsLockedByRequest creates a new IsLockedBy request
func NewIsLockedByRequest(ns lockmgr.ObjectNamespace, key lockmgr.Key, caller lockmgr.Caller) *Message {
	return newCallerRequest(MsgTIsLockedBy, ns, key, caller)
}

// NewLockCountRequest creates a new LockCount request
func NewLockCountRequest(ns lockmgr.ObjectNamespace, key lockmgr.Key) *Message {
	return newRequest(MsgTLockCount, ns, key)
}

// NewRemainingTTLRequest creates a new RemainingTTL request
func NewRemainingTTLRequest(ns lockmgr.ObjectNamespace, key lockmgr.Key) *Message {
	return newRequest(MsgTRemainingTTL, ns, key)
}

// NewAwaitCountRequest creates a new AwaitCount request
func NewAwaitCountRequest(ns lockmgr.ObjectNamespace, key lockmgr.Key, conditionID string) *Message {
	msg := newRequest(MsgTAwaitCount, ns, key)
	msg.ConditionID = conditionID
	return msg
}

// NewBeforeAwaitRequest creates a new BeforeAwait request
func NewBeforeAwaitRequest(ns lockmgr.ObjectNamespace, key lockmgr.Key, conditionID string, caller lockmgr.Caller) *Message {
	msg := newCallerRequest(MsgTBeforeAwait, ns, key, caller)
	msg.ConditionID = conditionID
	return msg
}

// NewAwaitRequest creates a new Await request
func NewAwaitRequest(ns lockmgr.ObjectNamespace, key lockmgr.Key, conditionID string, caller lockmgr.Caller, timeout, ttl time.Duration) *Message {
	msg := newCallerRequest(MsgTAwait, ns, key, caller)
	msg.ConditionID = conditionID
	msg.Timeout = DurationToMillis(timeout)
	msg.TTL = DurationToMillis(ttl)
	return msg
}

// NewCancelAwaitRequest creates a new CancelAwait request
func NewCancelAwaitRequest(ns lockmgr.ObjectNamespace, key lockmgr.Key, conditionID string, caller lockmgr.Caller) *Message {
	msg := newCallerRequest(MsgTCancelAwait, ns, key, caller)
	msg.ConditionID = conditionID
	return msg
}

// NewTicketAwaitRequest creates a new Await request that can be withdrawn
// with NewWithdrawAwaitRequest and the same ticket
func NewTicketAwaitRequest(ns lockmgr.ObjectNamespace, key lockmgr.Key, conditionID string, caller lockmgr.Caller, ticket uint64, timeout, ttl time.Duration) *Message {
	msg := NewAwaitRequest(ns, key, conditionID, caller, timeout, ttl)
	msg.Ticket = ticket
	return msg
}

// NewWithdrawAwaitRequest creates a CancelAwait request for the await with ticket
func NewWithdrawAwaitRequest(ns lockmgr.ObjectNamespace, key lockmgr.Key, conditionID string, caller lockmgr.Caller, ticket uint64) *Message {
	msg := NewCancelAwaitRequest(ns, key, conditionID, caller)
	msg.Ticket = ticket
	return msg
}

// NewSignalRequest creates a new Signal request, all selects signal-all
func NewSignalRequest(ns lockmgr.ObjectNamespace, key lockmgr.Key, conditionID string, caller lockmgr.Caller, all bool) *Message {
	msg := newCallerRequest(MsgTSignal, ns, key, caller)
	msg.ConditionID = conditionID
	msg.All = all
	return msg
}

// NewResponse creates the response to a request of type t from the result
// of a lock operation
func NewResponse(t MessageType, r lockmgr.Response) *Message {
	if r.Err != nil {
		return NewErrorResponse(t, r.Err)
	}
	return &Message{
		MsgType: t,
		Ok:      r.Value,
		Count:   r.Count,
	}
}

// NewErrorResponse creates a response carrying err and its error code
func NewErrorResponse(t MessageType, err error) *Message {
	msg := &Message{MsgType: t}
	if err != nil {
		msg.Err = err.Error()
		msg.ErrCode = uint8(lockmgr.ErrorCode(err))
	}
	return msg
}

// --------------------------------------------------------------------------
// Durations
// --------------------------------------------------------------------------

// DurationToMillis converts d to whole milliseconds for the wire. d <= 0 maps
// to 0 (none) and a positive d is rounded up, so a short ttl never turns into
// "never expires".
func DurationToMillis(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	ms := int64(d / time.Millisecond)
	if d%time.Millisecond != 0 {
		ms++
	}
	return ms
}

// MillisToDuration is the inverse of DurationToMillis.
func MillisToDuration(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	if ms > int64(1<<63-1)/int64(time.Millisecond) {
		return time.Duration(1<<63 - 1)
	}
	return time.Duration(ms) * time.Millisecond
}

// --------------------------------------------------------------------------
// Message Type
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types
	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// Lock operations
	MsgTLock         // Acquire a lock
	MsgTUnlock       // Release one level of a lock
	MsgTForceUnlock  // Release a lock regardless of the owner
	MsgTIsLocked     // Check if a lock is held
	MsgTIsLockedBy   // Check if a lock is held by the caller
	MsgTLockCount    // Reentrancy depth of a lock
	MsgTRemainingTTL // Remaining lease of a lock

	// Condition operations
	MsgTAwaitCount  // Number of blocked waiters
	MsgTBeforeAwait // Register a waiter
	MsgTAwait       // Release the lock and wait for a signal
	MsgTCancelAwait // Withdraw a waiter
	MsgTSignal      // Signal one or all waiters
)

var messageTypeNames = map[MessageType]string{
	MsgTSuccess:      "success",
	MsgTError:        "error",
	MsgTLock:         lockmgr.OpLock,
	MsgTUnlock:       lockmgr.OpUnlock,
	MsgTForceUnlock:  lockmgr.OpForceUnlock,
	MsgTIsLocked:     lockmgr.OpIsLocked,
	MsgTIsLockedBy:   lockmgr.OpIsLockedBy,
	MsgTLockCount:    lockmgr.OpGetLockCount,
	MsgTRemainingTTL: lockmgr.OpGetRemainingTTL,
	MsgTAwaitCount:   lockmgr.OpGetAwaitCount,
	MsgTBeforeAwait:  lockmgr.OpBeforeAwait,
	MsgTAwait:        lockmgr.OpAwait,
	MsgTCancelAwait:  lockmgr.OpCancelAwait,
	MsgTSignal:       lockmgr.OpSignal,
}

var messageTypesByName = func() map[string]MessageType {
	m := make(map[string]MessageType, len(messageTypeNames))
	for t, name := range messageTypeNames {
		m[name] = t
	}
	return m
}()

// MessageTypes returns all request and response types, in wire order.
func MessageTypes() []MessageType {
	types := make([]MessageType, 0, len(messageTypeNames))
	for t := MsgTSuccess; t <= MsgTSignal; t++ {
		types = append(types, t)
	}
	return types
}

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseMessageType converts the name of a message type back to its value.
func ParseMessageType(s string) (MessageType, error) {
	if t, ok := messageTypesByName[s]; ok {
		return t, nil
	}
	return MsgTUnknown, fmt.Errorf("unknown message type: %s", s)
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseMessageType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
