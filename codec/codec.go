// Package codec implements component C7: the wire envelope format, the
// tagged-value serialization that lets native-only types (Date, Error,
// BigInt, Map, Set, RegExp, undefined) survive a JSON round trip, 4-byte
// length-prefixed framing, and HMAC-SHA256 envelope signing (spec.md §4.7,
// §6).
package codec

import (
	"encoding/json"
	"fmt"
)

// MessageKind is the closed set of ClusterMessage payload tags (spec.md §3).
type MessageKind string

const (
	KindHeartbeat        MessageKind = "heartbeat"
	KindCall             MessageKind = "call"
	KindCallReply        MessageKind = "call_reply"
	KindCallError        MessageKind = "call_error"
	KindCast             MessageKind = "cast"
	KindRegistrySync     MessageKind = "registry_sync"
	KindNodeDown         MessageKind = "node_down"
	KindSpawnRequest     MessageKind = "spawn_request"
	KindSpawnReply       MessageKind = "spawn_reply"
	KindSpawnError       MessageKind = "spawn_error"
	KindMonitorRequest   MessageKind = "monitor_request"
	KindMonitorAck       MessageKind = "monitor_ack"
	KindDemonitorRequest MessageKind = "demonitor_request"
	KindProcessDown      MessageKind = "process_down"
	KindLinkRequest      MessageKind = "link_request"
	KindLinkAck          MessageKind = "link_ack"
	KindUnlinkRequest    MessageKind = "unlink_request"
	KindExitSignal       MessageKind = "exit_signal"
)

// WireRef is the on-the-wire shape of a process reference.
type WireRef struct {
	ID     string `json:"id"`
	NodeID string `json:"nodeId,omitempty"`
}

// WireReason is the on-the-wire shape of a termination reason.
type WireReason struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
}

type NodeInfo struct {
	NodeID string `json:"nodeId"`
}

type HeartbeatPayload struct {
	NodeInfo   NodeInfo `json:"nodeInfo"`
	KnownNodes []string `json:"knownNodes"`
}

type CallPayload struct {
	CallID    string
	Ref       WireRef
	Msg       any
	TimeoutMs int
	SentAt    int64
}

type CallReplyPayload struct {
	CallID string
	Value  any
}

type CallErrorPayload struct {
	CallID    string
	ErrorType string
	Message   string
}

type CastPayload struct {
	Ref WireRef
	Msg any
}

type RegistrySyncPayload struct {
	Names map[string]WireRef
}

type NodeDownPayload struct {
	NodeID string
	Reason string
}

type SpawnRequestPayload struct {
	SpawnID       string
	BehaviorName  string
	Name          string
	InitTimeoutMs int
	TimeoutMs     int
	Args          []any
}

type SpawnReplyPayload struct {
	SpawnID  string
	ServerID string
	NodeID   string
}

type SpawnErrorPayload struct {
	SpawnID   string
	ErrorType string
	Message   string
}

type MonitorRequestPayload struct {
	MonitorID string
	Target    WireRef
	Watcher   WireRef
}

type MonitorAckPayload struct {
	MonitorID string
	Success   bool
	Reason    string
}

type DemonitorRequestPayload struct {
	MonitorID string
}

type ProcessDownPayload struct {
	MonitorID string
	Ref       WireRef
	Reason    WireReason
}

type LinkRequestPayload struct {
	LinkID string
	A      WireRef
	B      WireRef
}

type LinkAckPayload struct {
	LinkID  string
	Success bool
	Reason  string
}

type UnlinkRequestPayload struct {
	LinkID string
}

type ExitSignalPayload struct {
	LinkID string
	From   WireRef
	To     WireRef
	Reason WireReason
}

// ClusterMessage is the closed discriminated payload union (spec.md §3):
// exactly one of the pointer fields is populated, selected by Kind. A
// tagged struct rather than interface{} keeps dispatch exhaustive and
// compile-time checked, per the re-architecture guidance in spec.md §9.
type ClusterMessage struct {
	Kind MessageKind

	Heartbeat        *HeartbeatPayload
	Call             *CallPayload
	CallReply        *CallReplyPayload
	CallError        *CallErrorPayload
	Cast             *CastPayload
	RegistrySync     *RegistrySyncPayload
	NodeDown         *NodeDownPayload
	SpawnRequest     *SpawnRequestPayload
	SpawnReply       *SpawnReplyPayload
	SpawnError       *SpawnErrorPayload
	MonitorRequest   *MonitorRequestPayload
	MonitorAck       *MonitorAckPayload
	DemonitorRequest *DemonitorRequestPayload
	ProcessDown      *ProcessDownPayload
	LinkRequest      *LinkRequestPayload
	LinkAck          *LinkAckPayload
	UnlinkRequest    *UnlinkRequestPayload
	ExitSignal       *ExitSignalPayload
}

func wrapToRaw(v any) (json.RawMessage, error) {
	wrapped, err := wrap(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wrapped)
}

func unwrapFromRaw(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return unwrap(v)
}

// MarshalJSON renders the message as a flat `{"type": "...", ...fields}`
// object, matching the wire shape in spec.md §6 rather than a nested
// `{"Kind":"call","Call":{...}}` reflection of the Go struct.
func (m ClusterMessage) MarshalJSON() ([]byte, error) {
	switch m.Kind {
	case KindHeartbeat:
		p := m.Heartbeat
		return json.Marshal(struct {
			Type       string   `json:"type"`
			NodeInfo   NodeInfo `json:"nodeInfo"`
			KnownNodes []string `json:"knownNodes"`
		}{"heartbeat", p.NodeInfo, p.KnownNodes})

	case KindCall:
		p := m.Call
		msgRaw, err := wrapToRaw(p.Msg)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Type      string          `json:"type"`
			CallID    string          `json:"callId"`
			Ref       WireRef         `json:"ref"`
			Msg       json.RawMessage `json:"msg"`
			TimeoutMs int             `json:"timeoutMs"`
			SentAt    int64           `json:"sentAt"`
		}{"call", p.CallID, p.Ref, msgRaw, p.TimeoutMs, p.SentAt})

	case KindCallReply:
		p := m.CallReply
		valueRaw, err := wrapToRaw(p.Value)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Type   string          `json:"type"`
			CallID string          `json:"callId"`
			Value  json.RawMessage `json:"value"`
		}{"call_reply", p.CallID, valueRaw})

	case KindCallError:
		p := m.CallError
		return json.Marshal(struct {
			Type      string `json:"type"`
			CallID    string `json:"callId"`
			ErrorType string `json:"errorType"`
			Message   string `json:"message,omitempty"`
		}{"call_error", p.CallID, p.ErrorType, p.Message})

	case KindCast:
		p := m.Cast
		msgRaw, err := wrapToRaw(p.Msg)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Type string          `json:"type"`
			Ref  WireRef         `json:"ref"`
			Msg  json.RawMessage `json:"msg"`
		}{"cast", p.Ref, msgRaw})

	case KindRegistrySync:
		p := m.RegistrySync
		return json.Marshal(struct {
			Type  string             `json:"type"`
			Names map[string]WireRef `json:"names"`
		}{"registry_sync", p.Names})

	case KindNodeDown:
		p := m.NodeDown
		return json.Marshal(struct {
			Type   string `json:"type"`
			NodeID string `json:"nodeId"`
			Reason string `json:"reason"`
		}{"node_down", p.NodeID, p.Reason})

	case KindSpawnRequest:
		p := m.SpawnRequest
		argsRaw, err := wrapToRaw(p.Args)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Type          string          `json:"type"`
			SpawnID       string          `json:"spawnId"`
			BehaviorName  string          `json:"behaviorName"`
			Name          string          `json:"name,omitempty"`
			InitTimeoutMs int             `json:"initTimeoutMs,omitempty"`
			TimeoutMs     int             `json:"timeoutMs,omitempty"`
			Args          json.RawMessage `json:"args,omitempty"`
		}{"spawn_request", p.SpawnID, p.BehaviorName, p.Name, p.InitTimeoutMs, p.TimeoutMs, argsRaw})

	case KindSpawnReply:
		p := m.SpawnReply
		return json.Marshal(struct {
			Type     string `json:"type"`
			SpawnID  string `json:"spawnId"`
			ServerID string `json:"serverId"`
			NodeID   string `json:"nodeId"`
		}{"spawn_reply", p.SpawnID, p.ServerID, p.NodeID})

	case KindSpawnError:
		p := m.SpawnError
		return json.Marshal(struct {
			Type      string `json:"type"`
			SpawnID   string `json:"spawnId"`
			ErrorType string `json:"errorType"`
			Message   string `json:"message,omitempty"`
		}{"spawn_error", p.SpawnID, p.ErrorType, p.Message})

	case KindMonitorRequest:
		p := m.MonitorRequest
		return json.Marshal(struct {
			Type      string  `json:"type"`
			MonitorID string  `json:"monitorId"`
			Target    WireRef `json:"target"`
			Watcher   WireRef `json:"watcher"`
		}{"monitor_request", p.MonitorID, p.Target, p.Watcher})

	case KindMonitorAck:
		p := m.MonitorAck
		return json.Marshal(struct {
			Type      string `json:"type"`
			MonitorID string `json:"monitorId"`
			Success   bool   `json:"success"`
			Reason    string `json:"reason,omitempty"`
		}{"monitor_ack", p.MonitorID, p.Success, p.Reason})

	case KindDemonitorRequest:
		p := m.DemonitorRequest
		return json.Marshal(struct {
			Type      string `json:"type"`
			MonitorID string `json:"monitorId"`
		}{"demonitor_request", p.MonitorID})

	case KindProcessDown:
		p := m.ProcessDown
		return json.Marshal(struct {
			Type      string     `json:"type"`
			MonitorID string     `json:"monitorId"`
			Ref       WireRef    `json:"ref"`
			Reason    WireReason `json:"reason"`
		}{"process_down", p.MonitorID, p.Ref, p.Reason})

	case KindLinkRequest:
		p := m.LinkRequest
		return json.Marshal(struct {
			Type   string  `json:"type"`
			LinkID string  `json:"linkId"`
			A      WireRef `json:"a"`
			B      WireRef `json:"b"`
		}{"link_request", p.LinkID, p.A, p.B})

	case KindLinkAck:
		p := m.LinkAck
		return json.Marshal(struct {
			Type    string `json:"type"`
			LinkID  string `json:"linkId"`
			Success bool   `json:"success"`
			Reason  string `json:"reason,omitempty"`
		}{"link_ack", p.LinkID, p.Success, p.Reason})

	case KindUnlinkRequest:
		p := m.UnlinkRequest
		return json.Marshal(struct {
			Type   string `json:"type"`
			LinkID string `json:"linkId"`
		}{"unlink_request", p.LinkID})

	case KindExitSignal:
		p := m.ExitSignal
		return json.Marshal(struct {
			Type   string     `json:"type"`
			LinkID string     `json:"linkId"`
			From   WireRef    `json:"fromRef"`
			To     WireRef    `json:"toRef"`
			Reason WireReason `json:"reason"`
		}{"exit_signal", p.LinkID, p.From, p.To, p.Reason})

	default:
		return nil, &SerializationError{Op: "encode", Err: fmt.Errorf("unknown message kind %q", m.Kind)}
	}
}

// UnmarshalJSON inverts MarshalJSON: it reads the "type" discriminator then
// decodes into the matching payload struct, unwrapping any tagged dynamic
// fields (msg, value, args) back into native Go values.
func (m *ClusterMessage) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return &SerializationError{Op: "decode", Err: err}
	}

	switch MessageKind(head.Type) {
	case KindHeartbeat:
		var raw struct {
			NodeInfo   NodeInfo `json:"nodeInfo"`
			KnownNodes []string `json:"knownNodes"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return &SerializationError{Op: "decode", Err: err}
		}
		m.Kind = KindHeartbeat
		m.Heartbeat = &HeartbeatPayload{NodeInfo: raw.NodeInfo, KnownNodes: raw.KnownNodes}

	case KindCall:
		var raw struct {
			CallID    string          `json:"callId"`
			Ref       WireRef         `json:"ref"`
			Msg       json.RawMessage `json:"msg"`
			TimeoutMs int             `json:"timeoutMs"`
			SentAt    int64           `json:"sentAt"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return &SerializationError{Op: "decode", Err: err}
		}
		msg, err := unwrapFromRaw(raw.Msg)
		if err != nil {
			return &SerializationError{Op: "decode", Err: err}
		}
		m.Kind = KindCall
		m.Call = &CallPayload{CallID: raw.CallID, Ref: raw.Ref, Msg: msg, TimeoutMs: raw.TimeoutMs, SentAt: raw.SentAt}

	case KindCallReply:
		var raw struct {
			CallID string          `json:"callId"`
			Value  json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return &SerializationError{Op: "decode", Err: err}
		}
		value, err := unwrapFromRaw(raw.Value)
		if err != nil {
			return &SerializationError{Op: "decode", Err: err}
		}
		m.Kind = KindCallReply
		m.CallReply = &CallReplyPayload{CallID: raw.CallID, Value: value}

	case KindCallError:
		var raw struct {
			CallID    string `json:"callId"`
			ErrorType string `json:"errorType"`
			Message   string `json:"message"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return &SerializationError{Op: "decode", Err: err}
		}
		m.Kind = KindCallError
		m.CallError = &CallErrorPayload{CallID: raw.CallID, ErrorType: raw.ErrorType, Message: raw.Message}

	case KindCast:
		var raw struct {
			Ref WireRef         `json:"ref"`
			Msg json.RawMessage `json:"msg"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return &SerializationError{Op: "decode", Err: err}
		}
		msg, err := unwrapFromRaw(raw.Msg)
		if err != nil {
			return &SerializationError{Op: "decode", Err: err}
		}
		m.Kind = KindCast
		m.Cast = &CastPayload{Ref: raw.Ref, Msg: msg}

	case KindRegistrySync:
		var raw struct {
			Names map[string]WireRef `json:"names"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return &SerializationError{Op: "decode", Err: err}
		}
		m.Kind = KindRegistrySync
		m.RegistrySync = &RegistrySyncPayload{Names: raw.Names}

	case KindNodeDown:
		var raw struct {
			NodeID string `json:"nodeId"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return &SerializationError{Op: "decode", Err: err}
		}
		m.Kind = KindNodeDown
		m.NodeDown = &NodeDownPayload{NodeID: raw.NodeID, Reason: raw.Reason}

	case KindSpawnRequest:
		var raw struct {
			SpawnID       string          `json:"spawnId"`
			BehaviorName  string          `json:"behaviorName"`
			Name          string          `json:"name"`
			InitTimeoutMs int             `json:"initTimeoutMs"`
			TimeoutMs     int             `json:"timeoutMs"`
			Args          json.RawMessage `json:"args"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return &SerializationError{Op: "decode", Err: err}
		}
		args, err := unwrapFromRaw(raw.Args)
		if err != nil {
			return &SerializationError{Op: "decode", Err: err}
		}
		argList, _ := args.([]any)
		m.Kind = KindSpawnRequest
		m.SpawnRequest = &SpawnRequestPayload{
			SpawnID: raw.SpawnID, BehaviorName: raw.BehaviorName, Name: raw.Name,
			InitTimeoutMs: raw.InitTimeoutMs, TimeoutMs: raw.TimeoutMs, Args: argList,
		}

	case KindSpawnReply:
		var raw struct {
			SpawnID  string `json:"spawnId"`
			ServerID string `json:"serverId"`
			NodeID   string `json:"nodeId"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return &SerializationError{Op: "decode", Err: err}
		}
		m.Kind = KindSpawnReply
		m.SpawnReply = &SpawnReplyPayload{SpawnID: raw.SpawnID, ServerID: raw.ServerID, NodeID: raw.NodeID}

	case KindSpawnError:
		var raw struct {
			SpawnID   string `json:"spawnId"`
			ErrorType string `json:"errorType"`
			Message   string `json:"message"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return &SerializationError{Op: "decode", Err: err}
		}
		m.Kind = KindSpawnError
		m.SpawnError = &SpawnErrorPayload{SpawnID: raw.SpawnID, ErrorType: raw.ErrorType, Message: raw.Message}

	case KindMonitorRequest:
		var raw struct {
			MonitorID string  `json:"monitorId"`
			Target    WireRef `json:"target"`
			Watcher   WireRef `json:"watcher"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return &SerializationError{Op: "decode", Err: err}
		}
		m.Kind = KindMonitorRequest
		m.MonitorRequest = &MonitorRequestPayload{MonitorID: raw.MonitorID, Target: raw.Target, Watcher: raw.Watcher}

	case KindMonitorAck:
		var raw struct {
			MonitorID string `json:"monitorId"`
			Success   bool   `json:"success"`
			Reason    string `json:"reason"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return &SerializationError{Op: "decode", Err: err}
		}
		m.Kind = KindMonitorAck
		m.MonitorAck = &MonitorAckPayload{MonitorID: raw.MonitorID, Success: raw.Success, Reason: raw.Reason}

	case KindDemonitorRequest:
		var raw struct {
			MonitorID string `json:"monitorId"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return &SerializationError{Op: "decode", Err: err}
		}
		m.Kind = KindDemonitorRequest
		m.DemonitorRequest = &DemonitorRequestPayload{MonitorID: raw.MonitorID}

	case KindProcessDown:
		var raw struct {
			MonitorID string     `json:"monitorId"`
			Ref       WireRef    `json:"ref"`
			Reason    WireReason `json:"reason"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return &SerializationError{Op: "decode", Err: err}
		}
		m.Kind = KindProcessDown
		m.ProcessDown = &ProcessDownPayload{MonitorID: raw.MonitorID, Ref: raw.Ref, Reason: raw.Reason}

	case KindLinkRequest:
		var raw struct {
			LinkID string  `json:"linkId"`
			A      WireRef `json:"a"`
			B      WireRef `json:"b"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return &SerializationError{Op: "decode", Err: err}
		}
		m.Kind = KindLinkRequest
		m.LinkRequest = &LinkRequestPayload{LinkID: raw.LinkID, A: raw.A, B: raw.B}

	case KindLinkAck:
		var raw struct {
			LinkID  string `json:"linkId"`
			Success bool   `json:"success"`
			Reason  string `json:"reason"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return &SerializationError{Op: "decode", Err: err}
		}
		m.Kind = KindLinkAck
		m.LinkAck = &LinkAckPayload{LinkID: raw.LinkID, Success: raw.Success, Reason: raw.Reason}

	case KindUnlinkRequest:
		var raw struct {
			LinkID string `json:"linkId"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return &SerializationError{Op: "decode", Err: err}
		}
		m.Kind = KindUnlinkRequest
		m.UnlinkRequest = &UnlinkRequestPayload{LinkID: raw.LinkID}

	case KindExitSignal:
		var raw struct {
			LinkID string     `json:"linkId"`
			From   WireRef    `json:"fromRef"`
			To     WireRef    `json:"toRef"`
			Reason WireReason `json:"reason"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return &SerializationError{Op: "decode", Err: err}
		}
		m.Kind = KindExitSignal
		m.ExitSignal = &ExitSignalPayload{LinkID: raw.LinkID, From: raw.From, To: raw.To, Reason: raw.Reason}

	default:
		return &SerializationError{Op: "decode", Err: fmt.Errorf("unknown message type %q", head.Type)}
	}
	return nil
}

// Envelope is the outer wire wrapper (spec.md §3, §6).
type Envelope struct {
	Version   uint8           `json:"version"`
	From      string          `json:"from"`
	Timestamp int64           `json:"timestamp"`
	Signature string          `json:"signature,omitempty"`
	Payload   ClusterMessage  `json:"payload"`
}

const envelopeVersion = 1

// EncodeEnvelope marshals env to its wire JSON form. If secret is non-empty,
// the payload is signed and the signature embedded (spec.md §4.7).
func EncodeEnvelope(from string, timestamp int64, payload ClusterMessage, secret string) ([]byte, error) {
	env := Envelope{Version: envelopeVersion, From: from, Timestamp: timestamp, Payload: payload}
	if secret != "" {
		sig, err := Sign(secret, payload)
		if err != nil {
			return nil, &SerializationError{Op: "encode", Err: err}
		}
		env.Signature = sig
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, &SerializationError{Op: "encode", Err: err}
	}
	return data, nil
}

// DecodeEnvelope parses the wire JSON form. When requireSignature is true
// and secret is non-empty, a missing or mismatched signature returns
// SignatureInvalidError; if secret is empty, signatures are never checked
// (spec.md §4.7: "If the local side has no secret, signatures are ignored").
func DecodeEnvelope(data []byte, secret string, requireSignature bool) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &SerializationError{Op: "decode", Err: err}
	}
	if secret != "" && requireSignature {
		if env.Signature == "" {
			return Envelope{}, &SignatureInvalidError{Reason: "missing signature"}
		}
		ok, err := Verify(secret, env.Payload, env.Signature)
		if err != nil {
			return Envelope{}, &SerializationError{Op: "decode", Err: err}
		}
		if !ok {
			return Envelope{}, &SignatureInvalidError{Reason: "signature mismatch"}
		}
	}
	return env, nil
}

// EncodeValue serializes an arbitrary user-level value with the tagged
// wrapper, independent of any envelope (used to round-trip a `call`/`cast`
// `msg` field on its own, e.g. in tests).
func EncodeValue(v any) ([]byte, error) {
	wrapped, err := wrap(v)
	if err != nil {
		return nil, &SerializationError{Op: "encode", Err: err}
	}
	data, err := json.Marshal(wrapped)
	if err != nil {
		return nil, &SerializationError{Op: "encode", Err: err}
	}
	return data, nil
}

// DecodeValue inverts EncodeValue.
func DecodeValue(data []byte) (any, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &SerializationError{Op: "decode", Err: err}
	}
	return unwrap(raw)
}
