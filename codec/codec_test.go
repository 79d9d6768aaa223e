package codec

import (
	"math"
	"math/big"
	"testing"
	"time"
)

// TestValueRoundTrip implements scenario S3 (spec.md §8): encode, frame,
// unframe, decode the msg value of a cast payload, carrying every supported
// native-only type, and confirm the decoded value matches the input.
func TestValueRoundTrip(t *testing.T) {
	date := time.UnixMilli(1706000000000).UTC()
	msg := map[string]any{
		"d":   date,
		"e":   &WireError{Name: "Error", Message: "boom"},
		"big": big.NewInt(0).SetInt64(9007199254740993),
		"m":   JSMap{{Key: "k", Value: "v"}},
		"s":   JSSet{float64(1), float64(2)},
		"r":   Regexp{Source: "a+", Flags: "gi"},
		"u":   Undefined{},
	}

	encoded, err := EncodeValue(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	framed, err := Frame(encoded)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}

	dec := NewFrameDecoder()
	frames, err := dec.Push(framed)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}

	decoded, err := DecodeValue(frames[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	out, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("expected map[string]any, got %T", decoded)
	}

	gotDate, ok := out["d"].(time.Time)
	if !ok || !gotDate.Equal(date) {
		t.Fatalf("date mismatch: %v", out["d"])
	}
	gotErr, ok := out["e"].(*WireError)
	if !ok || gotErr.Name != "Error" || gotErr.Message != "boom" {
		t.Fatalf("error mismatch: %#v", out["e"])
	}
	gotBig, ok := out["big"].(*big.Int)
	if !ok || gotBig.String() != "9007199254740993" {
		t.Fatalf("bigint mismatch: %v", out["big"])
	}
	gotMap, ok := out["m"].(JSMap)
	if !ok || len(gotMap) != 1 || gotMap[0].Key != "k" || gotMap[0].Value != "v" {
		t.Fatalf("map mismatch: %#v", out["m"])
	}
	gotSet, ok := out["s"].(JSSet)
	if !ok || len(gotSet) != 2 {
		t.Fatalf("set mismatch: %#v", out["s"])
	}
	gotRegexp, ok := out["r"].(Regexp)
	if !ok || gotRegexp.Source != "a+" || gotRegexp.Flags != "gi" {
		t.Fatalf("regexp mismatch: %#v", out["r"])
	}
	if _, ok := out["u"].(Undefined); !ok {
		t.Fatalf("undefined mismatch: %#v", out["u"])
	}
}

func TestNumberSentinelsRoundTrip(t *testing.T) {
	vals := []float64{
		math.NaN(),
		math.Inf(1),
		math.Inf(-1),
		3.5,
	}
	for _, v := range vals {
		data, err := EncodeValue(v)
		if err != nil {
			t.Fatalf("encode %v: %v", v, err)
		}
		decoded, err := DecodeValue(data)
		if err != nil {
			t.Fatalf("decode %v: %v", v, err)
		}
		got, ok := decoded.(float64)
		if !ok {
			t.Fatalf("expected float64, got %T", decoded)
		}
		if math.IsNaN(v) {
			if !math.IsNaN(got) {
				t.Fatalf("expected NaN, got %v", got)
			}
			continue
		}
		if got != v {
			t.Fatalf("expected %v, got %v", v, got)
		}
	}
}

// TestEnvelopeRoundTripWithSignature exercises the signed-envelope path for
// a cast message end to end through MarshalJSON/UnmarshalJSON.
func TestEnvelopeRoundTripWithSignature(t *testing.T) {
	payload := ClusterMessage{
		Kind: KindCast,
		Cast: &CastPayload{Ref: WireRef{ID: "x", NodeID: "a@h:1"}, Msg: map[string]any{"n": float64(41)}},
	}

	data, err := EncodeEnvelope("a@h:1", 1706000000000, payload, "top-secret")
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}

	env, err := DecodeEnvelope(data, "top-secret", true)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Payload.Kind != KindCast {
		t.Fatalf("expected cast, got %s", env.Payload.Kind)
	}
	if env.Payload.Cast.Ref.ID != "x" {
		t.Fatalf("ref mismatch: %+v", env.Payload.Cast.Ref)
	}
}

// TestEnvelopeRejectsBadSignature implements testable property 8 (spec.md §8).
func TestEnvelopeRejectsBadSignature(t *testing.T) {
	payload := ClusterMessage{Kind: KindUnlinkRequest, UnlinkRequest: &UnlinkRequestPayload{LinkID: "l1"}}
	data, err := EncodeEnvelope("a@h:1", 1, payload, "secret-a")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeEnvelope(data, "secret-b", true); err == nil {
		t.Fatalf("expected signature rejection with mismatched secret")
	}
}

func TestFrameDecoderHandlesFragmentation(t *testing.T) {
	encoded, _ := EncodeValue("hello")
	framed, _ := Frame(encoded)

	dec := NewFrameDecoder()
	frames, err := dec.Push(framed[:2])
	if err != nil {
		t.Fatalf("push partial: %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("expected no complete frames yet, got %d", len(frames))
	}

	frames, err = dec.Push(framed[2:])
	if err != nil {
		t.Fatalf("push rest: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
}
