package server

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want InboundEvent
	}{
		{
			name: "authenticate",
			raw:  `{"type":"authenticate","token":"abc"}`,
			want: Authenticate{Token: "abc"},
		},
		{
			name: "send_message with numeric recipient",
			raw:  `{"type":"send_message","recipient_id":42,"content":"hi","message_type":"image"}`,
			want: SendMessage{RecipientID: 42, Content: "hi", MessageType: "image"},
		},
		{
			name: "send_message with string recipient",
			raw:  `{"type":"send_message","recipient_id":"42","content":"hi"}`,
			want: SendMessage{RecipientID: 42, Content: "hi"},
		},
		{
			name: "large user id keeps precision",
			raw:  `{"type":"send_message","recipient_id":9007199254740993,"content":"hi"}`,
			want: SendMessage{RecipientID: 9007199254740993, Content: "hi"},
		},
		{
			name: "create room",
			raw:  `{"type":"create_private_room","room_id":"abc123"}`,
			want: CreatePrivateRoom{RoomID: "abc123"},
		},
		{
			name: "numeric room id",
			raw:  `{"type":"join_private_room","room_id":77}`,
			want: JoinPrivateRoom{RoomID: "77"},
		},
		{
			name: "leave room",
			raw:  `{"type":"leave_private_room","room_id":"r"}`,
			want: LeavePrivateRoom{RoomID: "r"},
		},
		{
			name: "end room",
			raw:  `{"type":"end_room","room_id":"r"}`,
			want: EndRoom{RoomID: "r"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeFrame([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %#v, got %#v", tt.want, got)
			}
		})
	}
}

func TestDecodeRoomMessageKeepsPayload(t *testing.T) {
	ev, err := DecodeFrame([]byte(`{"type":"room_message","room_id":"r","payload":{"sdp":"v=0","n":[1,2]}}`))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	msg, ok := ev.(RoomMessage)
	if !ok {
		t.Fatalf("Expected RoomMessage, got %T", ev)
	}

	out, err := json.Marshal(msg.Payload)
	if err != nil {
		t.Fatalf("Failed to re-encode payload: %v", err)
	}
	if string(out) != `{"n":[1,2],"sdp":"v=0"}` {
		t.Errorf("Unexpected payload: %s", out)
	}
}

func TestDecodeFrameErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `{nope`, ErrMalformedFrame},
		{"not an object", `[1,2]`, ErrMalformedFrame},
		{"null", `null`, ErrMalformedFrame},
		{"missing type", `{"token":"abc"}`, ErrMalformedFrame},
		{"non-string type", `{"type":5}`, ErrMalformedFrame},
		{"unknown type", `{"type":"dance"}`, ErrUnknownEventType},
		{"bad recipient", `{"type":"send_message","recipient_id":"bob","content":"x"}`, ErrMalformedFrame},
		{"object room id", `{"type":"join_private_room","room_id":{"x":1}}`, ErrInvalidRoomEvent},
		{"array room id", `{"type":"leave_private_room","room_id":[1]}`, ErrInvalidRoomEvent},
		{"room event is still malformed", `{"type":"end_room","room_id":{"x":1}}`, ErrMalformedFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame([]byte(tt.raw))
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestDecodeFrameSendMessageIsNotARoomError(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"type":"send_message","recipient_id":{"x":1},"content":"x"}`))
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("Expected malformed frame, got %v", err)
	}
	if errors.Is(err, ErrInvalidRoomEvent) {
		t.Error("Expected send_message errors not to be reported as room errors")
	}
}

func TestRoomStateEventEncoding(t *testing.T) {
	isCreator := true
	out, err := encodeEvent(RoomStateEvent{
		Type:      TypeJoinedRoom,
		RoomID:    "r",
		UserCount: 1,
		IsCreator: &isCreator,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want := `{"type":"joined_room","room_id":"r","user_count":1,"ttl_started":false,"expires_in":null,"is_creator":true}`
	if string(out) != want {
		t.Errorf("Expected %s, got %s", want, out)
	}

	out, err = encodeEvent(RoomStateEvent{Type: TypeUserLeftRoom, RoomID: "r", UserCount: 1})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want = `{"type":"user_left_room","room_id":"r","user_count":1,"ttl_started":false,"expires_in":null}`
	if string(out) != want {
		t.Errorf("Expected %s, got %s", want, out)
	}
}

func TestEncodeEventRejectsInvalidRawJSON(t *testing.T) {
	if _, err := encodeEvent(json.RawMessage(`{"type":`)); err == nil {
		t.Error("Expected invalid raw JSON to be rejected")
	}
	if _, err := encodeEvent(nil); err == nil {
		t.Error("Expected nil event to be rejected")
	}
	out, err := encodeEvent([]byte(`{"type":"x"}`))
	if err != nil || string(out) != `{"type":"x"}` {
		t.Errorf("Expected raw JSON to pass through, got %s (%v)", out, err)
	}
}
