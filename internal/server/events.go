// Package server defines the gateway wire protocol: the closed set of
// inbound events a client may send and the outbound events the gateway
// emits. Every frame is a JSON object tagged by its "type" field.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// EventType is the value of a frame's "type" field.
type EventType string

// Inbound event types.
const (
	TypeAuthenticate      EventType = "authenticate"
	TypeSendMessage       EventType = "send_message"
	TypeCreatePrivateRoom EventType = "create_private_room"
	TypeJoinPrivateRoom   EventType = "join_private_room"
	TypeLeavePrivateRoom  EventType = "leave_private_room"
	TypeEndRoom           EventType = "end_room"
	TypeRoomMessage       EventType = "room_message"
)

// Outbound event types. room_message is shared with the inbound set.
const (
	TypeAuthenticated  EventType = "authenticated"
	TypeError          EventType = "error"
	TypeNewMessage     EventType = "new_message"
	TypeRoomCreated    EventType = "room_created"
	TypeJoinedRoom     EventType = "joined_room"
	TypeUserJoinedRoom EventType = "user_joined_room"
	TypeLeftRoom       EventType = "left_room"
	TypeUserLeftRoom   EventType = "user_left_room"
	TypeRoomExpired    EventType = "room_expired"
	TypeRoomEnded      EventType = "room_ended"
	TypeRoomNotFound   EventType = "room_not_found"
)

var (
	// ErrMalformedFrame is returned for frames that are not a JSON object
	// with a string "type", or whose fields have the wrong shape.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownEventType is returned for a well-formed frame whose type is
	// not part of the inbound catalogue.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrInvalidRoomEvent marks a room event whose fields have the wrong
	// shape. It always wraps ErrMalformedFrame.
	ErrInvalidRoomEvent = errors.New("invalid room event")
)

// InboundEvent is implemented only by the event types in this file.
type InboundEvent interface {
	Type() EventType
	inbound()
}

// roomEvent is the subset of inbound events handled by the RoomManager.
type roomEvent interface {
	InboundEvent
	roomID() string
}

// Authenticate is the mandatory first frame of every connection.
type Authenticate struct {
	Token string `json:"token"`
}

// SendMessage asks the gateway to persist and deliver a direct message.
type SendMessage struct {
	RecipientID int64  `json:"recipient_id"`
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
}

// CreatePrivateRoom creates a room (if absent) and joins the caller to it.
type CreatePrivateRoom struct {
	RoomID string `json:"room_id"`
}

// JoinPrivateRoom joins an existing room.
type JoinPrivateRoom struct {
	RoomID string `json:"room_id"`
}

// LeavePrivateRoom leaves a room.
type LeavePrivateRoom struct {
	RoomID string `json:"room_id"`
}

// EndRoom tears a room down. Only its creator may send it.
type EndRoom struct {
	RoomID string `json:"room_id"`
}

// RoomMessage relays an opaque payload to the other members of a room.
type RoomMessage struct {
	RoomID  string `json:"room_id"`
	Payload any    `json:"payload"`
}

func (Authenticate) Type() EventType      { return TypeAuthenticate }
func (SendMessage) Type() EventType       { return TypeSendMessage }
func (CreatePrivateRoom) Type() EventType { return TypeCreatePrivateRoom }
func (JoinPrivateRoom) Type() EventType   { return TypeJoinPrivateRoom }
func (LeavePrivateRoom) Type() EventType  { return TypeLeavePrivateRoom }
func (EndRoom) Type() EventType           { return TypeEndRoom }
func (RoomMessage) Type() EventType       { return TypeRoomMessage }

func (Authenticate) inbound()      {}
func (SendMessage) inbound()       {}
func (CreatePrivateRoom) inbound() {}
func (JoinPrivateRoom) inbound()   {}
func (LeavePrivateRoom) inbound()  {}
func (EndRoom) inbound()           {}
func (RoomMessage) inbound()       {}

func (e CreatePrivateRoom) roomID() string { return e.RoomID }
func (e JoinPrivateRoom) roomID() string   { return e.RoomID }
func (e LeavePrivateRoom) roomID() string  { return e.RoomID }
func (e EndRoom) roomID() string           { return e.RoomID }
func (e RoomMessage) roomID() string       { return e.RoomID }

// DecodeFrame parses a raw text frame into its inbound event. Field values
// are decoded leniently: ids may arrive as JSON numbers or numeric strings.
func DecodeFrame(raw []byte) (InboundEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: frame is not an object", ErrMalformedFrame)
	}
	typ, ok := fields["type"].(string)
	if !ok || typ == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	switch EventType(typ) {
	case TypeAuthenticate:
		return decodeAs[Authenticate](fields)
	case TypeSendMessage:
		return decodeAs[SendMessage](fields)
	case TypeCreatePrivateRoom:
		return decodeRoom[CreatePrivateRoom](fields)
	case TypeJoinPrivateRoom:
		return decodeRoom[JoinPrivateRoom](fields)
	case TypeLeavePrivateRoom:
		return decodeRoom[LeavePrivateRoom](fields)
	case TypeEndRoom:
		return decodeRoom[EndRoom](fields)
	case TypeRoomMessage:
		return decodeRoom[RoomMessage](fields)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, typ)
	}
}

func decodeAs[T InboundEvent](fields map[string]any) (InboundEvent, error) {
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return out, nil
}

func decodeRoom[T roomEvent](fields map[string]any) (InboundEvent, error) {
	ev, err := decodeAs[T](fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRoomEvent, err)
	}
	return ev, nil
}

// AuthenticatedEvent confirms a successful handshake.
type AuthenticatedEvent struct {
	Type   EventType `json:"type"`
	UserID int64     `json:"user_id"`
}

// ErrorEvent reports a rejected request. The connection stays open.
type ErrorEvent struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
}

// NewMessageData is the body of a new_message event.
type NewMessageData struct {
	ID             int64  `json:"id"`
	SenderID       int64  `json:"sender_id"`
	RecipientID    int64  `json:"recipient_id"`
	ConversationID int64  `json:"conversation_id"`
	Content        string `json:"content"`
	MessageType    string `json:"message_type"`
	CreatedAt      string `json:"created_at"`
	SenderAvatar   string `json:"sender_avatar"`
}

// NewMessageEvent delivers a persisted direct message.
type NewMessageEvent struct {
	Type EventType      `json:"type"`
	Data NewMessageData `json:"data"`
}

// RoomEvent carries only a room id: room_created, left_room, room_expired,
// room_ended and room_not_found.
type RoomEvent struct {
	Type   EventType `json:"type"`
	RoomID string    `json:"room_id"`
}

// RoomStateEvent reports membership and TTL state: joined_room,
// user_joined_room and user_left_room. IsCreator is only set on
// joined_room. ExpiresIn is null until the TTL starts.
type RoomStateEvent struct {
	Type       EventType `json:"type"`
	RoomID     string    `json:"room_id"`
	UserCount  int       `json:"user_count"`
	TTLStarted bool      `json:"ttl_started"`
	ExpiresIn  *int      `json:"expires_in"`
	IsCreator  *bool     `json:"is_creator,omitempty"`
}

// RoomMessageEvent is a payload relayed to the other members of a room.
type RoomMessageEvent struct {
	Type      EventType `json:"type"`
	RoomID    string    `json:"room_id"`
	Payload   any       `json:"payload"`
	SenderID  int64     `json:"sender_id"`
	Timestamp string    `json:"timestamp"`
}

func errorEvent(msg string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Message: msg}
}

func roomEventOf(t EventType, roomID string) RoomEvent {
	return RoomEvent{Type: t, RoomID: roomID}
}

// encodeEvent marshals an outbound event. Pre-encoded JSON ([]byte or
// json.RawMessage) is passed through after validation.
func encodeEvent(event any) ([]byte, error) {
	switch v := event.(type) {
	case nil:
		return nil, errors.New("nil event")
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("event is not valid JSON")
		}
		return []byte(v), nil
	case []byte:
		if !json.Valid(v) {
			return nil, errors.New("event is not valid JSON")
		}
		return v, nil
	default:
		return json.Marshal(event)
	}
}
