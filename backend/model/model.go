package model

import (
	"encoding/json"
)

// Channels of the relay protocol.
const (
	ChannelJoinRoom        = "join_room"
	ChannelInitialEvents   = "initial_events"
	ChannelProctoringEvent = "proctoring_event"
	ChannelAlert           = "alert"
	ChannelVideoFrame      = "video_frame"
	ChannelStreamChunk     = "stream_chunk"
	ChannelStreamChunkAck  = "stream_chunk_ack"
	ChannelError           = "error"
)

// Error codes carried by ChannelError envelopes.
const (
	ErrorCodeNotJoined      = "not_joined"
	ErrorCodeMalformed      = "malformed_payload"
	ErrorCodeUnknownChannel = "unknown_channel"
	ErrorCodeInternal       = "internal"
)

// Envelope is an outbound message. Payload is encoded as "data".
type Envelope struct {
	Channel string `json:"channel"`
	RoomID  string `json:"roomId,omitempty"`
	Payload any    `json:"data,omitempty"`
}

// Inbound is a message received from a client. Data is decoded lazily
// depending on the channel.
type Inbound struct {
	Channel string          `json:"channel"`
	RoomID  string          `json:"roomId,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type Frame struct {
	Frame json.RawMessage `json:"frame"`
}

type Chunk struct {
	Chunk []byte `json:"chunk"`
}

type ChunkAck struct {
	Bytes int `json:"bytes"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type RoomStats struct {
	ID     string `json:"roomId"`
	Events int    `json:"events"`
	Peers  int    `json:"peers"`
}

// Wire is the outbound queue of a single session.
type Wire struct {
	TX chan Envelope
}

func NewWire(size int) Wire {
	return Wire{
		TX: make(chan Envelope, size),
	}
}

func NewError(code, msg string) Envelope {
	return Envelope{
		Channel: ChannelError,
		Payload: ErrorPayload{
			Code:    code,
			Message: msg,
		},
	}
}
