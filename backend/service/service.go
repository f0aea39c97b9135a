package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adwski/proctor-relay/backend/metrics"
	"github.com/adwski/proctor-relay/backend/model"
	"github.com/adwski/proctor-relay/backend/storage/memory"
	"github.com/rs/zerolog"
)

var (
	ErrNotJoined      = errors.New("session has not joined a room")
	ErrInvalidRoom    = errors.New("invalid room id")
	ErrUnknownSession = errors.New("unknown session")
	ErrSessionExists  = errors.New("session is already connected")
	ErrChunk          = errors.New("unable to store chunk")
)

type (
	RoomRegistry interface {
		GetOrCreate(roomID string) *memory.Room
		Get(roomID string) (*memory.Room, bool)
		Len() int
	}

	Switch interface {
		Connect(session string, wire model.Wire) bool
		Disconnect(session string)
		Send(dst string, env model.Envelope) bool
		Multicast(dsts []string, env model.Envelope) int
	}

	// ChunkStore persists recording chunks. It is optional.
	ChunkStore interface {
		Store(ctx context.Context, roomID string, chunk []byte) error
	}

	Service struct {
		rooms   RoomRegistry
		sw      Switch
		chunks  ChunkStore
		metrics *metrics.Metrics
		stamp   *stamper
		logger  zerolog.Logger

		mx       *sync.Mutex
		sessions map[string]*session
	}

	Config struct {
		RoomRegistry RoomRegistry
		Switch       Switch
		ChunkStore   ChunkStore
		Metrics      *metrics.Metrics
		Logger       *zerolog.Logger
		// Now overrides the ingest clock, defaults to time.Now.
		Now func() time.Time
	}

	session struct {
		id     string
		roomID string
	}
)

func NewService(cfg Config) *Service {
	chunks := cfg.ChunkStore
	if chunks == nil {
		chunks = nopChunkStore{}
	}
	return &Service{
		rooms:    cfg.RoomRegistry,
		sw:       cfg.Switch,
		chunks:   chunks,
		metrics:  cfg.Metrics,
		stamp:    newStamper(cfg.Now),
		logger:   cfg.Logger.With().Str("component", "relay").Logger(),
		mx:       &sync.Mutex{},
		sessions: make(map[string]*session),
	}
}

// Connect registers a new unjoined session and its outbound wire.
func (svc *Service) Connect(sessionID string, wire model.Wire) error {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	if _, ok := svc.sessions[sessionID]; ok {
		return ErrSessionExists
	}
	if !svc.sw.Connect(sessionID, wire) {
		return ErrSessionExists
	}
	svc.sessions[sessionID] = &session{id: sessionID}
	svc.metrics.SessionOpened()
	svc.logger.Debug().Str("session", sessionID).Msg("session connected")
	return nil
}

// Join puts the session into a room and sends it the room history.
// A session is a member of at most one room: joining another room leaves
// the current one first, joining the same room again re-sends the history.
func (svc *Service) Join(sessionID, roomID string) error {
	if roomID == "" {
		return ErrInvalidRoom
	}

	svc.mx.Lock()
	sess, ok := svc.sessions[sessionID]
	if !ok {
		svc.mx.Unlock()
		return ErrUnknownSession
	}
	prev := sess.roomID
	sess.roomID = roomID
	svc.mx.Unlock()

	if prev != "" && prev != roomID {
		svc.leave(sessionID, prev)
	}

	room := svc.rooms.GetOrCreate(roomID)
	room.Join(sessionID, func(history []model.Event) {
		svc.sw.Send(sessionID, model.Envelope{
			Channel: model.ChannelInitialEvents,
			RoomID:  roomID,
			Payload: history,
		})
	})
	svc.metrics.SetRooms(svc.rooms.Len())

	svc.logger.Debug().
		Str("session", sessionID).
		Str("roomID", roomID).
		Str("previous", prev).
		Msg("session joined room")
	return nil
}

// SubmitEvent stamps the payload, appends it to the room history and fans
// it out to every peer of the room, the sender included.
func (svc *Service) SubmitEvent(sessionID string, payload model.EventPayload) (model.Event, error) {
	room, err := svc.joinedRoom(sessionID, model.ChannelProctoringEvent)
	if err != nil {
		return model.Event{}, err
	}

	ev := room.Append(func() model.Event {
		id, ts := svc.stamp.next()
		return model.NewEvent(id, ts, payload)
	}, func(ev model.Event, peers []string) {
		svc.sw.Multicast(peers, model.Envelope{
			Channel: model.ChannelAlert,
			RoomID:  room.ID,
			Payload: ev,
		})
	})
	svc.metrics.EventIngested()

	svc.logger.Debug().
		Str("session", sessionID).
		Str("roomID", room.ID).
		Str("eventID", ev.ID).
		Str("type", ev.Type).
		Msg("event ingested")
	return ev, nil
}

// RelayFrame forwards a frame to every other peer of the room.
// Frames are not stored; it returns the number of peers that accepted it.
func (svc *Service) RelayFrame(sessionID string, frame json.RawMessage) (int, error) {
	if len(frame) == 0 {
		return 0, model.ErrMalformedPayload
	}
	room, err := svc.joinedRoom(sessionID, model.ChannelVideoFrame)
	if err != nil {
		return 0, err
	}

	sent := svc.sw.Multicast(room.Peers(sessionID), model.Envelope{
		Channel: model.ChannelVideoFrame,
		Payload: model.Frame{Frame: frame},
	})
	svc.metrics.FrameRelayed(sent)

	svc.logger.Trace().
		Str("session", sessionID).
		Str("roomID", room.ID).
		Int("recipients", sent).
		Msg("frame relayed")
	return sent, nil
}

// AcceptChunk hands a recording chunk to the chunk store and acknowledges it.
func (svc *Service) AcceptChunk(ctx context.Context, sessionID string, chunk []byte) error {
	room, err := svc.joinedRoom(sessionID, model.ChannelStreamChunk)
	if err != nil {
		return err
	}
	if len(chunk) == 0 {
		return fmt.Errorf("%w: empty chunk", model.ErrMalformedPayload)
	}
	if err = svc.chunks.Store(ctx, room.ID, chunk); err != nil {
		return errors.Join(ErrChunk, err)
	}
	svc.metrics.ChunkAccepted(len(chunk))
	svc.sw.Send(sessionID, model.Envelope{
		Channel: model.ChannelStreamChunkAck,
		RoomID:  room.ID,
		Payload: model.ChunkAck{Bytes: len(chunk)},
	})
	return nil
}

// Disconnect removes the session from its room and releases its wire.
// Room history is left untouched. Unknown sessions are ignored.
func (svc *Service) Disconnect(sessionID string) {
	svc.mx.Lock()
	sess, ok := svc.sessions[sessionID]
	delete(svc.sessions, sessionID)
	svc.mx.Unlock()

	if !ok {
		return
	}
	if sess.roomID != "" {
		svc.leave(sessionID, sess.roomID)
	}
	svc.sw.Disconnect(sessionID)
	svc.metrics.SessionClosed()

	svc.logger.Debug().
		Str("session", sessionID).
		Str("roomID", sess.roomID).
		Msg("session disconnected")
}

// JoinedRoom returns the room id the session is joined to.
func (svc *Service) JoinedRoom(sessionID string) (string, bool) {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	sess, ok := svc.sessions[sessionID]
	if !ok || sess.roomID == "" {
		return "", false
	}
	return sess.roomID, true
}

// RoomStats reports the state of an existing room without creating it.
func (svc *Service) RoomStats(roomID string) (model.RoomStats, bool) {
	room, ok := svc.rooms.Get(roomID)
	if !ok {
		return model.RoomStats{}, false
	}
	return room.Stats(), true
}

func (svc *Service) joinedRoom(sessionID, channel string) (*memory.Room, error) {
	roomID, ok := svc.JoinedRoom(sessionID)
	if !ok {
		svc.metrics.DroppedUnjoined(channel)
		return nil, ErrNotJoined
	}
	room, ok := svc.rooms.Get(roomID)
	if !ok {
		svc.metrics.DroppedUnjoined(channel)
		return nil, ErrNotJoined
	}
	return room, nil
}

func (svc *Service) leave(sessionID, roomID string) {
	if room, ok := svc.rooms.Get(roomID); ok {
		room.Leave(sessionID)
	}
}

type nopChunkStore struct{}

func (nopChunkStore) Store(context.Context, string, []byte) error { return nil }
