package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adwski/proctor-relay/backend/model"
	"github.com/adwski/proctor-relay/backend/service"
	"github.com/adwski/proctor-relay/backend/storage/memory"
	_switch "github.com/adwski/proctor-relay/backend/switch"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const readTimeout = 2 * time.Second

type testRelay struct {
	srv   *Server
	http  *httptest.Server
	rooms *memory.Registry
	url   string
}

func newTestRelay(t *testing.T, cfg Config) *testRelay {
	t.Helper()
	logger := zerolog.Nop()
	rooms := memory.NewRegistry(0)
	svc := service.NewService(service.Config{
		RoomRegistry: rooms,
		Switch:       _switch.NewSwitch(_switch.Config{Logger: &logger}),
		Logger:       &logger,
	})
	cfg.Logger = &logger
	cfg.RelayService = svc
	srv := NewServer(cfg)
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	return &testRelay{
		srv:   srv,
		http:  hs,
		rooms: rooms,
		url:   "ws" + strings.TrimPrefix(hs.URL, "http"),
	}
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func (r *testRelay) dial(t *testing.T) *client {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(r.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) send(channel string, data any) {
	c.t.Helper()
	b, err := json.Marshal(data)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	if err = c.conn.WriteJSON(model.Inbound{Channel: channel, Data: b}); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *client) read() model.Inbound {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	var in model.Inbound
	if err := c.conn.ReadJSON(&in); err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return in
}

func (c *client) expect(channel string) model.Inbound {
	c.t.Helper()
	in := c.read()
	if in.Channel != channel {
		c.t.Fatalf("expected %s, got %s: %s", channel, in.Channel, in.Data)
	}
	return in
}

func (c *client) silent() {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	var in model.Inbound
	if err := c.conn.ReadJSON(&in); err == nil {
		c.t.Fatalf("unexpected message %s: %s", in.Channel, in.Data)
	}
}

func (c *client) join(room string) []model.Event {
	c.t.Helper()
	c.send(model.ChannelJoinRoom, room)
	return decodeEvents(c.t, c.expect(model.ChannelInitialEvents).Data)
}

func (c *client) event(typ, msg string) model.Event {
	c.t.Helper()
	c.send(model.ChannelProctoringEvent, map[string]any{"type": typ, "message": msg, "isWarning": true})
	return decodeEvent(c.t, c.expect(model.ChannelAlert).Data)
}

func decodeEvents(t *testing.T, raw json.RawMessage) []model.Event {
	t.Helper()
	var evs []model.Event
	if err := json.Unmarshal(raw, &evs); err != nil {
		t.Fatalf("decode events: %v (%s)", err, raw)
	}
	return evs
}

func decodeEvent(t *testing.T, raw json.RawMessage) model.Event {
	t.Helper()
	var ev model.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("decode event: %v (%s)", err, raw)
	}
	return ev
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(readTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRelayScenario(t *testing.T) {
	relay := newTestRelay(t, Config{})
	a, b, c := relay.dial(t), relay.dial(t), relay.dial(t)

	if snap := a.join("r1"); len(snap) != 0 {
		t.Fatalf("unexpected initial events %+v", snap)
	}
	first := a.event("Warning", "Mobile phone detected")
	if first.ID == "" || first.Timestamp.IsZero() {
		t.Fatalf("event is not stamped: %+v", first)
	}
	if raw, ok := first.Field("isWarning"); !ok || string(raw) != "true" {
		t.Fatalf("pass-through field lost: %s", raw)
	}

	snap := b.join("r1")
	if len(snap) != 1 || snap[0].ID != first.ID || snap[0].Type != "Warning" {
		t.Fatalf("unexpected snapshot for B: %+v", snap)
	}

	second := a.event("Violation", "No face detected for 10 seconds")
	got := decodeEvent(t, b.expect(model.ChannelAlert).Data)
	if got.ID != second.ID || got.Message != "No face detected for 10 seconds" {
		t.Fatalf("B got %+v, want %+v", got, second)
	}

	snap = c.join("r1")
	if len(snap) != 2 || snap[0].ID != first.ID || snap[1].ID != second.ID {
		t.Fatalf("unexpected snapshot for C: %+v", snap)
	}
	a.silent()
	b.silent()
}

func TestRelayOrderingAcrossPeers(t *testing.T) {
	relay := newTestRelay(t, Config{})
	a, b := relay.dial(t), relay.dial(t)
	a.join("r1")
	b.join("r1")

	const n = 20
	for i := 0; i < n; i++ {
		a.send(model.ChannelProctoringEvent, map[string]string{"type": "Info", "message": "a"})
		b.send(model.ChannelProctoringEvent, map[string]string{"type": "Info", "message": "b"})
	}

	var seenA, seenB []string
	for i := 0; i < 2*n; i++ {
		seenA = append(seenA, decodeEvent(t, a.expect(model.ChannelAlert).Data).ID)
		seenB = append(seenB, decodeEvent(t, b.expect(model.ChannelAlert).Data).ID)
	}
	room, _ := relay.rooms.Get("r1")
	history := room.Events()
	for i := range history {
		if seenA[i] != history[i].ID || seenB[i] != history[i].ID {
			t.Fatalf("peers observed different order at %d", i)
		}
	}
}

func TestRelayFrames(t *testing.T) {
	relay := newTestRelay(t, Config{})
	a, b, c, other := relay.dial(t), relay.dial(t), relay.dial(t), relay.dial(t)
	a.join("r1")
	b.join("r1")
	c.join("r1")
	other.join("r2")

	a.send(model.ChannelVideoFrame, map[string]string{"frame": "data:image/jpeg;base64,AAAA"})
	for _, peer := range []*client{b, c} {
		in := peer.expect(model.ChannelVideoFrame)
		if in.RoomID != "" {
			t.Fatalf("room id must be stripped from frames: %q", in.RoomID)
		}
		var frame struct {
			Frame string `json:"frame"`
		}
		if err := json.Unmarshal(in.Data, &frame); err != nil || frame.Frame != "data:image/jpeg;base64,AAAA" {
			t.Fatalf("unexpected frame %s (%v)", in.Data, err)
		}
	}
	a.silent()
	other.silent()

	if room, _ := relay.rooms.Get("r1"); room.Stats().Events != 0 {
		t.Fatalf("frames must not be stored")
	}
}

func TestRelayUnjoinedIsDropped(t *testing.T) {
	relay := newTestRelay(t, Config{})
	a, b := relay.dial(t), relay.dial(t)
	b.join("r1")

	a.send(model.ChannelProctoringEvent, map[string]string{"type": "Info", "message": "lost"})
	a.send(model.ChannelVideoFrame, map[string]string{"frame": "x"})
	b.silent()

	// join replies first, so nothing was queued for a while it was unjoined
	if snap := a.join("r1"); len(snap) != 0 {
		t.Fatalf("unjoined event was stored: %+v", snap)
	}
}

func TestRelayRejectUnjoined(t *testing.T) {
	relay := newTestRelay(t, Config{RejectUnjoined: true})
	a := relay.dial(t)

	a.send(model.ChannelProctoringEvent, map[string]string{"type": "Info"})
	var payload model.ErrorPayload
	if err := json.Unmarshal(a.expect(model.ChannelError).Data, &payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if payload.Code != model.ErrorCodeNotJoined {
		t.Fatalf("unexpected error code %q", payload.Code)
	}
}

func TestRelayMalformedInput(t *testing.T) {
	relay := newTestRelay(t, Config{})
	a := relay.dial(t)
	a.join("r1")

	if err := a.conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	a.expect(model.ChannelError)

	a.send(model.ChannelProctoringEvent, "just text")
	a.expect(model.ChannelError)

	a.send("subscribe", nil)
	var payload model.ErrorPayload
	_ = json.Unmarshal(a.expect(model.ChannelError).Data, &payload)
	if payload.Code != model.ErrorCodeUnknownChannel {
		t.Fatalf("unexpected error code %q", payload.Code)
	}

	a.send(model.ChannelJoinRoom, "")
	a.expect(model.ChannelError)

	if room, _ := relay.rooms.Get("r1"); room.Stats().Events != 0 {
		t.Fatalf("malformed input reached history")
	}
}

func TestRelayJoinByRoomIDField(t *testing.T) {
	relay := newTestRelay(t, Config{})
	a := relay.dial(t)
	if err := a.conn.WriteJSON(model.Inbound{Channel: model.ChannelJoinRoom, RoomID: "r9"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	a.expect(model.ChannelInitialEvents)
	if _, ok := relay.rooms.Get("r9"); !ok {
		t.Fatalf("room was not created")
	}
}

func TestRelayChunks(t *testing.T) {
	relay := newTestRelay(t, Config{})
	a := relay.dial(t)
	a.join("r1")

	if err := a.conn.WriteMessage(websocket.BinaryMessage, []byte("webm-bytes")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var ack model.ChunkAck
	if err := json.Unmarshal(a.expect(model.ChannelStreamChunkAck).Data, &ack); err != nil || ack.Bytes != 10 {
		t.Fatalf("unexpected ack %+v (%v)", ack, err)
	}

	a.send(model.ChannelStreamChunk, model.Chunk{Chunk: []byte("abc")})
	if err := json.Unmarshal(a.expect(model.ChannelStreamChunkAck).Data, &ack); err != nil || ack.Bytes != 3 {
		t.Fatalf("unexpected ack %+v (%v)", ack, err)
	}

	a.send(model.ChannelStreamChunk, model.Chunk{})
	var e model.ErrorPayload
	if err := json.Unmarshal(a.expect(model.ChannelError).Data, &e); err != nil || e.Code != model.ErrorCodeMalformed {
		t.Fatalf("empty chunk must be rejected as malformed, got %+v (%v)", e, err)
	}
}

func TestRelayDisconnectCleanup(t *testing.T) {
	relay := newTestRelay(t, Config{})
	a, b := relay.dial(t), relay.dial(t)
	a.join("r1")
	b.join("r1")
	first := a.event("Info", "one")
	b.expect(model.ChannelAlert)

	_ = b.conn.Close()
	room, _ := relay.rooms.Get("r1")
	waitFor(t, func() bool { return room.Stats().Peers == 1 })

	a.event("Info", "two")
	history := room.Events()
	if len(history) != 2 || history[0].ID != first.ID {
		t.Fatalf("history changed by disconnect: %+v", history)
	}
}

func TestRelayOriginCheck(t *testing.T) {
	relay := newTestRelay(t, Config{AllowedOrigin: "https://exam.example.com"})

	hdr := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(relay.url, hdr)
	if err == nil {
		t.Fatalf("foreign origin must be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("unexpected response %+v", resp)
	}

	hdr = http.Header{"Origin": []string{"https://exam.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(relay.url, hdr)
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	_ = conn.Close()
}

func TestRelayCloseEndsSessions(t *testing.T) {
	relay := newTestRelay(t, Config{})
	a := relay.dial(t)
	a.join("r1")

	relay.srv.Close()

	_ = a.conn.SetReadDeadline(time.Now().Add(readTimeout))
	if _, _, err := a.conn.ReadMessage(); err == nil {
		t.Fatalf("expected connection to be closed")
	}
	room, _ := relay.rooms.Get("r1")
	if room.Stats().Peers != 0 {
		t.Fatalf("closed session still in room")
	}
}
