package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/adwski/proctor-relay/backend/metrics"
	"github.com/adwski/proctor-relay/backend/model"
	"github.com/adwski/proctor-relay/backend/service"
	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultChunkStoreTimeout = 5 * time.Second

	defaultWebsocketReadBufferSize     = 16 << 10
	defaultWebsocketWriteBufferSize    = 16 << 10
	defaultWebSocketMaxMessageSize     = 1 << 20
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second
	defaultOutboundQueueSize           = 256

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 20 * time.Second
	defaultPongWait     = 25 * time.Second
)

type (
	RelayService interface {
		Connect(sessionID string, wire model.Wire) error
		Join(sessionID, roomID string) error
		SubmitEvent(sessionID string, payload model.EventPayload) (model.Event, error)
		RelayFrame(sessionID string, frame json.RawMessage) (int, error)
		AcceptChunk(ctx context.Context, sessionID string, chunk []byte) error
		Disconnect(sessionID string)
	}

	Config struct {
		Logger       *zerolog.Logger
		RelayService RelayService
		Metrics      *metrics.Metrics

		// AllowedOrigin is the browser origin permitted to connect, "*" or empty allows any.
		AllowedOrigin string

		ReadBufferSize    int
		WriteBufferSize   int
		MaxMessageSize    int64
		OutboundQueueSize int
		PingInterval      time.Duration
		PongWait          time.Duration
		WriteDeadline     time.Duration

		// RejectUnjoined answers messages from unjoined sessions with an error
		// envelope instead of dropping them silently.
		RejectUnjoined bool
	}

	// Server upgrades HTTP requests to relay sessions.
	Server struct {
		svc     RelayService
		ws      *websocket.Upgrader
		metrics *metrics.Metrics
		logger  zerolog.Logger

		ctx    context.Context
		cancel context.CancelFunc
		wg     *sync.WaitGroup
		mx     *sync.Mutex
		closed bool

		maxMessageSize int64
		queueSize      int
		pingInterval   time.Duration
		pongWait       time.Duration
		writeDeadline  time.Duration
		rejectUnjoined bool
	}
)

func NewServer(cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		logger:  cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:     cfg.RelayService,
		metrics: cfg.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		wg:      &sync.WaitGroup{},
		mx:      &sync.Mutex{},
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   orDefault(cfg.ReadBufferSize, defaultWebsocketReadBufferSize),
			WriteBufferSize:  orDefault(cfg.WriteBufferSize, defaultWebsocketWriteBufferSize),
			CheckOrigin:      originChecker(cfg.AllowedOrigin),
		},
		maxMessageSize: orDefault(cfg.MaxMessageSize, defaultWebSocketMaxMessageSize),
		queueSize:      orDefault(cfg.OutboundQueueSize, defaultOutboundQueueSize),
		pingInterval:   orDefault(cfg.PingInterval, defaultPingInterval),
		pongWait:       orDefault(cfg.PongWait, defaultPongWait),
		writeDeadline:  orDefault(cfg.WriteDeadline, defaultWebSocketWriteDeadline),
		rejectUnjoined: cfg.RejectUnjoined,
	}
	if srv.pongWait <= srv.pingInterval {
		srv.pongWait = srv.pingInterval + srv.pingInterval/4
	}
	return srv
}

func orDefault[T int | int64 | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

func originChecker(allowed string) func(r *http.Request) bool {
	if allowed == "" || allowed == "*" {
		return func(r *http.Request) bool { return true }
	}
	want, err := url.Parse(allowed)
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// non-browser client
			return true
		}
		if err != nil {
			return origin == allowed
		}
		got, pErr := url.Parse(origin)
		if pErr != nil {
			return false
		}
		return got.Scheme == want.Scheme && got.Host == want.Host
	}
}

// Close terminates every open session and waits for them to finish.
func (srv *Server) Close() {
	srv.mx.Lock()
	srv.closed = true
	srv.mx.Unlock()

	srv.cancel()
	srv.wg.Wait()
	srv.logger.Debug().Msg("all sessions closed")
}

// acquire registers a new session unless the server is closed.
func (srv *Server) acquire() bool {
	srv.mx.Lock()
	defer srv.mx.Unlock()

	if srv.closed {
		return false
	}
	srv.wg.Add(1)
	return true
}

func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !srv.acquire() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already replied
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		srv.wg.Done()
		return
	}

	sessionID := uuid.NewString()
	wire := model.NewWire(srv.queueSize)

	if err = srv.svc.Connect(sessionID, wire); err != nil {
		srv.logger.Error().Err(err).Msg("failed to create relay session")
		webSocketCloser(conn, &srv.logger)
		srv.wg.Done()
		return
	}
	srv.logger.Debug().
		Str("session", sessionID).
		Str("remote", r.RemoteAddr).
		Msg("relay session created")

	ctx, cancel := context.WithCancel(srv.ctx)
	go func() {
		defer srv.wg.Done()
		srv.handleWSConn(ctx, cancel, conn, sessionID, wire)
	}()
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	sessionID string,
	wire model.Wire,
) {
	wg := &sync.WaitGroup{}

	logger := srv.logger.With().
		Str("session", sessionID).
		Logger()

	wg.Add(3)
	go func() {
		srv.webSocketReceiver(ctx, wg, conn, sessionID, wire, &logger)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, conn, wire.TX, srv.pingInterval, srv.writeDeadline, &logger)
		cancel()
	}()
	go func() {
		defer wg.Done()
		<-ctx.Done()
		// unblock a pending read
		_ = conn.UnderlyingConn().SetReadDeadline(time.Now())
	}()

	wg.Wait()
	webSocketCloser(conn, &logger)
	srv.svc.Disconnect(sessionID)
	logger.Debug().Msg("relay session ended")
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan model.Envelope,
	pingInterval time.Duration,
	writeDeadline time.Duration,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(pingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			logger.Trace().Msg("ping sent")

		case msg := <-tx:
			b, wsErr := json.Marshal(&msg)
			if wsErr != nil {
				logger.Error().Err(wsErr).Str("channel", msg.Channel).Msg("failed to marshall outgoing message")
				continue
			}

			wsErr = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsW, wsErr := conn.NextWriter(websocket.TextMessage)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to get websocket text writer")
				break SendLoop
			}
			_, wsErr = wsW.Write(b)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing message")
				break SendLoop
			}
			wsErr = wsW.Close()
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to close websocket writer")
				break SendLoop
			}
		}
	}
}

func (srv *Server) webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	sessionID string,
	wire model.Wire,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(srv.maxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(srv.pongWait)
	})
	err := readDeadLineFunc(srv.pongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	for {
		msgType, msg, wsErr := conn.ReadMessage()
		if wsErr != nil {
			switch {
			case ctx.Err() != nil:
				logger.Debug().Msg("session canceled")
			case websocket.IsCloseError(wsErr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway):
				logger.Debug().Err(wsErr).Msg("connection closed")
			default:
				logger.Warn().Err(wsErr).Msg("unexpected error during receive")
			}
			return
		}
		// keep the connection alive while the client is talking
		if wsErr = readDeadLineFunc(srv.pongWait); wsErr != nil {
			logger.Error().Err(wsErr).Msg("failed to set websocket read deadline")
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			srv.handleChunk(ctx, sessionID, msg, wire, logger)
		case websocket.TextMessage:
			var in model.Inbound
			if wsErr = json.Unmarshal(msg, &in); wsErr != nil {
				logger.Debug().Err(wsErr).Msg("failed to unmarshall incoming message")
				srv.metrics.Malformed()
				reply(wire, model.NewError(model.ErrorCodeMalformed, "message is not a valid envelope"), logger)
				continue
			}
			srv.dispatch(ctx, sessionID, in, wire, logger)
		}
	}
}

func (srv *Server) dispatch(ctx context.Context, sessionID string, in model.Inbound, wire model.Wire, logger *zerolog.Logger) {
	if in.Channel != model.ChannelVideoFrame && logger.GetLevel() <= zerolog.TraceLevel {
		logger.Trace().Str("envelope", spew.Sdump(in)).Msg("incoming message")
	}

	var err error
	switch in.Channel {
	case model.ChannelJoinRoom:
		err = srv.svc.Join(sessionID, joinTarget(in))

	case model.ChannelProctoringEvent:
		var payload model.EventPayload
		if payload, err = model.ParseEventPayload(in.Data); err == nil {
			_, err = srv.svc.SubmitEvent(sessionID, payload)
		}

	case model.ChannelVideoFrame:
		var frame model.Frame
		if err = json.Unmarshal(in.Data, &frame); err != nil {
			err = errors.Join(model.ErrMalformedPayload, err)
		} else {
			_, err = srv.svc.RelayFrame(sessionID, frame.Frame)
		}

	case model.ChannelStreamChunk:
		var chunk model.Chunk
		if err = json.Unmarshal(in.Data, &chunk); err != nil {
			err = errors.Join(model.ErrMalformedPayload, err)
		} else {
			srv.handleChunk(ctx, sessionID, chunk.Chunk, wire, logger)
			return
		}

	default:
		srv.metrics.Malformed()
		reply(wire, model.NewError(model.ErrorCodeUnknownChannel, "unknown channel "+in.Channel), logger)
		return
	}

	srv.handleError(err, in.Channel, wire, logger)
}

func (srv *Server) handleChunk(ctx context.Context, sessionID string, chunk []byte, wire model.Wire, logger *zerolog.Logger) {
	stCtx, cancel := context.WithTimeout(ctx, defaultChunkStoreTimeout)
	defer cancel()
	srv.handleError(srv.svc.AcceptChunk(stCtx, sessionID, chunk), model.ChannelStreamChunk, wire, logger)
}

func (srv *Server) handleError(err error, channel string, wire model.Wire, logger *zerolog.Logger) {
	if err == nil {
		return
	}
	l := logger.With().Str("channel", channel).Logger()
	switch {
	case errors.Is(err, service.ErrNotJoined):
		l.Trace().Msg("message from unjoined session dropped")
		if srv.rejectUnjoined {
			reply(wire, model.NewError(model.ErrorCodeNotJoined, "join a room first"), &l)
		}
	case errors.Is(err, model.ErrMalformedPayload), errors.Is(err, service.ErrInvalidRoom):
		l.Debug().Err(err).Msg("malformed message rejected")
		srv.metrics.Malformed()
		reply(wire, model.NewError(model.ErrorCodeMalformed, err.Error()), &l)
	default:
		l.Error().Err(err).Msg("failed to handle message")
		reply(wire, model.NewError(model.ErrorCodeInternal, "message was not processed"), &l)
	}
}

// joinTarget accepts both {"data":"room"} and {"roomId":"room"}.
func joinTarget(in model.Inbound) string {
	var roomID string
	if len(in.Data) > 0 && json.Unmarshal(in.Data, &roomID) == nil && roomID != "" {
		return roomID
	}
	return in.RoomID
}

func reply(wire model.Wire, env model.Envelope, logger *zerolog.Logger) {
	select {
	case wire.TX <- env:
	default:
		logger.Warn().Str("channel", env.Channel).Msg("reply dropped, queue is full")
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if wsErr != nil && !errors.Is(wsErr, websocket.ErrCloseSent) {
			logger.Debug().Err(wsErr).Msg("failed to send close message")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
