package _switch

import (
	"sync"

	"github.com/adwski/proctor-relay/backend/metrics"
	"github.com/adwski/proctor-relay/backend/model"
	"github.com/rs/zerolog"
)

// Switch delivers envelopes to session wires. Delivery never blocks:
// if a session queue is full the envelope is dropped for that session.
type Switch struct {
	logger  zerolog.Logger
	metrics *metrics.Metrics
	mx      *sync.RWMutex
	wires   map[string]model.Wire
}

type Config struct {
	Logger  *zerolog.Logger
	Metrics *metrics.Metrics
}

func NewSwitch(cfg Config) *Switch {
	return &Switch{
		logger:  cfg.Logger.With().Str("component", "switch").Logger(),
		metrics: cfg.Metrics,
		mx:      &sync.RWMutex{},
		wires:   make(map[string]model.Wire),
	}
}

// Connect registers the wire of a session. It reports false if the
// session is already connected.
func (sw *Switch) Connect(session string, wire model.Wire) bool {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	if _, ok := sw.wires[session]; ok {
		return false
	}
	sw.wires[session] = wire
	sw.logger.Debug().Str("session", session).Msg("endpoint connected")
	return true
}

func (sw *Switch) Disconnect(session string) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	if _, ok := sw.wires[session]; ok {
		delete(sw.wires, session)
		sw.logger.Debug().Str("session", session).Msg("endpoint disconnected")
	}
}

// Send delivers env to a single session.
func (sw *Switch) Send(dst string, env model.Envelope) bool {
	sw.mx.RLock()
	wire, ok := sw.wires[dst]
	sw.mx.RUnlock()

	if !ok {
		sw.logger.Debug().
			Str("dst", dst).
			Str("channel", env.Channel).
			Msg("cannot forward, dst not found")
		sw.metrics.DeliveryDropped(env.Channel)
		return false
	}
	return sw.send(dst, wire, env)
}

// Multicast delivers env to every listed session and returns the number of
// sessions that accepted it.
func (sw *Switch) Multicast(dsts []string, env model.Envelope) int {
	if len(dsts) == 0 {
		return 0
	}

	sw.mx.RLock()
	wires := make(map[string]model.Wire, len(dsts))
	for _, dst := range dsts {
		if wire, ok := sw.wires[dst]; ok {
			wires[dst] = wire
		}
	}
	sw.mx.RUnlock()

	var sent int
	for _, dst := range dsts {
		wire, ok := wires[dst]
		if !ok {
			sw.metrics.DeliveryDropped(env.Channel)
			continue
		}
		if sw.send(dst, wire, env) {
			sent++
		}
	}
	return sent
}

func (sw *Switch) send(dst string, wire model.Wire, env model.Envelope) bool {
	select {
	case wire.TX <- env:
		sw.logger.Trace().
			Str("dst", dst).
			Str("channel", env.Channel).
			Msg("envelope is forwarded")
		return true
	default:
		sw.logger.Warn().
			Str("dst", dst).
			Str("channel", env.Channel).
			Msg("slow endpoint, envelope dropped")
		sw.metrics.DeliveryDropped(env.Channel)
		return false
	}
}
