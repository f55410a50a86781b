package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
)

// Relay moves frames between connected sessions.
//
// Hub trusts every session equally and never consults request state, so two
// drivers accepting the same request both get relayed. A dispatcher that
// arbitrates accepts or authorizes status changes would implement Relay and
// take the Hub's place in the server.
type Relay interface {
	Register(s *Session)
	Unregister(s *Session)
	Dispatch(from *Session, raw []byte) error
}

// LocationTap receives every relayed location sample.
type LocationTap interface {
	PublishLocation(ctx context.Context, s models.LocationSample) error
}

// PositionsTap records relayed samples straight into a positions store.
type PositionsTap struct {
	Positions geo.Positions
}

func (t PositionsTap) PublishLocation(ctx context.Context, s models.LocationSample) error {
	return t.Positions.Upsert(ctx, s)
}

type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	instance string
	bus      Bus
	tap      LocationTap
	logger   *slog.Logger
}

type HubOption func(*Hub)

// WithBus fans frames out to other server instances.
func WithBus(b Bus) HubOption { return func(h *Hub) { h.bus = b } }

func WithLocationTap(t LocationTap) HubOption { return func(h *Hub) { h.tap = t } }

func NewHub(logger *slog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		sessions: make(map[string]*Session),
		instance: uuid.NewString(),
		logger:   logger,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	h.sessions[s.ID] = s
	n := len(h.sessions)
	h.mu.Unlock()
	observability.RelaySessions.Set(float64(n))
	h.logger.Info("session registered", "session_id", s.ID, "user_id", s.Identity.ID, "role", s.Identity.Role)
}

func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s.ID]
	delete(h.sessions, s.ID)
	n := len(h.sessions)
	h.mu.Unlock()
	if !ok {
		return
	}
	s.close()
	observability.RelaySessions.Set(float64(n))
	h.logger.Info("session unregistered", "session_id", s.ID)
}

// Len returns the number of connected sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

var ErrInvalidFrame = errors.New("relay: invalid frame")

// Dispatch relays raw verbatim to every session except from, then broadcasts
// the derived status message, if any, to every session.
func (h *Hub) Dispatch(from *Session, raw []byte) error {
	env, err := models.ParseEnvelope(raw)
	if err != nil {
		observability.RelayInvalidFrames.Inc()
		return errors.Join(ErrInvalidFrame, err)
	}
	observability.RelayMessagesTotal.WithLabelValues(string(env.Type)).Inc()

	exclude := ""
	if from != nil {
		exclude = from.ID
	}
	h.broadcast(raw, exclude)
	h.forward(raw)

	derived, ok, err := Synthesize(env)
	if err != nil {
		h.logger.Warn("synthesis skipped", "type", env.Type, "error", err)
	} else if ok {
		frame, err := json.Marshal(derived)
		if err != nil {
			return err
		}
		observability.RelaySynthesizedTotal.WithLabelValues(string(env.Type)).Inc()
		h.broadcast(frame, "")
		h.forward(frame)
	}

	if env.Type == models.TypeLocationUpdate && h.tap != nil {
		h.tapLocation(env)
	}
	return nil
}

// Deliver hands a frame received from another instance to local sessions.
func (h *Hub) Deliver(f Frame) {
	if f.Origin == h.instance {
		return
	}
	h.broadcast(f.Raw, "")
}

func (h *Hub) broadcast(frame []byte, exclude string) {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for id, s := range h.sessions {
		if id != exclude {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if !s.enqueue(frame) {
			// slow or gone; the peer reconnects with a fresh session
			observability.RelayDroppedSessions.Inc()
			h.logger.Warn("dropping slow session", "session_id", s.ID)
			h.Unregister(s)
		}
	}
}

func (h *Hub) forward(frame []byte) {
	if h.bus == nil {
		return
	}
	if err := h.bus.Publish(context.Background(), Frame{Origin: h.instance, Raw: frame}); err != nil {
		h.logger.Warn("bus publish failed", "error", err)
	}
}

func (h *Hub) tapLocation(env models.Envelope) {
	var p models.LocationUpdatePayload
	if err := env.Decode(&p); err != nil {
		h.logger.Debug("location tap decode", "error", err)
		return
	}
	sample := p.Location
	if sample.RequestID == "" {
		sample.RequestID = p.RequestID
	}
	if sample.Role == "" {
		sample.Role = p.Role
	}
	if err := h.tap.PublishLocation(context.Background(), sample); err != nil {
		h.logger.Warn("location tap publish failed", "request_id", sample.RequestID, "error", err)
	}
}

// Run delivers bus frames until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus == nil {
		<-ctx.Done()
		return nil
	}
	return h.bus.Subscribe(ctx, h.Deliver)
}

// Close drops every session.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
	observability.RelaySessions.Set(0)
}
