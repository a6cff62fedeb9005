package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/polished-app/realtime-collab/internal/auth"
	"github.com/polished-app/realtime-collab/internal/crdt"
	"github.com/polished-app/realtime-collab/internal/observability"
	"github.com/polished-app/realtime-collab/internal/protocol"
	"github.com/polished-app/realtime-collab/internal/room"
)

const (
	opHandleFrame = "ws.frame"
	opUpgrade     = "ws.upgrade"

	persistTimeout = 15 * time.Second

	identityField   = "user"
	connectionField = "connection_id"
)

var (
	ErrMissingRegistry = errors.New("ws: room registry required")

	errUnauthenticated = errors.New("ws: authentication required")
	errNotJoined       = errors.New("ws: room not joined")
)

// Publisher fans locally applied updates out to peer relay instances.
type Publisher interface {
	Publish(roomName string, update []byte) error
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandlerConfig configures the sync socket handler.
type HandlerConfig struct {
	Registry  *room.Registry
	Validator *auth.TokenValidator
	Metrics   *observability.Metrics
	Logger    *zap.Logger
	Publisher Publisher
	Clock     func() time.Time
}

// Handler upgrades sync socket requests and dispatches every frame a
// connection reads. One frame failing is contained to that frame; only
// authentication failures and socket errors end the connection.
type Handler struct {
	registry  *room.Registry
	validator *auth.TokenValidator
	metrics   *observability.Metrics
	logger    *zap.Logger
	publisher Publisher
	clock     func() time.Time
}

// NewHandler constructs a Handler with sane defaults.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Registry == nil {
		return nil, ErrMissingRegistry
	}
	validator := cfg.Validator
	if validator == nil {
		validator = auth.NewTokenValidator(auth.TokenValidatorConfig{})
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Handler{
		registry:  cfg.Registry,
		validator: validator,
		metrics:   metrics,
		logger:    logger,
		publisher: cfg.Publisher,
		clock:     clock,
	}, nil
}

// Serve upgrades the request and runs the connection's pumps.
func (h *Handler) Serve(ginContext *gin.Context) {
	socket, err := upgrader.Upgrade(ginContext.Writer, ginContext.Request, nil)
	if err != nil {
		h.logError(opUpgrade, "upgrade_failed", err)
		return
	}
	connection := newConn(socket, h)
	h.metrics.ConnectionsTotal.Inc()
	h.metrics.ConnectionsActive.Inc()
	h.logger.Debug("connection accepted", zap.String("connection_id", connection.ID()))

	go connection.writePump()
	connection.readPump()
}

// HandleRemote applies an update published by a peer instance to the local
// room, if it is resident, and rebroadcasts it. Remote updates are already
// durable at their origin and are not persisted again.
func (h *Handler) HandleRemote(roomName string, update []byte) {
	target, ok := h.registry.Get(roomName)
	if !ok {
		return
	}
	frame := protocol.EncodeSync(roomName, protocol.SyncUpdate, update)
	dropped, err := target.ApplyRemoteUpdate(update, frame, h.clock)
	if err != nil {
		h.logError(opHandleFrame, "remote_apply_failed", err, zap.String("room", roomName))
		return
	}
	h.countDrops(dropped)
}

// handleFrame dispatches one inbound frame. It reports false when the
// connection must be closed.
func (h *Handler) handleFrame(connection *Conn, data []byte) bool {
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		h.reject(connection, "malformed_frame", err)
		return true
	}
	h.metrics.MessagesTotal.WithLabelValues(frame.Type.String()).Inc()

	switch frame.Type {
	case protocol.MessageAuth:
		return h.handleAuth(connection, frame)
	case protocol.MessageSync:
		h.handleSync(connection, frame)
	case protocol.MessageAwareness:
		h.handleAwareness(connection, frame)
	case protocol.MessagePresence:
		h.handlePresence(connection, frame)
	}
	return true
}

func (h *Handler) handleAuth(connection *Conn, frame protocol.Frame) bool {
	identity, err := h.validator.Validate(string(frame.Payload))
	if err != nil {
		h.reject(connection, "auth_failed", err)
		return false
	}
	connection.setIdentity(identity)
	h.logger.Debug("connection authenticated",
		zap.String("connection_id", connection.ID()),
		zap.String("subject", identity.Subject),
		zap.Bool("verified", identity.Verified))
	return true
}

func (h *Handler) handleSync(connection *Conn, frame protocol.Frame) {
	if !h.authorized(connection) {
		h.reject(connection, "unauthenticated", errUnauthenticated)
		return
	}
	step, body, err := protocol.DecodeSyncPayload(frame.Payload)
	if err != nil {
		h.reject(connection, "malformed_sync", err)
		return
	}

	switch step {
	case protocol.SyncStep1:
		h.handleStep1(connection, frame.Room, body)
	case protocol.SyncStep2, protocol.SyncUpdate:
		h.handleUpdate(connection, frame.Room, body)
	}
}

// handleStep1 answers a state vector with the missing updates. The first
// step 1 for a room is the join: the reply also carries the server's own
// state vector and the room's current awareness so the new client can
// reciprocate and render presences immediately.
func (h *Handler) handleStep1(connection *Conn, roomName string, body []byte) {
	remoteVector, err := crdt.DecodeStateVector(body)
	if err != nil {
		h.reject(connection, "malformed_state_vector", err)
		return
	}

	if joined, ok := connection.joinedRoom(roomName); ok {
		connection.Deliver(protocol.EncodeSync(roomName, protocol.SyncStep2, joined.Diff(remoteVector)))
		return
	}

	target, diff, awarenessSnapshot, err := h.joinRoom(connection, roomName, remoteVector)
	if err != nil {
		h.reject(connection, joinRejectReason(err), err)
		return
	}

	connection.Deliver(protocol.EncodeSync(roomName, protocol.SyncStep2, diff))
	connection.Deliver(protocol.EncodeSync(roomName, protocol.SyncStep1, target.StateVector()))
	if target.PresenceCount() > 0 {
		connection.Deliver(protocol.EncodeAwareness(roomName, awarenessSnapshot))
	}
	h.logger.Debug("connection joined room",
		zap.String("connection_id", connection.ID()),
		zap.String("room", roomName))
}

// joinRoom resolves the room and attaches the connection. A room evicted
// between lookup and attach refuses the join, in which case the next lookup
// creates a fresh resident room and the attach is retried.
func (h *Handler) joinRoom(connection *Conn, roomName string, remoteVector map[uint64]uint64) (*room.Room, []byte, []byte, error) {
	for {
		target, err := h.registry.GetOrCreate(context.Background(), roomName)
		if err != nil {
			return nil, nil, nil, err
		}
		diff, awarenessSnapshot, err := target.Join(connection, remoteVector, h.registry.MaxClients())
		if errors.Is(err, room.ErrRoomDetached) {
			continue
		}
		if err != nil {
			if errors.Is(err, room.ErrClientLimit) {
				h.metrics.JoinsRejectedTotal.WithLabelValues("clients").Inc()
			}
			return nil, nil, nil, err
		}
		connection.rememberRoom(target)
		return target, diff, awarenessSnapshot, nil
	}
}

// handleUpdate merges an update into the room. The first sync frame for a
// room name attaches the connection whatever its step, so an update arriving
// before any step 1 joins the room and then applies.
func (h *Handler) handleUpdate(connection *Conn, roomName string, update []byte) {
	joined, ok := connection.joinedRoom(roomName)
	if !ok {
		target, _, awarenessSnapshot, err := h.joinRoom(connection, roomName, nil)
		if err != nil {
			h.reject(connection, joinRejectReason(err), err)
			return
		}
		connection.Deliver(protocol.EncodeSync(roomName, protocol.SyncStep1, target.StateVector()))
		if target.PresenceCount() > 0 {
			connection.Deliver(protocol.EncodeAwareness(roomName, awarenessSnapshot))
		}
		joined = target
	}

	outbound := protocol.EncodeSync(roomName, protocol.SyncUpdate, update)
	dropped, err := joined.ApplyUpdate(update, outbound, connection.ID(), h.clock)
	if err != nil {
		h.reject(connection, "apply_failed", err)
		return
	}
	h.countDrops(dropped)

	// Durability and cross-instance fan-out are best effort and never
	// block the broadcast path.
	go h.persist(joined, update)
	if h.publisher != nil {
		if err := h.publisher.Publish(roomName, update); err != nil {
			h.logError(opHandleFrame, "fanout_publish_failed", err, zap.String("room", roomName))
		}
	}
}

func (h *Handler) handleAwareness(connection *Conn, frame protocol.Frame) {
	joined, ok := connection.joinedRoom(frame.Room)
	if !ok {
		h.reject(connection, "not_joined", errNotJoined)
		return
	}
	outbound := protocol.EncodeAwareness(frame.Room, frame.Payload)
	_, dropped, err := joined.ApplyAwareness(frame.Payload, outbound, connection.ID())
	if err != nil {
		h.reject(connection, "awareness_failed", err)
		return
	}
	h.countDrops(dropped)
}

// handlePresence merges the fields of a JSON presence payload into this
// connection's awareness entry. The server stamps the connection id and,
// when known, the authenticated identity.
func (h *Handler) handlePresence(connection *Conn, frame protocol.Frame) {
	joined, ok := connection.joinedRoom(frame.Room)
	if !ok {
		h.reject(connection, "not_joined", errNotJoined)
		return
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame.Payload, &fields); err != nil {
		h.reject(connection, "malformed_presence", err)
		return
	}
	fields[connectionField] = mustJSON(connection.ID())
	if identity, ok := connection.currentIdentity(); ok {
		fields[identityField] = mustJSON(identity.DisplayName)
	}

	var update []byte
	for field, value := range fields {
		merged, err := joined.SetPresenceField(connection.ClientID(), field, value)
		if err != nil {
			h.reject(connection, "presence_failed", err)
			return
		}
		update = merged
	}
	if len(update) == 0 {
		return
	}
	h.countDrops(joined.Broadcast(protocol.EncodeAwareness(frame.Room, update), connection.ID()))
}

// detach tears a closing connection out of every room it joined, clears
// its awareness everywhere, and arms eviction for rooms it left empty.
func (h *Handler) detach(connection *Conn) {
	for _, joined := range connection.joinedRooms() {
		remaining := joined.Leave(connection.ID())
		removal := joined.RemoveAwareness([]uint64{connection.ClientID()})
		if len(removal) > 0 {
			h.countDrops(joined.Broadcast(protocol.EncodeAwareness(joined.Name(), removal), connection.ID()))
		}
		if remaining == 0 {
			h.registry.ScheduleEviction(joined.Name())
		}
	}
	h.metrics.ConnectionsActive.Dec()
	h.logger.Debug("connection closed", zap.String("connection_id", connection.ID()))
}

func (h *Handler) persist(target *room.Room, update []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	_ = h.registry.PersistUpdate(ctx, target, update)
}

func (h *Handler) authorized(connection *Conn) bool {
	if h.validator.Passthrough() {
		return true
	}
	_, ok := connection.currentIdentity()
	return ok
}

func (h *Handler) reject(connection *Conn, reason string, err error) {
	h.metrics.MessageErrorsTotal.WithLabelValues(reason).Inc()
	h.logError(opHandleFrame, reason, err, zap.String("connection_id", connection.ID()))
}

func (h *Handler) countDrops(dropped int) {
	if dropped > 0 {
		h.metrics.BroadcastDropsTotal.Add(float64(dropped))
	}
}

func (h *Handler) logError(operation string, reason string, err error, fields ...zap.Field) {
	enriched := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	h.logger.Error("sync socket operation failed", enriched...)
}

func joinRejectReason(err error) string {
	switch {
	case errors.Is(err, room.ErrRoomLimit):
		return "room_limit"
	case errors.Is(err, room.ErrClientLimit):
		return "client_limit"
	case errors.Is(err, room.ErrInvalidRoomName):
		return "invalid_room_name"
	default:
		return "join_failed"
	}
}

func mustJSON(value string) json.RawMessage {
	encoded, err := json.Marshal(value)
	if err != nil {
		return json.RawMessage(fmt.Sprintf("%q", value))
	}
	return encoded
}
