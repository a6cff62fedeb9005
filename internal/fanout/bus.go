// Package fanout relays document updates between relay instances over NATS.
package fanout

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	subjectPrefix = "collab.room."

	reconnectWait = 2 * time.Second
	maxReconnects = -1
)

var (
	ErrMissingURL     = errors.New("fanout: nats url required")
	ErrMissingHandler = errors.New("fanout: handler required")
)

// Handler receives a document update published by another relay instance.
type Handler func(room string, update []byte)

type envelope struct {
	InstanceID string `json:"instance_id"`
	Room       string `json:"room"`
	UpdateB64  string `json:"update_b64"`
}

// BusConfig configures the NATS bridge.
type BusConfig struct {
	URL        string
	InstanceID string
	Logger     *zap.Logger
}

// Bus publishes local document updates to peers and feeds remote updates
// back into local rooms. Messages carry the publishing instance id so a
// relay never re-applies its own traffic.
type Bus struct {
	conn       *nats.Conn
	instanceID string
	logger     *zap.Logger
	sub        *nats.Subscription
}

// Connect dials NATS and returns a ready Bus.
func Connect(cfg BusConfig) (*Bus, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrMissingURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	instanceID := strings.TrimSpace(cfg.InstanceID)
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("collab-relay"),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, cause error) {
			logger.Warn("fanout disconnected", zap.Error(cause))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("fanout reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	logger.Info("fanout connected",
		zap.String("url", conn.ConnectedUrl()),
		zap.String("instance_id", instanceID))
	return &Bus{conn: conn, instanceID: instanceID, logger: logger}, nil
}

// InstanceID returns the identifier stamped on every published update.
func (b *Bus) InstanceID() string {
	return b.instanceID
}

// Publish fans a local document update out to peer instances.
func (b *Bus) Publish(roomName string, update []byte) error {
	payload, err := json.Marshal(envelope{
		InstanceID: b.instanceID,
		Room:       roomName,
		UpdateB64:  base64.StdEncoding.EncodeToString(update),
	})
	if err != nil {
		return fmt.Errorf("encode fanout envelope: %w", err)
	}
	return b.conn.Publish(subjectFor(roomName), payload)
}

// Subscribe starts delivering peer updates to the handler. Updates that
// carry this instance's id are dropped.
func (b *Bus) Subscribe(handler Handler) error {
	if handler == nil {
		return ErrMissingHandler
	}
	sub, err := b.conn.Subscribe(subjectPrefix+">", func(msg *nats.Msg) {
		roomName, update, skip, err := decodeEnvelope(msg.Data, b.instanceID)
		if err != nil {
			b.logger.Warn("fanout envelope rejected", zap.Error(err))
			return
		}
		if skip {
			return
		}
		handler(roomName, update)
	})
	if err != nil {
		return fmt.Errorf("subscribe to fanout subject: %w", err)
	}
	b.sub = sub
	return nil
}

// Close drains the subscription and releases the connection.
func (b *Bus) Close() {
	if b.sub != nil {
		_ = b.sub.Drain()
	}
	if b.conn != nil {
		_ = b.conn.Drain()
		b.conn.Close()
	}
}

// subjectFor embeds the room name in the publish subject as a single
// base64url token. Dots, wildcards, and spaces in a raw name would split or
// match other subjects; subscribers recover the real name from the envelope.
func subjectFor(roomName string) string {
	return subjectPrefix + base64.RawURLEncoding.EncodeToString([]byte(roomName))
}

func decodeEnvelope(data []byte, selfID string) (roomName string, update []byte, skip bool, err error) {
	var msg envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", nil, false, fmt.Errorf("decode fanout envelope: %w", err)
	}
	if msg.InstanceID == selfID {
		return "", nil, true, nil
	}
	if strings.TrimSpace(msg.Room) == "" {
		return "", nil, false, errors.New("fanout envelope missing room")
	}
	update, err = base64.StdEncoding.DecodeString(msg.UpdateB64)
	if err != nil {
		return "", nil, false, fmt.Errorf("decode fanout payload: %w", err)
	}
	return msg.Room, update, false, nil
}
