// Package analytics publishes session events to Kafka.
package analytics

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/park285/cheese-club-session/internal/bet"
	"github.com/park285/cheese-club-session/internal/session"
)

const DefaultTopic = "club-session-events"

// EventType classifies a published event.
type EventType string

const (
	EventGameEnd         EventType = "game_end"
	EventBetResult       EventType = "bet_result"
	EventConnectionState EventType = "connection_state"
)

// Event is the JSON envelope written to the topic.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// ConnectionData is published whenever the connection state changes.
type ConnectionData struct {
	State        string `json:"state"`
	Reconnecting bool   `json:"reconnecting"`
	Attempt      int    `json:"attempt"`
}

// Producer publishes session events. A disabled producer drops everything,
// so callers never need to check whether Kafka is configured.
type Producer struct {
	producer  sarama.SyncProducer
	topic     string
	sessionID string
	logger    *zap.Logger
	enabled   bool
}

// NewProducer connects to brokers. When Kafka is unreachable it logs and
// returns a disabled producer instead of failing startup.
func NewProducer(brokers []string, topic, sessionID string, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(brokers) == 0 {
		return &Producer{logger: logger}
	}
	config := sarama.NewConfig()
	config.ClientID = "clubsession"
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3

	sp, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		logger.Warn("analytics_disabled", zap.Strings("brokers", brokers), zap.Error(err))
		return &Producer{logger: logger}
	}
	logger.Info("analytics_connected", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return NewWithProducer(sp, topic, sessionID, logger)
}

// NewWithProducer wraps an existing sarama producer.
func NewWithProducer(sp sarama.SyncProducer, topic, sessionID string, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(topic) == "" {
		topic = DefaultTopic
	}
	return &Producer{producer: sp, topic: topic, sessionID: sessionID, logger: logger, enabled: sp != nil}
}

func (p *Producer) Enabled() bool { return p != nil && p.enabled }

func (p *Producer) GameEnd(rec session.GameEndRecord) {
	p.send(EventGameEnd, rec.GameID, rec.EndedAt, rec)
}

func (p *Producer) BetResult(r bet.Result) {
	p.send(EventBetResult, r.BetID, r.SavedAt, r)
}

// ConnectionState publishes only transitions of State or Reconnecting; the
// per-second window refresh is not forwarded.
func (p *Producer) ConnectionState(prev, cur session.Snapshot) {
	if prev.State == cur.State && prev.Reconnecting == cur.Reconnecting {
		return
	}
	p.send(EventConnectionState, p.sessionID, time.Now(), ConnectionData{
		State:        cur.State.String(),
		Reconnecting: cur.Reconnecting,
		Attempt:      cur.Attempt,
	})
}

func (p *Producer) send(t EventType, key string, ts time.Time, data any) {
	if !p.Enabled() {
		return
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	raw, err := json.Marshal(Event{Type: t, SessionID: p.sessionID, Timestamp: ts.UTC(), Data: data})
	if err != nil {
		p.logger.Warn("analytics_marshal_failed", zap.String("type", string(t)), zap.Error(err))
		return
	}
	if key == "" {
		key = p.sessionID
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(raw),
	}
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		p.logger.Warn("analytics_send_failed", zap.String("type", string(t)), zap.Error(err))
	}
}

func (p *Producer) Close() error {
	if !p.Enabled() {
		return nil
	}
	return p.producer.Close()
}
