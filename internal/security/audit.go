package security

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

const (
	// Model container events
	AuditModelEncrypted AuditEventType = "MODEL_ENCRYPTED"
	AuditModelDecrypted AuditEventType = "MODEL_DECRYPTED"
	AuditModelRejected  AuditEventType = "MODEL_REJECTED"
	AuditModelDeleted   AuditEventType = "MODEL_DELETED"

	// Trading events
	AuditOrderPlaced    AuditEventType = "ORDER_PLACED"
	AuditOrderRejected  AuditEventType = "ORDER_REJECTED"
	AuditPositionClosed AuditEventType = "POSITION_CLOSED"

	// Trader lifecycle
	AuditTraderStarted AuditEventType = "TRADER_STARTED"
	AuditTraderStopped AuditEventType = "TRADER_STOPPED"
)

// AuditEvent represents a single audit log entry.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType AuditEventType         `json:"event_type"`
	ModelID   string                 `json:"model_id,omitempty"`
	Symbol    string                 `json:"symbol,omitempty"`
	Ticket    int64                  `json:"ticket,omitempty"`
	Action    string                 `json:"action,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Success   bool                   `json:"success"`
	ErrorMsg  string                 `json:"error,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// AuditLogger writes audit events as JSON lines to a rotating file.
// A nil *AuditLogger discards events.
type AuditLogger struct {
	writer    *lumberjack.Logger
	mu        sync.Mutex
	sessionID string
}

// AuditConfig holds audit logger configuration.
type AuditConfig struct {
	LogDir     string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// DefaultAuditConfig returns the default audit configuration.
func DefaultAuditConfig() AuditConfig {
	home, _ := os.UserHomeDir()
	return AuditConfig{
		LogDir:     filepath.Join(home, ".config", "trade-connector", "audit"),
		MaxSize:    50,
		MaxBackups: 30,
		MaxAge:     365,
		Compress:   true,
	}
}

// NewAuditLogger creates a new audit logger.
func NewAuditLogger(cfg AuditConfig) (*AuditLogger, error) {
	if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "audit.log"),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}

	return &AuditLogger{
		writer:    writer,
		sessionID: generateSessionID(),
	}, nil
}

type requestIDKey struct{}

// WithRequestID attaches a request id that audit events will carry.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// Log logs an audit event.
func (al *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if al == nil {
		return nil
	}
	al.mu.Lock()
	defer al.mu.Unlock()

	event.Timestamp = time.Now().UTC()
	event.SessionID = al.sessionID
	if reqID, ok := ctx.Value(requestIDKey{}).(string); ok {
		event.RequestID = reqID
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serializing audit event: %w", err)
	}

	if _, err := al.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	return nil
}

// LogModel logs a model container event. Write failures are dropped.
func (al *AuditLogger) LogModel(ctx context.Context, eventType AuditEventType, modelID string, success bool, errorMsg string) {
	_ = al.Log(ctx, AuditEvent{
		EventType: eventType,
		ModelID:   modelID,
		Success:   success,
		ErrorMsg:  errorMsg,
	})
}

// LogOrderPlaced logs an order submission and its outcome. Write failures
// are dropped.
func (al *AuditLogger) LogOrderPlaced(ctx context.Context, ticket int64, symbol, side string, volume, sl, tp, confidence float64, errorMsg string) {
	eventType := AuditOrderPlaced
	if errorMsg != "" {
		eventType = AuditOrderRejected
	}
	_ = al.Log(ctx, AuditEvent{
		EventType: eventType,
		Ticket:    ticket,
		Symbol:    symbol,
		Action:    side,
		Success:   errorMsg == "",
		ErrorMsg:  errorMsg,
		Details: map[string]interface{}{
			"volume":     volume,
			"sl":         sl,
			"tp":         tp,
			"confidence": confidence,
		},
	})
}

// LogPositionClosed logs a reconciled position.
func (al *AuditLogger) LogPositionClosed(ctx context.Context, ticket int64, symbol string, profit float64) {
	_ = al.Log(ctx, AuditEvent{
		EventType: AuditPositionClosed,
		Ticket:    ticket,
		Symbol:    symbol,
		Success:   true,
		Details: map[string]interface{}{
			"profit": profit,
		},
	})
}

// LogTrader logs a trader start or stop.
func (al *AuditLogger) LogTrader(ctx context.Context, eventType AuditEventType, symbols []string) {
	_ = al.Log(ctx, AuditEvent{
		EventType: eventType,
		Success:   true,
		Details: map[string]interface{}{
			"symbols": symbols,
		},
	})
}

// Close closes the audit logger.
func (al *AuditLogger) Close() error {
	if al == nil {
		return nil
	}
	return al.writer.Close()
}

func generateSessionID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}
