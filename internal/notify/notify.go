// Package notify forwards trader events to chat and webhook channels.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"trade-connector/internal/models"
	"trade-connector/internal/trader"
	"trade-connector/pkg/utils"
)

// Channel delivers a notification to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Notification is a rendered event.
type Notification struct {
	Type      NotificationType       `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationTrade NotificationType = "trade"
	NotificationClose NotificationType = "close"
	NotificationError NotificationType = "error"
)

// Level filters which notifications are sent.
type Level string

const (
	LevelAll        Level = "all"
	LevelTradesOnly Level = "trades_only"
	LevelErrorsOnly Level = "errors_only"
)

// ParseLevel validates a level name. Empty means LevelAll.
func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToLower(strings.TrimSpace(s))); l {
	case "":
		return LevelAll, nil
	case LevelAll, LevelTradesOnly, LevelErrorsOnly:
		return l, nil
	default:
		return "", fmt.Errorf("unknown notification level %q", s)
	}
}

func (l Level) allows(t NotificationType) bool {
	switch l {
	case LevelTradesOnly:
		return t == NotificationTrade || t == NotificationClose
	case LevelErrorsOnly:
		return t == NotificationError
	default:
		return true
	}
}

// Notifier is a trader.Observer that queues events and delivers them from
// its own goroutine, so a slow channel never stalls the trading loop.
// Signals are not forwarded.
type Notifier struct {
	level    Level
	channels []Channel
	timeout  time.Duration
	logger   zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan Notification
	dropped atomic.Int64
	wg      sync.WaitGroup
}

// Config holds Notifier settings.
type Config struct {
	Level   Level
	Buffer  int
	Timeout time.Duration
}

// New creates a Notifier and starts its sender. Call Close to flush and stop it.
func New(cfg Config, logger zerolog.Logger, channels ...Channel) *Notifier {
	if cfg.Level == "" {
		cfg.Level = LevelAll
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 32
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	n := &Notifier{
		level:    cfg.Level,
		channels: channels,
		timeout:  cfg.Timeout,
		logger:   logger,
		queue:    make(chan Notification, cfg.Buffer),
	}
	n.wg.Add(1)
	go n.run()
	return n
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for msg := range n.queue {
		n.deliver(msg)
	}
}

func (n *Notifier) deliver(msg Notification) {
	for _, ch := range n.channels {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		if err := ch.Send(ctx, msg); err != nil {
			n.logger.Warn().Err(err).Str("channel", ch.Name()).Str("type", string(msg.Type)).Msg("notification failed")
		}
		cancel()
	}
}

// Close stops accepting events and waits for queued ones to be sent.
func (n *Notifier) Close() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	n.wg.Wait()
}

// Dropped returns how many notifications were discarded on a full queue.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

func (n *Notifier) enqueue(msg Notification) {
	if !n.level.allows(msg.Type) || len(n.channels) == 0 {
		return
	}
	msg.Timestamp = time.Now()

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.dropped.Add(1)
		return
	}
	select {
	case n.queue <- msg:
	default:
		n.dropped.Add(1)
	}
}

func (n *Notifier) OnSignal(string, models.Signal, float64) {}

func (n *Notifier) OnTrade(symbol string, signal models.Signal, ticket int64, volume float64) {
	n.enqueue(Notification{
		Type:    NotificationTrade,
		Title:   fmt.Sprintf("🔔 %s %s", signal, symbol),
		Message: fmt.Sprintf("Opened %s %s lots, ticket #%d", signal, utils.FormatLots(volume), ticket),
		Data: map[string]interface{}{
			"symbol": symbol,
			"signal": string(signal),
			"ticket": ticket,
			"volume": volume,
		},
	})
}

func (n *Notifier) OnClose(ticket int64, profit float64) {
	emoji := "📊"
	switch {
	case profit > 0:
		emoji = "💰"
	case profit < 0:
		emoji = "📉"
	}
	n.enqueue(Notification{
		Type:    NotificationClose,
		Title:   fmt.Sprintf("%s Position #%d closed", emoji, ticket),
		Message: fmt.Sprintf("Profit: %s", utils.FormatPnL(profit)),
		Data: map[string]interface{}{
			"ticket": ticket,
			"profit": profit,
		},
	})
}

func (n *Notifier) OnError(message string) {
	n.enqueue(Notification{
		Type:    NotificationError,
		Title:   "❌ Trading error",
		Message: message,
	})
}

var _ trader.Observer = (*Notifier)(nil)
