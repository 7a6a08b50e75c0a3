// Package notifier sends operator alerts to an ntfy topic.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jikku/funnel-server/internal/logging"
)

// Notification types
const (
	NotificationPanic   = "panic"
	NotificationStartup = "startup"
	NotificationError   = "error"
)

// DefaultMinInterval throttles repeated alerts of the same type
const DefaultMinInterval = time.Minute

// Config describes the ntfy destination
type Config struct {
	URL     string
	Topic   string
	Service string

	// DryRun logs notifications instead of sending them (development)
	DryRun bool
}

// Notifier posts JSON messages to ntfy
type Notifier struct {
	cfg         Config
	client      *http.Client
	logger      *logging.Logger
	minInterval time.Duration
	now         func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// New creates a notifier. A notifier without a topic is disabled.
func New(cfg Config, logger *logging.Logger) *Notifier {
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg.URL = strings.TrimSuffix(cfg.URL, "/")
	return &Notifier{
		cfg:         cfg,
		client:      &http.Client{Timeout: 10 * time.Second},
		logger:      logger.Named("notifier"),
		minInterval: DefaultMinInterval,
		now:         time.Now,
		lastSent:    make(map[string]time.Time),
	}
}

// Enabled reports whether a topic is configured
func (n *Notifier) Enabled() bool {
	return n != nil && n.cfg.Topic != ""
}

// Send posts a notification. Alerts of one type are throttled to one per
// minimum interval; throttled alerts are logged and dropped.
func (n *Notifier) Send(ctx context.Context, title, message, notificationType string) error {
	if !n.Enabled() {
		return nil
	}

	if !n.allow(notificationType) {
		n.logger.Debug("notification throttled", zap.String("type", notificationType), zap.String("title", title))
		return nil
	}

	if n.cfg.DryRun {
		n.logger.Info("notification (dry run)",
			zap.String("type", notificationType),
			zap.String("title", title),
			zap.String("message", message),
		)
		return nil
	}

	payload := map[string]any{
		"topic":    n.cfg.Topic,
		"title":    title,
		"message":  message,
		"tags":     []string{n.cfg.Service, notificationType},
		"priority": priorityFor(notificationType),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	// ntfy accepts JSON publishing on the root URL
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ntfy returned status %d", resp.StatusCode)
	}

	n.logger.Info("notification sent", zap.String("type", notificationType), zap.String("title", title))
	return nil
}

func (n *Notifier) allow(notificationType string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if last, ok := n.lastSent[notificationType]; ok && now.Sub(last) < n.minInterval {
		return false
	}
	n.lastSent[notificationType] = now
	return true
}

func priorityFor(notificationType string) int {
	switch notificationType {
	case NotificationPanic, NotificationError:
		return 4
	case NotificationStartup:
		return 2
	default:
		return 3
	}
}

// NotifyPanic reports a recovered handler panic. It does not block the
// request; delivery happens in the background.
func (n *Notifier) NotifyPanic(r *http.Request, value any) {
	if !n.Enabled() {
		return
	}
	msg := fmt.Sprintf("%s %s: %v", r.Method, r.URL.Path, value)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := n.Send(ctx, "Panic in "+n.cfg.Service, msg, NotificationPanic); err != nil {
			n.logger.Warn("failed to send panic notification", zap.Error(err))
		}
	}()
}

// NotifyStartup announces that the server is listening
func (n *Notifier) NotifyStartup(ctx context.Context, addr string) error {
	return n.Send(ctx, n.cfg.Service+" started", "Listening on "+addr, NotificationStartup)
}
