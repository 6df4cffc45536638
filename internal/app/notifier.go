package app

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jaakkos/loadout/internal/domain"
)

// MethodApplyResult is the MCP notification method carrying apply outcomes.
const MethodApplyResult = "notifications/loadout_apply"

const recentNotifications = 20

// ApplyNotification is the payload pushed to connected clients after an apply.
type ApplyNotification struct {
	Level   string       `json:"level"` // info or error
	Mode    string       `json:"mode"`  // toast or chat
	Preset  string       `json:"preset"`
	Message string       `json:"message"`
	Report  *ApplyReport `json:"report,omitempty"`
	At      time.Time    `json:"at"`
}

// Notifier turns apply outcomes into user notifications according to the scope's
// notification mode: nothing for none, a terse line for toast, counts for chat.
// The log always receives the full detail.
type Notifier struct {
	pushFunc func(method string, params any) error
	logger   *zap.Logger

	mu     sync.Mutex
	recent []ApplyNotification
}

// NewNotifier creates a notifier. pushFunc may be nil, in which case notifications
// are only logged and kept in the recent list.
func NewNotifier(pushFunc func(method string, params any) error, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{pushFunc: pushFunc, logger: logger.Named("notify")}
}

// Applied reports a successful apply.
func (n *Notifier) Applied(mode domain.NotificationMode, r ApplyReport) {
	n.logger.Debug("apply succeeded", zap.String("preset", r.Preset), zap.Any("report", r))
	if mode == domain.NotifyNone {
		return
	}
	rep := r
	n.send(ApplyNotification{
		Level:   "info",
		Mode:    string(mode),
		Preset:  r.Preset,
		Message: appliedMessage(mode, r),
		Report:  &rep,
	})
}

// Failed reports an apply that returned an error.
func (n *Notifier) Failed(mode domain.NotificationMode, preset string, err error) {
	n.logger.Debug("apply failed", zap.String("preset", preset), zap.Error(err))
	if mode == domain.NotifyNone {
		return
	}
	msg := fmt.Sprintf("Applying %s failed", displayName(preset))
	if mode == domain.NotifyChat {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	n.send(ApplyNotification{Level: "error", Mode: string(mode), Preset: preset, Message: msg})
}

// Recent returns the latest notifications, oldest first.
func (n *Notifier) Recent() []ApplyNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]ApplyNotification, len(n.recent))
	copy(out, n.recent)
	return out
}

func (n *Notifier) send(msg ApplyNotification) {
	msg.At = time.Now().UTC()
	n.mu.Lock()
	n.recent = append(n.recent, msg)
	if len(n.recent) > recentNotifications {
		n.recent = n.recent[len(n.recent)-recentNotifications:]
	}
	n.mu.Unlock()

	if n.pushFunc == nil {
		return
	}
	if err := n.pushFunc(MethodApplyResult, msg); err != nil {
		n.logger.Warn("push notification failed", zap.Error(err))
	}
}

func displayName(preset string) string {
	if preset == domain.AlwaysOnOnlyToken {
		return "always-on only"
	}
	return preset
}

func appliedMessage(mode domain.NotificationMode, r ApplyReport) string {
	var head string
	switch {
	case r.Rollback:
		head = "Rolled back"
	case r.AlwaysOnOnly:
		head = "Applied always-on only"
	default:
		head = "Applied " + r.Preset
	}
	if mode != domain.NotifyChat {
		return head
	}
	parts := []string{
		fmt.Sprintf("%d enabled", len(r.Enabled)),
		fmt.Sprintf("%d disabled", len(r.Disabled)),
	}
	if len(r.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("%d missing (%s)", len(r.Missing), strings.Join(r.Missing, ", ")))
	}
	if len(r.TimedOut) > 0 {
		parts = append(parts, fmt.Sprintf("%d unconfirmed", len(r.TimedOut)))
	}
	return head + ": " + strings.Join(parts, ", ")
}
