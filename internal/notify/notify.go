package notify

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type Level string

const (
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelError   Level = "error"
)

// Notice is a short user-facing message, the kind a dashboard shows as a toast.
type Notice struct {
	Level   Level     `json:"level"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	OrderID string    `json:"order_id,omitempty"`
	Time    time.Time `json:"time"`
}

type Notifier interface {
	Notify(notice Notice)
}

func Success(title, message string) Notice {
	return Notice{Level: LevelSuccess, Title: title, Message: message}
}

func Info(title, message string) Notice {
	return Notice{Level: LevelInfo, Title: title, Message: message}
}

func Error(title, message string) Notice {
	return Notice{Level: LevelError, Title: title, Message: message}
}

func (n Notice) ForOrder(orderID string) Notice {
	n.OrderID = orderID
	return n
}

type Multi []Notifier

func (m Multi) Notify(notice Notice) {
	if notice.Time.IsZero() {
		notice.Time = time.Now()
	}
	for _, n := range m {
		if n != nil {
			n.Notify(notice)
		}
	}
}

type LogNotifier struct {
	logger *logrus.Logger
}

func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(notice Notice) {
	entry := l.logger.WithFields(logrus.Fields{
		"level_hint": notice.Level,
		"title":      notice.Title,
		"order_id":   notice.OrderID,
	})
	if notice.Level == LevelError {
		entry.Warn(notice.Message)
		return
	}
	entry.Info(notice.Message)
}

// Broadcaster is implemented by the websocket hub.
type Broadcaster interface {
	Broadcast(messageType string, data interface{}, source string)
}

const MessageTypeNotice = "notice"

type BroadcastNotifier struct {
	hub    Broadcaster
	source string
}

func NewBroadcastNotifier(hub Broadcaster, source string) *BroadcastNotifier {
	return &BroadcastNotifier{hub: hub, source: source}
}

func (b *BroadcastNotifier) Notify(notice Notice) {
	b.hub.Broadcast(MessageTypeNotice, notice, b.source)
}

// History keeps the most recent notices, newest last.
type History struct {
	mutex   sync.Mutex
	notices []Notice
	limit   int
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = 50
	}
	return &History{limit: limit}
}

func (h *History) Notify(notice Notice) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.notices = append(h.notices, notice)
	if len(h.notices) > h.limit {
		h.notices = h.notices[len(h.notices)-h.limit:]
	}
}

func (h *History) Notices() []Notice {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return append([]Notice(nil), h.notices...)
}

func (h *History) Count(level Level) int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	count := 0
	for _, n := range h.notices {
		if n.Level == level {
			count++
		}
	}
	return count
}
