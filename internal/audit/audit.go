// Package audit appends structured event records for every mutating or
// sensitive read operation. The log is a persisted JSON array rewritten
// whole on each append; a corrupt or missing file is treated as empty so
// logging never blocks the primary operation.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"keyserver/internal/infrastructure"
)

// Action tags recorded in the audit log.
const (
	ActionGenerateKey          = "generate_key"
	ActionActivateKey          = "activate_key"
	ActionValidateKey          = "validate_key"
	ActionKeyExpired           = "key_expired"
	ActionMachineLimitExceeded = "machine_limit_exceeded"
	ActionInvalidKeyAttempt    = "invalid_key_attempt"
	ActionUpdateExpiration     = "update_expiration_for_product"
	ActionGetKeyInfo           = "get_key_info"
	ActionEditKeyInfo          = "edit_key_info"
	ActionDeleteKey            = "delete_key"
	ActionRetrieveRequestLogs  = "retrieve_request_logs"
	ActionRetrieveKeysFile     = "retrieve_keys_file"
)

// Event is one immutable audit record.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Client    Client    `json:"client"`
	Action    string    `json:"action"`
	Details   Details   `json:"details"`
}

// Client identifies the caller.
type Client struct {
	IPAddress string `json:"ip_address"`
	Username  string `json:"username,omitempty"`
}

// Details carries the subject identifiers of the action.
type Details struct {
	Key       string `json:"key,omitempty"`
	ProductID string `json:"product_id,omitempty"`
	MachineID string `json:"machine_id,omitempty"`
}

// Entry is the caller-facing slice of an event; the logger stamps the
// timestamp, level and client IP itself.
type Entry struct {
	Action    string
	Username  string
	Key       string
	ProductID string
	MachineID string
	Level     string
}

// Logger appends events to a file-backed JSON array.
type Logger struct {
	path    string
	logger  *slog.Logger
	metrics *infrastructure.BusinessMetrics
	now     func() time.Time

	mu sync.Mutex
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock overrides the timestamp clock.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// WithMetrics attaches business metric instruments.
func WithMetrics(metrics *infrastructure.BusinessMetrics) Option {
	return func(l *Logger) { l.metrics = metrics }
}

// NewLogger creates an audit logger writing to path.
func NewLogger(path string, logger *slog.Logger, opts ...Option) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{
		path:   path,
		logger: logger.With(slog.String("component", "audit")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the location of the audit log file.
func (l *Logger) Path() string { return l.path }

// Append records one event. The caller IP is taken from the request
// context (first hop of X-Forwarded-For, resolved by middleware).
// Failures are logged and swallowed: audit is best-effort durable and
// must never fail the operation it describes.
func (l *Logger) Append(ctx context.Context, entry Entry) {
	level := entry.Level
	if level == "" {
		level = "INFO"
	}
	event := Event{
		Timestamp: l.now(),
		Level:     level,
		Client: Client{
			IPAddress: infrastructure.GetClientIP(ctx),
			Username:  entry.Username,
		},
		Action: entry.Action,
		Details: Details{
			Key:       entry.Key,
			ProductID: entry.ProductID,
			MachineID: entry.MachineID,
		},
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	events := l.read(ctx)
	events = append(events, event)
	if err := l.write(events); err != nil {
		l.logger.ErrorContext(ctx, "audit append failed",
			slog.String("action", entry.Action),
			slog.String("error", err.Error()))
		if l.metrics != nil {
			l.metrics.AuditAppendFailures.Add(ctx, 1)
		}
	}
}

// read loads the existing log. Missing or corrupt files start a fresh log
// rather than failing.
func (l *Logger) read(ctx context.Context) []Event {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return []Event{}
	}
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		l.logger.WarnContext(ctx, "audit log unreadable, starting fresh",
			slog.String("path", l.path),
			slog.String("error", err.Error()))
		return []Event{}
	}
	return events
}

func (l *Logger) write(events []Event) error {
	data, err := json.MarshalIndent(events, "", "    ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(l.path, data, 0o644)
}
