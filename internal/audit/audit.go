// Package audit records security-relevant events in a capacity-bounded,
// queryable in-memory store. Every entry is also written to the structured
// log and to any configured Sinks.
package audit

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cafehub/cafeguard/internal/clock"
	"github.com/cafehub/cafeguard/internal/logger"
	"github.com/cafehub/cafeguard/internal/metrics"
	"github.com/cafehub/cafeguard/internal/model"
)

// DefaultCapacity is the number of entries retained before the oldest are evicted.
const DefaultCapacity = 10000

const (
	sinkTimeout = 2 * time.Second

	// DefaultSinkQueue is the number of entries buffered for sinks before new
	// entries are dropped.
	DefaultSinkQueue = 1024
)

// Sink receives a copy of every entry from a background goroutine. Write
// errors are logged and otherwise ignored.
type Sink interface {
	Write(ctx context.Context, entry model.AuditLogEntry) error
}

// Logger is the audit store. It is safe for concurrent use and Log never fails.
type Logger struct {
	capacity int
	clock    clock.Clock
	log      *logger.Logger
	metrics  *metrics.Metrics
	sinks    []Sink

	mu      sync.RWMutex
	entries *list.List // of model.AuditLogEntry, oldest at the front

	queueSize int
	queueMu   sync.RWMutex
	queue     chan model.AuditLogEntry // nil when there are no sinks or after Close
	drained   chan struct{}
}

// Option configures a Logger.
type Option func(*Logger)

// WithSink adds an extra destination for entries.
func WithSink(s Sink) Option {
	return func(l *Logger) {
		if s != nil {
			l.sinks = append(l.sinks, s)
		}
	}
}

// WithSinkQueue sets how many entries may wait for the sinks.
func WithSinkQueue(size int) Option {
	return func(l *Logger) {
		if size > 0 {
			l.queueSize = size
		}
	}
}

// WithMetrics records entry counts and store size.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Logger) { l.metrics = m }
}

// New creates a Logger holding at most capacity entries.
func New(capacity int, clk clock.Clock, log *logger.Logger, opts ...Option) *Logger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = logger.Nop()
	}
	l := &Logger{
		capacity:  capacity,
		clock:     clk,
		log:       log.WithComponent("audit"),
		entries:   list.New(),
		queueSize: DefaultSinkQueue,
	}
	for _, opt := range opts {
		opt(l)
	}
	if len(l.sinks) > 0 {
		l.queue = make(chan model.AuditLogEntry, l.queueSize)
		l.drained = make(chan struct{})
		go l.drain(l.queue)
	}
	return l
}

// Close stops accepting entries for the sinks and waits until the queued ones
// have been written. Entries logged afterwards are only stored.
func (l *Logger) Close() {
	l.queueMu.Lock()
	queue := l.queue
	l.queue = nil
	l.queueMu.Unlock()

	if queue == nil {
		return
	}
	close(queue)
	<-l.drained
}

// Capacity returns the maximum number of retained entries.
func (l *Logger) Capacity() int { return l.capacity }

// Len returns the number of retained entries.
func (l *Logger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries.Len()
}

// Log stores entry, filling in ID, Timestamp and Severity when unset, and
// returns the stored value.
func (l *Logger) Log(entry model.AuditLogEntry) model.AuditLogEntry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.clock.Now()
	}
	if entry.Severity == "" {
		entry.Severity = model.AuditSeverityInfo
	}

	l.mu.Lock()
	l.entries.PushBack(entry)
	for l.entries.Len() > l.capacity {
		l.entries.Remove(l.entries.Front())
	}
	size := l.entries.Len()
	l.mu.Unlock()

	l.metrics.AuditWritten(string(entry.Category), size)
	l.emit(entry)
	l.fanOut(entry)

	return entry
}

// emit writes the leveled log line.
func (l *Logger) emit(e model.AuditLogEntry) {
	var event *zerolog.Event
	switch e.Severity {
	case model.AuditSeverityCritical:
		event = l.log.Error().Str("severity", "critical")
	case model.AuditSeverityError:
		event = l.log.Error()
	case model.AuditSeverityWarning:
		event = l.log.Warn()
	default:
		event = l.log.Info()
	}

	event = event.
		Str("audit_id", e.ID).
		Str("category", string(e.Category)).
		Str("action", e.Action).
		Bool("success", e.Success)
	if e.UserID != nil {
		event = event.Str("user_id", *e.UserID)
	}
	if e.ResourceType != nil {
		event = event.Str("resource_type", *e.ResourceType)
	}
	if e.ResourceID != nil {
		event = event.Str("resource_id", *e.ResourceID)
	}
	if e.IPAddress != nil {
		event = event.Str("ip", *e.IPAddress)
	}
	if e.Reason != nil {
		event = event.Str("reason", *e.Reason)
	}
	event.Msg("audit")
}

// fanOut queues e for the sinks without blocking. A full queue drops e.
func (l *Logger) fanOut(e model.AuditLogEntry) {
	l.queueMu.RLock()
	defer l.queueMu.RUnlock()
	if l.queue == nil {
		return
	}

	select {
	case l.queue <- e:
	default:
		l.metrics.AuditSinkDropped()
		l.log.Warn().Str("audit_id", e.ID).Msg("audit sink queue full, entry dropped")
	}
}

func (l *Logger) drain(queue <-chan model.AuditLogEntry) {
	defer close(l.drained)
	for e := range queue {
		l.write(e)
	}
}

func (l *Logger) write(e model.AuditLogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	for _, s := range l.sinks {
		if err := s.Write(ctx, e); err != nil {
			l.log.Error().Err(err).Str("audit_id", e.ID).Msg("audit sink write failed")
		}
	}
}

// LogAuthentication records a sign-in attempt. Failures are logged as warnings.
func (l *Logger) LogAuthentication(action, userID string, success bool, ip, userAgent, reason string) {
	severity := model.AuditSeverityInfo
	if !success {
		severity = model.AuditSeverityWarning
	}
	l.Log(model.AuditLogEntry{
		Category:  model.AuditCategoryAuthentication,
		Action:    action,
		UserID:    model.StringPtr(userID),
		Success:   success,
		IPAddress: model.StringPtr(ip),
		UserAgent: model.StringPtr(userAgent),
		Reason:    model.StringPtr(reason),
		Severity:  severity,
	})
}

// LogDataAccess records a read of a resource.
func (l *Logger) LogDataAccess(userID, resourceType, resourceID, action, ip string) {
	l.Log(model.AuditLogEntry{
		Category:     model.AuditCategoryDataAccess,
		Action:       action,
		UserID:       model.StringPtr(userID),
		ResourceType: model.StringPtr(resourceType),
		ResourceID:   model.StringPtr(resourceID),
		Success:      true,
		IPAddress:    model.StringPtr(ip),
	})
}

// LogDataModification records a change to a resource with its before and after values.
func (l *Logger) LogDataModification(userID, resourceType, resourceID, action, oldValue, newValue, ip string) {
	l.Log(model.AuditLogEntry{
		Category:     model.AuditCategoryDataModification,
		Action:       action,
		UserID:       model.StringPtr(userID),
		ResourceType: model.StringPtr(resourceType),
		ResourceID:   model.StringPtr(resourceID),
		Success:      true,
		IPAddress:    model.StringPtr(ip),
		OldValue:     model.StringPtr(oldValue),
		NewValue:     model.StringPtr(newValue),
	})
}

// LogSecurityEvent records a security event such as a rejected request.
func (l *Logger) LogSecurityEvent(action string, severity model.AuditSeverity, userID, ip, details string) {
	if severity == "" {
		severity = model.AuditSeverityWarning
	}
	l.Log(model.AuditLogEntry{
		Category:  model.AuditCategorySecurity,
		Action:    action,
		UserID:    model.StringPtr(userID),
		Success:   false,
		IPAddress: model.StringPtr(ip),
		Details:   model.StringPtr(details),
		Severity:  severity,
	})
}

// LogAdminAction records an administrative operation performed by adminUserID.
func (l *Logger) LogAdminAction(adminUserID, action, targetUserID, details, ip string) {
	l.Log(model.AuditLogEntry{
		Category:     model.AuditCategoryAdministration,
		Action:       action,
		UserID:       model.StringPtr(adminUserID),
		TargetUserID: model.StringPtr(targetUserID),
		Success:      true,
		IPAddress:    model.StringPtr(ip),
		Details:      model.StringPtr(details),
	})
}

// LogAPICall records a service call authenticated with an API key.
func (l *Logger) LogAPICall(serviceName, action, method, endpoint string, success bool, ip string) {
	severity := model.AuditSeverityInfo
	if !success {
		severity = model.AuditSeverityWarning
	}
	l.Log(model.AuditLogEntry{
		Category:     model.AuditCategoryAPIUsage,
		Action:       action,
		UserID:       model.StringPtr(serviceName),
		ResourceType: model.StringPtr("endpoint"),
		ResourceID:   model.StringPtr(method + " " + endpoint),
		Success:      success,
		IPAddress:    model.StringPtr(ip),
		Severity:     severity,
	})
}

// LogFileOperation records an upload, download or delete of fileName.
func (l *Logger) LogFileOperation(userID, action, fileName string, success bool, ip, details string) {
	severity := model.AuditSeverityInfo
	if !success {
		severity = model.AuditSeverityError
	}
	l.Log(model.AuditLogEntry{
		Category:     model.AuditCategoryFileOperation,
		Action:       action,
		UserID:       model.StringPtr(userID),
		ResourceType: model.StringPtr("file"),
		ResourceID:   model.StringPtr(fileName),
		Success:      success,
		IPAddress:    model.StringPtr(ip),
		Details:      model.StringPtr(details),
		Severity:     severity,
	})
}
