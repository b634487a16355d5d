package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cafehub/cafeguard/internal/apperror"
	"github.com/cafehub/cafeguard/internal/model"
)

// DefaultMaxResults caps Query when Filter.MaxResults is not positive.
const DefaultMaxResults = 100

// MaxWindowHours bounds the look-back of SecurityAlerts and FailedLoginCount.
const MaxWindowHours = 24 * 366

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

var ErrUnsupportedFormat = apperror.New(apperror.InvalidInput, "Unsupported export format")

var csvHeader = []string{
	"Timestamp", "Category", "Action", "UserId", "ResourceType",
	"ResourceId", "Success", "IpAddress", "Details",
}

// Filter selects entries for Query. Zero values match everything.
type Filter struct {
	Category   *model.AuditCategory
	UserID     string
	Start      *time.Time
	End        *time.Time
	MaxResults int
}

func (f Filter) match(e *model.AuditLogEntry) bool {
	if f.Category != nil && e.Category != *f.Category {
		return false
	}
	if f.UserID != "" && model.Deref(e.UserID) != f.UserID {
		return false
	}
	if f.Start != nil && e.Timestamp.Before(*f.Start) {
		return false
	}
	if f.End != nil && e.Timestamp.After(*f.End) {
		return false
	}
	return true
}

// collect returns up to limit matching entries ordered by Timestamp, most
// recent first. Entries with equal timestamps keep the newest insertion first.
// A non-positive limit returns all matches.
func (l *Logger) collect(limit int, match func(*model.AuditLogEntry) bool) []model.AuditLogEntry {
	out := make([]model.AuditLogEntry, 0)

	l.mu.RLock()
	for el := l.entries.Back(); el != nil; el = el.Prev() {
		e := el.Value.(model.AuditLogEntry)
		if match(&e) {
			out = append(out, e)
		}
	}
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// windowStart returns the start of a look-back of hours hours, clamped to
// [0, MaxWindowHours].
func (l *Logger) windowStart(hours int) time.Time {
	if hours < 0 {
		hours = 0
	}
	if hours > MaxWindowHours {
		hours = MaxWindowHours
	}
	return l.clock.Now().Add(-time.Duration(hours) * time.Hour)
}

// Query returns matching entries, most recent first.
func (l *Logger) Query(f Filter) []model.AuditLogEntry {
	limit := f.MaxResults
	if limit <= 0 {
		limit = DefaultMaxResults
	}
	return l.collect(limit, f.match)
}

// SecurityAlerts returns Security entries and failed Authentication entries
// from the last hours hours, most recent first.
func (l *Logger) SecurityAlerts(hours int) []model.AuditLogEntry {
	since := l.windowStart(hours)
	return l.collect(0, func(e *model.AuditLogEntry) bool {
		return !e.Timestamp.Before(since) && e.IsSecurityAlert()
	})
}

// FailedLoginCount counts failed Authentication entries for userID in the last hours hours.
func (l *Logger) FailedLoginCount(userID string, hours int) int {
	since := l.windowStart(hours)
	return len(l.collect(0, func(e *model.AuditLogEntry) bool {
		return e.Category == model.AuditCategoryAuthentication &&
			!e.Success &&
			model.Deref(e.UserID) == userID &&
			!e.Timestamp.Before(since)
	}))
}

// Export serialises entries between start and end, inclusive, oldest first,
// as a pretty-printed JSON array or as CSV.
func (l *Logger) Export(start, end time.Time, format string) (string, error) {
	entries := l.collect(0, func(e *model.AuditLogEntry) bool {
		return !e.Timestamp.Before(start) && !e.Timestamp.After(end)
	})
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	switch strings.ToLower(format) {
	case FormatJSON:
		b, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to encode audit export: %w", err)
		}
		return string(b), nil
	case FormatCSV:
		return exportCSV(entries)
	default:
		return "", ErrUnsupportedFormat
	}
}

func exportCSV(entries []model.AuditLogEntry) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return "", fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, e := range entries {
		row := []string{
			e.Timestamp.UTC().Format(time.RFC3339),
			string(e.Category),
			e.Action,
			model.Deref(e.UserID),
			model.Deref(e.ResourceType),
			model.Deref(e.ResourceID),
			strconv.FormatBool(e.Success),
			model.Deref(e.IPAddress),
			model.Deref(e.Details),
		}
		if err := w.Write(row); err != nil {
			return "", fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("failed to flush csv: %w", err)
	}
	return buf.String(), nil
}
