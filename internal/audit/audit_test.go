package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cafehub/cafeguard/internal/clock"
	"github.com/cafehub/cafeguard/internal/logger"
	"github.com/cafehub/cafeguard/internal/model"
)

var epoch = time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC)

func newAudit(t *testing.T, capacity int, opts ...Option) (*Logger, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(epoch)
	return New(capacity, clk, logger.Nop(), opts...), clk
}

func TestLog_FillsEnvelope(t *testing.T) {
	l, _ := newAudit(t, 10)

	e := l.Log(model.AuditLogEntry{Category: model.AuditCategoryConfiguration, Action: "config.reload", Success: true})

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, epoch, e.Timestamp)
	assert.Equal(t, model.AuditSeverityInfo, e.Severity)
	assert.Equal(t, 1, l.Len())
}

func TestLog_BoundedFIFO(t *testing.T) {
	l := New(DefaultCapacity, clock.NewManual(epoch), logger.Nop())

	for i := 1; i <= DefaultCapacity+1; i++ {
		l.Log(model.AuditLogEntry{Category: model.AuditCategoryDataAccess, Action: fmt.Sprintf("read-%d", i)})
	}

	assert.Equal(t, DefaultCapacity, l.Len())
	assert.Equal(t, DefaultCapacity, l.Capacity())

	oldest := l.entries.Front().Value.(model.AuditLogEntry)
	newest := l.entries.Back().Value.(model.AuditLogEntry)
	assert.Equal(t, "read-2", oldest.Action)
	assert.Equal(t, fmt.Sprintf("read-%d", DefaultCapacity+1), newest.Action)
}

func TestConvenienceEntryPoints(t *testing.T) {
	l, _ := newAudit(t, 100)

	tests := []struct {
		name     string
		log      func()
		category model.AuditCategory
		severity model.AuditSeverity
		success  bool
	}{
		{
			name: "failed authentication",
			log: func() {
				l.LogAuthentication(model.AuditActionLoginFailed, "u1", false, "1.2.3.4", "curl", "bad password")
			},
			category: model.AuditCategoryAuthentication,
			severity: model.AuditSeverityWarning,
		},
		{
			name:     "data access",
			log:      func() { l.LogDataAccess("u1", "outlet", "7", model.AuditActionOutletRead, "1.2.3.4") },
			category: model.AuditCategoryDataAccess,
			severity: model.AuditSeverityInfo,
			success:  true,
		},
		{
			name:     "data modification",
			log:      func() { l.LogDataModification("u1", "menu_item", "3", "menu.update", "4.50", "4.75", "") },
			category: model.AuditCategoryDataModification,
			severity: model.AuditSeverityInfo,
			success:  true,
		},
		{
			name: "security event",
			log: func() {
				l.LogSecurityEvent(model.AuditActionRateLimited, model.AuditSeverityCritical, "", "5.6.7.8", "blocked")
			},
			category: model.AuditCategorySecurity,
			severity: model.AuditSeverityCritical,
		},
		{
			name:     "admin action",
			log:      func() { l.LogAdminAction("admin", model.AuditActionAPIKeyIssued, "", "pos-sync", "") },
			category: model.AuditCategoryAdministration,
			severity: model.AuditSeverityInfo,
			success:  true,
		},
		{
			name:     "api call",
			log:      func() { l.LogAPICall("pos-sync", model.AuditActionServiceOutletFetch, "GET", "/x", true, "") },
			category: model.AuditCategoryAPIUsage,
			severity: model.AuditSeverityInfo,
			success:  true,
		},
		{
			name:     "failed file operation",
			log:      func() { l.LogFileOperation("u1", "file.upload", "menu.csv", false, "", "too large") },
			category: model.AuditCategoryFileOperation,
			severity: model.AuditSeverityError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.log()
			got := l.Query(Filter{MaxResults: 1})
			require.Len(t, got, 1)
			assert.Equal(t, tt.category, got[0].Category)
			assert.Equal(t, tt.severity, got[0].Severity)
			assert.Equal(t, tt.success, got[0].Success)
		})
	}
}

func TestQuery(t *testing.T) {
	l, clk := newAudit(t, 100)

	for i := 0; i < 5; i++ {
		l.LogDataAccess("alice", "outlet", fmt.Sprint(i), model.AuditActionOutletRead, "")
		clk.Advance(time.Minute)
		l.LogAuthentication(model.AuditActionLogin, "bob", true, "", "", "")
		clk.Advance(time.Minute)
	}

	dataAccess := model.AuditCategoryDataAccess
	start := epoch.Add(2 * time.Minute)
	end := epoch.Add(6 * time.Minute)

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{name: "all", filter: Filter{}, want: 10},
		{name: "category", filter: Filter{Category: &dataAccess}, want: 5},
		{name: "user", filter: Filter{UserID: "bob"}, want: 5},
		{name: "range inclusive", filter: Filter{Start: &start, End: &end}, want: 5},
		{name: "max results", filter: Filter{MaxResults: 3}, want: 3},
		{name: "no match", filter: Filter{UserID: "carol"}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := l.Query(tt.filter)
			assert.Len(t, got, tt.want)
			for i := 1; i < len(got); i++ {
				assert.False(t, got[i].Timestamp.After(got[i-1].Timestamp), "most recent first")
			}
		})
	}
}

func TestSecurityAlerts(t *testing.T) {
	l, clk := newAudit(t, 100)

	l.LogSecurityEvent(model.AuditActionRateLimited, "", "", "9.9.9.9", "stale")
	clk.Advance(25 * time.Hour)

	l.LogAuthentication(model.AuditActionLogin, "u1", true, "", "", "")
	l.LogAuthentication(model.AuditActionLoginFailed, "u1", false, "", "", "bad password")
	clk.Advance(time.Minute)
	l.LogDataAccess("u1", "outlet", "1", model.AuditActionOutletRead, "")
	l.LogSecurityEvent(model.AuditActionCSRFRejected, model.AuditSeverityWarning, "u1", "", "")
	clk.Advance(time.Minute)

	alerts := l.SecurityAlerts(24)
	require.Len(t, alerts, 2)
	assert.Equal(t, model.AuditActionCSRFRejected, alerts[0].Action)
	assert.Equal(t, model.AuditActionLoginFailed, alerts[1].Action)
	for _, a := range alerts {
		assert.True(t, a.IsSecurityAlert())
	}

	assert.Len(t, l.SecurityAlerts(48), 3)
}

func TestQuery_OrdersByTimestamp(t *testing.T) {
	l, _ := newAudit(t, 100)

	for _, e := range []struct {
		action string
		age    time.Duration
	}{
		{"newer", time.Minute},
		{"older", time.Hour},
		{"newest", time.Second},
	} {
		l.Log(model.AuditLogEntry{
			Category:  model.AuditCategorySecurity,
			Action:    e.action,
			Timestamp: epoch.Add(-e.age),
			Severity:  model.AuditSeverityWarning,
		})
	}

	actions := func(entries []model.AuditLogEntry) []string {
		var out []string
		for _, e := range entries {
			out = append(out, e.Action)
		}
		return out
	}

	assert.Equal(t, []string{"newest", "newer"}, actions(l.Query(Filter{MaxResults: 2})))
	assert.Equal(t, []string{"newest", "newer", "older"}, actions(l.SecurityAlerts(24)))

	out, err := l.Export(epoch.Add(-2*time.Hour), epoch, FormatJSON)
	require.NoError(t, err)
	var exported []model.AuditLogEntry
	require.NoError(t, json.Unmarshal([]byte(out), &exported))
	assert.Equal(t, []string{"older", "newer", "newest"}, actions(exported))
}

func TestLookBack_HugeHoursClamped(t *testing.T) {
	l, _ := newAudit(t, 10)
	l.LogAuthentication(model.AuditActionLoginFailed, "u1", false, "", "", "")

	assert.Len(t, l.SecurityAlerts(3000000), 1)
	assert.Equal(t, 1, l.FailedLoginCount("u1", 3000000))
}

func TestFailedLoginCount(t *testing.T) {
	l, clk := newAudit(t, 100)

	l.LogAuthentication(model.AuditActionLoginFailed, "u1", false, "", "", "")
	clk.Advance(2 * time.Hour)
	l.LogAuthentication(model.AuditActionLoginFailed, "u1", false, "", "", "")
	l.LogAuthentication(model.AuditActionLoginFailed, "u1", false, "", "", "")
	l.LogAuthentication(model.AuditActionLogin, "u1", true, "", "", "")
	l.LogAuthentication(model.AuditActionLoginFailed, "u2", false, "", "", "")

	assert.Equal(t, 2, l.FailedLoginCount("u1", 1))
	assert.Equal(t, 3, l.FailedLoginCount("u1", 24))
	assert.Equal(t, 1, l.FailedLoginCount("u2", 24))
	assert.Equal(t, 0, l.FailedLoginCount("u3", 24))
}

func TestExport_CSVEscapesFreeText(t *testing.T) {
	l, clk := newAudit(t, 100)

	l.LogSecurityEvent("security.probe", model.AuditSeverityWarning, "u1", "1.2.3.4", "path \"/admin\", then\nretried")
	clk.Advance(time.Minute)
	l.LogDataAccess("u2", "outlet", "3", model.AuditActionOutletRead, "")

	out, err := l.Export(epoch, epoch.Add(time.Hour), FormatCSV)
	require.NoError(t, err)

	records, err := csv.NewReader(strings.NewReader(out)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, "security.probe", records[1][2], "oldest first")
	assert.Equal(t, "path \"/admin\", then\nretried", records[1][8])
	assert.Equal(t, "false", records[1][6])
	assert.Equal(t, "outlet", records[2][4])
}

func TestExport_JSON(t *testing.T) {
	l, clk := newAudit(t, 100)

	l.LogDataAccess("u1", "outlet", "1", model.AuditActionOutletRead, "")
	clk.Advance(2 * time.Hour)
	l.LogDataAccess("u1", "outlet", "2", model.AuditActionOutletRead, "")

	out, err := l.Export(epoch, epoch.Add(time.Hour), "JSON")
	require.NoError(t, err)
	assert.Contains(t, out, "\n  {", "pretty printed")

	var entries []model.AuditLogEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "1", model.Deref(entries[0].ResourceID))

	empty, err := l.Export(epoch.Add(-time.Hour), epoch.Add(-time.Minute), FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "[]", empty)
}

func TestExport_UnsupportedFormat(t *testing.T) {
	l, _ := newAudit(t, 10)
	_, err := l.Export(epoch, epoch, "xml")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

type failingSink struct{ calls int }

func (s *failingSink) Write(context.Context, model.AuditLogEntry) error {
	s.calls++
	return errors.New("sink unavailable")
}

func TestLog_SinkFailureKeepsEntry(t *testing.T) {
	sink := &failingSink{}
	l, _ := newAudit(t, 10, WithSink(sink))

	l.LogAuthentication(model.AuditActionLogin, "u1", true, "", "", "")
	l.Close()

	assert.Equal(t, 1, sink.calls)
	assert.Equal(t, 1, l.Len())
}

// blockingSink holds every write until its context expires or release is closed.
type blockingSink struct {
	release chan struct{}
	written chan string
}

func (s *blockingSink) Write(ctx context.Context, e model.AuditLogEntry) error {
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.written <- e.Action
	return nil
}

func TestLog_SlowSinkDoesNotBlock(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{}), written: make(chan string, 10)}
	l, _ := newAudit(t, 10, WithSink(sink))

	start := time.Now()
	l.LogSecurityEvent(model.AuditActionRateLimited, model.AuditSeverityWarning, "", "1.2.3.4", "")
	l.LogSecurityEvent(model.AuditActionCSRFRejected, model.AuditSeverityWarning, "u1", "", "")
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 2, l.Len())

	close(sink.release)
	l.Close()
	close(sink.written)

	var got []string
	for action := range sink.written {
		got = append(got, action)
	}
	assert.Equal(t, []string{model.AuditActionRateLimited, model.AuditActionCSRFRejected}, got)
}

func TestLog_FullSinkQueueDrops(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{}), written: make(chan string, 10)}
	l, _ := newAudit(t, 10, WithSink(sink), WithSinkQueue(1))

	for i := 0; i < 5; i++ {
		l.LogDataAccess("u1", "outlet", fmt.Sprint(i), model.AuditActionOutletRead, "")
	}
	assert.Equal(t, 5, l.Len(), "store keeps every entry")

	close(sink.release)
	l.Close()
	close(sink.written)
	assert.LessOrEqual(t, len(sink.written), 2, "one in flight plus one queued")

	// Entries logged after Close are stored only.
	l.LogDataAccess("u1", "outlet", "9", model.AuditActionOutletRead, "")
	assert.Equal(t, 6, l.Len())
}

func TestLog_LevelledOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(10, clock.NewManual(epoch), logger.NewWithWriter("debug", "json", &buf))

	l.LogDataAccess("u1", "outlet", "1", model.AuditActionOutletRead, "")
	l.LogAuthentication(model.AuditActionLoginFailed, "u1", false, "", "", "")
	l.LogSecurityEvent(model.AuditActionRateLimited, model.AuditSeverityCritical, "", "", "")

	var lines []map[string]interface{}
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 3)

	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "warn", lines[1]["level"])
	assert.Equal(t, "error", lines[2]["level"])
	assert.Equal(t, "critical", lines[2]["severity"])
	assert.Equal(t, "audit", lines[2]["component"])
}

type fakeStream struct {
	args []*redis.XAddArgs
	err  error
}

func (f *fakeStream) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = append(f.args, a)
	return redis.NewStringResult("1-0", f.err)
}

func TestRedisSink(t *testing.T) {
	stream := &fakeStream{}
	l, _ := newAudit(t, 10, WithSink(NewRedisSink(stream, "audit", 5000)))

	e := l.Log(model.AuditLogEntry{Category: model.AuditCategorySecurity, Action: "security.test"})
	l.Close()

	require.Len(t, stream.args, 1)
	args := stream.args[0]
	assert.Equal(t, "audit", args.Stream)
	assert.EqualValues(t, 5000, args.MaxLen)
	assert.True(t, args.Approx)

	values := args.Values.(map[string]interface{})
	assert.Equal(t, e.ID, values["id"])
	assert.Equal(t, "Security", values["category"])

	var decoded model.AuditLogEntry
	require.NoError(t, json.Unmarshal([]byte(values["entry"].(string)), &decoded))
	assert.Equal(t, e.ID, decoded.ID)
}

func TestRedisSink_Error(t *testing.T) {
	sink := NewRedisSink(&fakeStream{err: errors.New("connection refused")}, "audit", 0)
	err := sink.Write(context.Background(), model.AuditLogEntry{ID: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
