package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/localdirectory/guardian/models"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []*models.AlertPayload
}

func (n *recordingNotifier) SendAlert(a *models.AlertPayload) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return true
}

func (n *recordingNotifier) titled(prefix string) []*models.AlertPayload {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*models.AlertPayload
	for _, a := range n.alerts {
		if strings.HasPrefix(a.Title, prefix) {
			out = append(out, a)
		}
	}
	return out
}

type memBlocks struct {
	mu     sync.Mutex
	blocks map[string]models.IPBlock
}

func newMemBlocks() *memBlocks { return &memBlocks{blocks: map[string]models.IPBlock{}} }

func (m *memBlocks) SaveBlock(_ context.Context, b models.IPBlock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[b.IP] = b
	return nil
}

func (m *memBlocks) DeleteBlock(_ context.Context, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocks, ip)
	return nil
}

func (m *memBlocks) ListActiveBlocks(_ context.Context, now time.Time) ([]models.IPBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.IPBlock
	for _, b := range m.blocks {
		if b.ExpiresAt.After(now) {
			out = append(out, b)
		}
	}
	return out, nil
}

var testStart = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

func newTestEngine(opts Options) (*Engine, *recordingNotifier, *time.Time) {
	n := &recordingNotifier{}
	e := NewEngine(n, zap.NewNop(), opts)
	now := testStart
	e.now = func() time.Time { return now }
	return e, n, &now
}

func eventCount(e *Engine) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

func TestLogEvent_AutoBlockAndDrop(t *testing.T) {
	e, _, _ := newTestEngine(Options{})
	ctx := context.Background()

	for i := 0; i < 51; i++ {
		e.LogEvent(ctx, EventInput{
			Type:        models.EventLogin,
			Severity:    models.SeverityLow,
			Description: "login",
			IPAddress:   "10.0.0.1",
		})
	}
	require.True(t, e.IsBlocked("10.0.0.1"))

	before := eventCount(e)
	e.LogEvent(ctx, EventInput{Type: models.EventLogin, Severity: models.SeverityLow, IPAddress: "10.0.0.1"})
	assert.Equal(t, before, eventCount(e))
}

func TestLogEvent_RapidRequestBlock(t *testing.T) {
	e, _, clock := newTestEngine(Options{RapidRequestsPerMinute: 5})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e.LogEvent(ctx, EventInput{Type: models.EventLogin, Severity: models.SeverityLow, IPAddress: "10.0.0.2"})
		*clock = clock.Add(time.Second)
	}
	assert.False(t, e.IsBlocked("10.0.0.2"))

	e.LogEvent(ctx, EventInput{Type: models.EventLogin, Severity: models.SeverityLow, IPAddress: "10.0.0.2"})
	require.True(t, e.IsBlocked("10.0.0.2"))

	status := e.GetSecurityStatus()
	require.Len(t, status.BlockedIPs, 1)
	assert.Equal(t, "Rapid requests detected", status.BlockedIPs[0].Reason)
	assert.Equal(t, clock.Add(time.Hour), status.BlockedIPs[0].ExpiresAt)
}

func TestLogEvent_IPWindowResets(t *testing.T) {
	e, _, clock := newTestEngine(Options{RapidRequestsPerMinute: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e.LogEvent(ctx, EventInput{Type: models.EventLogin, Severity: models.SeverityLow, IPAddress: "10.0.0.3"})
	}
	*clock = clock.Add(61 * time.Second)
	e.LogEvent(ctx, EventInput{Type: models.EventLogin, Severity: models.SeverityLow, IPAddress: "10.0.0.3"})
	assert.False(t, e.IsBlocked("10.0.0.3"))
}

func TestLogEvent_BlockExpiresOnEngineClock(t *testing.T) {
	e, _, clock := newTestEngine(Options{})
	e.BlockIP(context.Background(), "10.0.0.4", "", 30*time.Minute)
	require.True(t, e.IsBlocked("10.0.0.4"))

	*clock = clock.Add(30 * time.Minute)
	assert.False(t, e.IsBlocked("10.0.0.4"))
}

func TestThresholdAlert_FiresOncePerCrossing(t *testing.T) {
	e, n, _ := newTestEngine(Options{})
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		e.LogBypassAttempt(ctx, Actor{UserID: fmt.Sprintf("user-%d", i)}, "appointments", models.PlanStarter, models.PlanProfessional, "/api/appointments")
	}

	meta := n.titled("Security threshold exceeded: bypass attempts")
	require.Len(t, meta, 1)
	assert.Equal(t, models.SeverityCritical, meta[0].Severity)
	assert.Equal(t, "5", meta[0].Metadata["count"])
}

func TestThresholdAlert_RearmsAfterWindow(t *testing.T) {
	e, n, clock := newTestEngine(Options{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e.LogBypassAttempt(ctx, Actor{UserID: fmt.Sprintf("a-%d", i)}, "menuItems", models.PlanStarter, models.PlanProfessional, "")
	}
	*clock = clock.Add(25 * time.Hour)
	e.LogEvent(ctx, EventInput{Type: models.EventLogin, Severity: models.SeverityLow})
	for i := 0; i < 5; i++ {
		e.LogBypassAttempt(ctx, Actor{UserID: fmt.Sprintf("b-%d", i)}, "menuItems", models.PlanStarter, models.PlanProfessional, "")
	}

	assert.Len(t, n.titled("Security threshold exceeded: bypass attempts"), 2)
}

func TestRepeatedBypass_EndToEnd(t *testing.T) {
	e, n, clock := newTestEngine(Options{})
	ctx := context.Background()
	who := Actor{UserID: "U", IP: "1.2.3.4", UserAgent: "curl/8"}

	for i := 0; i < 3; i++ {
		e.LogBypassAttempt(ctx, who, "apiCalls", models.PlanStarter, models.PlanEnterprise, "/api/v1/export")
		*clock = clock.Add(3 * time.Minute)
	}

	assert.True(t, e.IsSuspicious("U"))

	critical := e.GetEvents(EventFilter{EventType: models.EventSuspiciousActivity, Severity: models.SeverityCritical})
	require.Len(t, critical, 1)
	assert.Equal(t, "Multiple bypass attempts detected", critical[0].Description)
	assert.Equal(t, "U", critical[0].UserID)
	assert.Equal(t, 3, critical[0].Metadata.EventCount)

	// the critical event blocks the source IP and raises a dedicated alert
	assert.True(t, e.IsBlocked("1.2.3.4"))
	assert.Len(t, n.titled("Critical Security Event"), 1)
}

func TestBypassAttempt_FlagsUserAndLogsReview(t *testing.T) {
	e, n, _ := newTestEngine(Options{})
	e.LogBypassAttempt(context.Background(), Actor{UserID: "u-review"}, "photos", models.PlanStarter, models.PlanProfessional, "")

	assert.True(t, e.IsSuspicious("u-review"))
	review := e.GetEvents(EventFilter{UserID: "u-review", Severity: models.SeverityMedium})
	require.Len(t, review, 1)
	assert.Equal(t, models.EventSuspiciousActivity, review[0].EventType)
	assert.Equal(t, "manual_review", review[0].Metadata.Reason)

	// the high bypass event is forwarded
	forwarded := n.titled("Security Alert: FEATURE BYPASS ATTEMPT")
	require.Len(t, forwarded, 1)
	assert.True(t, forwarded[0].ActionRequired)
}

func TestUserVolume_FlagsOnce(t *testing.T) {
	e, _, _ := newTestEngine(Options{UserDailyRequests: 3})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		e.LogEvent(ctx, EventInput{Type: models.EventLogin, Severity: models.SeverityLow, UserID: "heavy"})
	}

	require.True(t, e.IsSuspicious("heavy"))
	volume := e.GetEvents(EventFilter{UserID: "heavy", Severity: models.SeverityHigh})
	require.Len(t, volume, 1)
	assert.Equal(t, "high_request_volume", volume[0].Metadata.Reason)
	assert.Equal(t, 4, volume[0].Metadata.EventCount)
}

func TestCoordinatedAttackPattern(t *testing.T) {
	e, _, clock := newTestEngine(Options{RapidRequestsPerMinute: 1000})
	ctx := context.Background()

	for i := 0; i < 21; i++ {
		e.LogEvent(ctx, EventInput{Type: models.EventInvalidToken, Severity: models.SeverityMedium, IPAddress: "7.7.7.7"})
		*clock = clock.Add(time.Minute)
	}

	pattern := e.GetEvents(EventFilter{EventType: models.EventSuspiciousActivity})
	require.Len(t, pattern, 1)
	assert.Equal(t, "coordinated_attack", pattern[0].Metadata.Pattern)
	assert.Equal(t, models.SeverityCritical, pattern[0].Severity)
	assert.True(t, e.IsBlocked("7.7.7.7"))
}

func TestEventMetadataIsPointInTime(t *testing.T) {
	e, _, _ := newTestEngine(Options{})
	ctx := context.Background()

	e.LogEvent(ctx, EventInput{Type: models.EventLogin, Severity: models.SeverityLow, UserID: "pit", IPAddress: "8.8.4.4"})
	e.LogEvent(ctx, EventInput{Type: models.EventLogin, Severity: models.SeverityLow, UserID: "pit", IPAddress: "8.8.4.4"})

	events := e.GetEvents(EventFilter{UserID: "pit"})
	require.Len(t, events, 2)
	assert.Equal(t, 2, events[0].Metadata.RequestPattern.IPRequests)
	assert.Equal(t, 1, events[1].Metadata.RequestPattern.IPRequests)
	assert.False(t, events[1].Metadata.IsSuspiciousUser)
}

func TestGetEvents_FiltersAndOrder(t *testing.T) {
	e, _, clock := newTestEngine(Options{})
	ctx := context.Background()

	e.LogEvent(ctx, EventInput{Type: models.EventLogin, Severity: models.SeverityLow, UserID: "a", Description: "first"})
	*clock = clock.Add(time.Minute)
	e.LogEvent(ctx, EventInput{Type: models.EventLogout, Severity: models.SeverityLow, UserID: "a", Description: "second"})
	*clock = clock.Add(time.Minute)
	e.LogEvent(ctx, EventInput{Type: models.EventLogin, Severity: models.SeverityLow, UserID: "b", Description: "third"})

	all := e.GetEvents(EventFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, "third", all[0].Description)

	byUser := e.GetEvents(EventFilter{UserID: "a", EventType: models.EventLogin})
	require.Len(t, byUser, 1)
	assert.Equal(t, "first", byUser[0].Description)

	since := e.GetEvents(EventFilter{Since: testStart.Add(30 * time.Second)})
	assert.Len(t, since, 2)

	limited := e.GetEvents(EventFilter{Limit: 1})
	require.Len(t, limited, 1)
	assert.Equal(t, "third", limited[0].Description)

	// returned copies do not alias engine state
	all[0].Description = "mutated"
	assert.Equal(t, "third", e.GetEvents(EventFilter{Limit: 1})[0].Description)
}

func TestResolveEvent(t *testing.T) {
	e, _, _ := newTestEngine(Options{})
	e.LogEvent(context.Background(), EventInput{Type: models.EventLogin, Severity: models.SeverityLow})

	id := e.GetEvents(EventFilter{})[0].ID
	require.NoError(t, e.ResolveEvent(context.Background(), id))
	assert.True(t, e.GetEvents(EventFilter{})[0].Resolved)

	err := e.ResolveEvent(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrEventNotFound))
}

func TestUnblockAndClearAreIdempotent(t *testing.T) {
	blocks := newMemBlocks()
	e, _, _ := newTestEngine(Options{Blocks: blocks})
	ctx := context.Background()

	assert.False(t, e.UnblockIP(ctx, "9.9.9.9"))
	assert.False(t, e.ClearSuspiciousUser("nobody"))

	e.BlockIP(ctx, "9.9.9.9", "abuse report", time.Hour)
	assert.Contains(t, blocks.blocks, "9.9.9.9")
	assert.True(t, e.UnblockIP(ctx, "9.9.9.9"))
	assert.False(t, e.UnblockIP(ctx, "9.9.9.9"))
	assert.NotContains(t, blocks.blocks, "9.9.9.9")
}

// stallingBlocks holds every save until release is closed.
type stallingBlocks struct {
	*memBlocks
	entered chan string
	release chan struct{}
}

func (s *stallingBlocks) SaveBlock(ctx context.Context, b models.IPBlock) error {
	s.entered <- b.IP
	<-s.release
	return s.memBlocks.SaveBlock(ctx, b)
}

func newStallingBlocks() *stallingBlocks {
	return &stallingBlocks{memBlocks: newMemBlocks(), entered: make(chan string, 4), release: make(chan struct{})}
}

func TestAutoBlockPersistenceDoesNotStallLogEvent(t *testing.T) {
	blocks := newStallingBlocks()
	e, _, _ := newTestEngine(Options{RapidRequestsPerMinute: 2, Blocks: blocks})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			e.LogEvent(context.Background(), EventInput{Type: models.EventLogin, Severity: models.SeverityLow, IPAddress: "10.0.9.1"})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("LogEvent waited on the block store")
	}
	assert.True(t, e.IsBlocked("10.0.9.1"))
	assert.Equal(t, "10.0.9.1", <-blocks.entered)

	close(blocks.release)
	e.Flush()
	assert.Contains(t, blocks.blocks, "10.0.9.1")
}

func TestUnblockDuringDetachedSaveLeavesNoRecord(t *testing.T) {
	blocks := newStallingBlocks()
	e, _, _ := newTestEngine(Options{RapidRequestsPerMinute: 2, Blocks: blocks})
	for i := 0; i < 3; i++ {
		e.LogEvent(context.Background(), EventInput{Type: models.EventLogin, Severity: models.SeverityLow, IPAddress: "10.0.9.2"})
	}
	require.Equal(t, "10.0.9.2", <-blocks.entered)

	unblocked := make(chan bool)
	go func() { unblocked <- e.UnblockIP(context.Background(), "10.0.9.2") }()
	close(blocks.release)
	assert.True(t, <-unblocked)

	e.Flush()
	assert.NotContains(t, blocks.blocks, "10.0.9.2")
}

func TestReblockReplacesTimer(t *testing.T) {
	e, _, clock := newTestEngine(Options{})
	ctx := context.Background()

	e.BlockIP(ctx, "5.5.5.5", "first", 10*time.Minute)
	first := e.blocked["5.5.5.5"].gen
	*clock = clock.Add(5 * time.Minute)
	e.BlockIP(ctx, "5.5.5.5", "second", 10*time.Minute)

	// a stale expiry from the first block must not lift the second
	e.expireBlock("5.5.5.5", first)
	assert.True(t, e.IsBlocked("5.5.5.5"))

	*clock = clock.Add(9 * time.Minute)
	assert.True(t, e.IsBlocked("5.5.5.5"))
}

func TestLoadBlocksRestoresActive(t *testing.T) {
	blocks := newMemBlocks()
	_ = blocks.SaveBlock(context.Background(), models.IPBlock{IP: "4.4.4.4", Reason: "old", BlockedAt: testStart.Add(-time.Hour), ExpiresAt: testStart.Add(-time.Minute)})
	_ = blocks.SaveBlock(context.Background(), models.IPBlock{IP: "4.4.4.5", Reason: "live", BlockedAt: testStart, ExpiresAt: testStart.Add(time.Hour)})

	e, _, _ := newTestEngine(Options{Blocks: blocks})
	n, err := e.LoadBlocks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, e.IsBlocked("4.4.4.5"))
	assert.False(t, e.IsBlocked("4.4.4.4"))
}

func TestInvalidInput(t *testing.T) {
	e, _, _ := newTestEngine(Options{})
	ctx := context.Background()

	e.LogEvent(ctx, EventInput{Type: "teleport", Severity: models.SeverityLow})
	assert.Equal(t, 0, eventCount(e))

	e.LogEvent(ctx, EventInput{Type: models.EventLogin, Severity: "urgent"})
	events := e.GetEvents(EventFilter{})
	require.Len(t, events, 1)
	assert.Equal(t, models.SeverityMedium, events[0].Severity)
}

func TestEventRetentionCap(t *testing.T) {
	e, _, _ := newTestEngine(Options{MaxEvents: 5})
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		e.LogEvent(ctx, EventInput{Type: models.EventLogin, Severity: models.SeverityLow, Description: fmt.Sprint(i)})
	}

	events := e.GetEvents(EventFilter{})
	require.Len(t, events, 5)
	assert.Equal(t, "7", events[0].Description)
	assert.Equal(t, "3", events[4].Description)
	assert.Equal(t, 8, e.GetSecurityStatus().Metrics.TotalEvents)
}

func TestConvenienceLoggerSeverities(t *testing.T) {
	e, _, _ := newTestEngine(Options{})
	ctx := context.Background()
	who := Actor{UserID: "conv"}

	e.LogSubscriptionAccess(ctx, who, "photos", models.PlanStarter, true, "")
	e.LogSubscriptionAccess(ctx, who, "photos", models.PlanStarter, false, "Subscription cancelled")
	e.LogPlanUpgrade(ctx, who, models.PlanStarter, models.PlanProfessional)
	e.LogSubscriptionCancel(ctx, who, models.PlanProfessional, "user request")
	e.LogUsageLimitExceeded(ctx, who, "photos", 5, 5)
	e.LogInvalidToken(ctx, who, "/api/me", "token expired")
	e.LogPaymentAttempt(ctx, who, decimal.RequireFromString("29.99"), models.PlanProfessional, false, "card declined")

	got := e.GetEvents(EventFilter{UserID: "conv"})
	require.Len(t, got, 7)
	want := []struct {
		typ models.EventType
		sev models.Severity
	}{
		{models.EventPaymentAttempt, models.SeverityMedium},
		{models.EventInvalidToken, models.SeverityMedium},
		{models.EventUsageLimitExceeded, models.SeverityMedium},
		{models.EventSubscriptionAccess, models.SeverityMedium},
		{models.EventPlanUpgrade, models.SeverityLow},
		{models.EventSubscriptionAccess, models.SeverityMedium},
		{models.EventSubscriptionAccess, models.SeverityLow},
	}
	for i, w := range want {
		assert.Equal(t, w.typ, got[i].EventType, "event %d", i)
		assert.Equal(t, w.sev, got[i].Severity, "event %d", i)
	}
	assert.Equal(t, "29.99", got[0].Metadata.Attributes["amount"])
}

type recordingSink struct {
	mu      sync.Mutex
	singles []string
	batches [][]string
}

func (s *recordingSink) Publish(_ context.Context, ev *models.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.singles = append(s.singles, ev.ID)
	return nil
}

func (s *recordingSink) archived() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.singles)
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

type recordingBatchSink struct{ recordingSink }

func (s *recordingBatchSink) PublishBatch(_ context.Context, events []*models.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	s.batches = append(s.batches, ids)
	return nil
}

func TestSinkWorkerBatchesQueuedEvents(t *testing.T) {
	sink := &recordingBatchSink{}
	e, _, _ := newTestEngine(Options{Sink: sink})
	for i := 0; i < 5; i++ {
		e.LogEvent(context.Background(), EventInput{Type: models.EventLogin, Severity: models.SeverityLow,
			IPAddress: fmt.Sprintf("10.0.8.%d", i)})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	want := eventCount(e)
	require.Eventually(t, func() bool { return sink.archived() == want }, time.Second, 5*time.Millisecond)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Empty(t, sink.singles)
	require.Len(t, sink.batches, 1)
	assert.Len(t, sink.batches[0], want)
}

func TestSinkWorkerFallsBackToSingleWrites(t *testing.T) {
	sink := &recordingSink{}
	e, _, _ := newTestEngine(Options{Sink: sink})
	for i := 0; i < 3; i++ {
		e.LogEvent(context.Background(), EventInput{Type: models.EventLogin, Severity: models.SeverityLow,
			IPAddress: fmt.Sprintf("10.0.7.%d", i)})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	want := eventCount(e)
	require.Eventually(t, func() bool { return sink.archived() == want }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, want, 3)
}
