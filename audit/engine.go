// Package audit records security events, tracks per-IP and per-user activity,
// auto-blocks abusive IPs and escalates to the alert dispatcher.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/localdirectory/guardian/alerts"
	"github.com/localdirectory/guardian/config"
	"github.com/localdirectory/guardian/metrics"
	"github.com/localdirectory/guardian/models"
)

var ErrEventNotFound = errors.New("security event not found")

const (
	ipWindow       = time.Minute
	userWindow     = 24 * time.Hour
	patternWindow  = time.Hour
	thresholdSpan  = 24 * time.Hour
	recentEvents   = 50
	maxDepth       = 2
	coordinatedMin = 20
	bypassPattern  = 3
	housekeeping   = time.Minute
	persistTimeout = 5 * time.Second
	sinkBatch      = 100
)

// Block reasons, also used as metric labels.
const (
	BlockRapidRequests = "rapid_requests"
	BlockCriticalEvent = "critical_event"
	BlockManual        = "manual"
)

// EventInput is what callers hand to LogEvent. Severity is chosen by the caller.
type EventInput struct {
	Type        models.EventType
	Severity    models.Severity
	Description string
	Metadata    models.EventMetadata
	UserID      string
	IPAddress   string
	UserAgent   string
}

// Notifier accepts alerts for asynchronous delivery.
type Notifier interface {
	SendAlert(alert *models.AlertPayload) bool
}

// EventSink receives every appended event for durable storage.
type EventSink interface {
	Publish(ctx context.Context, event *models.SecurityEvent) error
}

// BatchSink is an EventSink that can take several events in one write. The
// sink worker uses it when events queue up.
type BatchSink interface {
	EventSink
	PublishBatch(ctx context.Context, events []*models.SecurityEvent) error
}

// EventResolver marks an event resolved in durable storage.
type EventResolver interface {
	Resolve(ctx context.Context, id string) error
}

// BlockStore persists IP blocks so they survive a restart.
type BlockStore interface {
	SaveBlock(ctx context.Context, block models.IPBlock) error
	DeleteBlock(ctx context.Context, ip string) error
	ListActiveBlocks(ctx context.Context, now time.Time) ([]models.IPBlock, error)
}

type Thresholds struct {
	BypassAttempts       int
	SuspiciousActivities int
	CriticalEvents       int
}

type Options struct {
	RapidRequestsPerMinute int
	UserDailyRequests      int
	BlockDuration          time.Duration
	MaxEvents              int
	Thresholds             Thresholds
	SinkBuffer             int

	Sink     EventSink
	Resolver EventResolver
	Blocks   BlockStore
}

func DefaultOptions() Options {
	return Options{
		RapidRequestsPerMinute: 50,
		UserDailyRequests:      1000,
		BlockDuration:          time.Hour,
		MaxEvents:              10000,
		Thresholds: Thresholds{
			BypassAttempts:       5,
			SuspiciousActivities: 10,
			CriticalEvents:       3,
		},
		SinkBuffer: 1024,
	}
}

// OptionsFromConfig overlays configured limits on the defaults.
func OptionsFromConfig(cfg config.AuditConfig) Options {
	opts := DefaultOptions()
	if cfg.RapidRequestsPerMinute > 0 {
		opts.RapidRequestsPerMinute = cfg.RapidRequestsPerMinute
	}
	if cfg.UserDailyRequests > 0 {
		opts.UserDailyRequests = cfg.UserDailyRequests
	}
	if cfg.BlockDuration > 0 {
		opts.BlockDuration = cfg.BlockDuration
	}
	if cfg.MaxEvents > 0 {
		opts.MaxEvents = cfg.MaxEvents
	}
	return opts
}

type activityCounter struct {
	count        int
	windowStart  time.Time
	lastActivity time.Time
}

type blockEntry struct {
	block models.IPBlock
	timer *time.Timer
	gen   uint64
}

type SecurityMetrics struct {
	TotalEvents          int       `json:"totalEvents"`
	CriticalEvents       int       `json:"criticalEvents"`
	BypassAttempts       int       `json:"bypassAttempts"`
	SuspiciousActivities int       `json:"suspiciousActivities"`
	LastUpdated          time.Time `json:"lastUpdated"`
}

type SecurityStatus struct {
	BlockedIPs      []models.IPBlock       `json:"blockedIPs"`
	SuspiciousUsers []string               `json:"suspiciousUsers"`
	RecentEvents    []models.SecurityEvent `json:"recentEvents"`
	Metrics         SecurityMetrics        `json:"metrics"`
}

type EventFilter struct {
	UserID    string
	EventType models.EventType
	Severity  models.Severity
	Since     time.Time
	Until     time.Time
	Limit     int
}

// effects are collected under the engine lock and applied after it is released.
type effects struct {
	alerts []*models.AlertPayload
	blocks []pendingBlock
	events []*models.SecurityEvent
}

type pendingBlock struct {
	block models.IPBlock
	gen   uint64
}

type Engine struct {
	notifier Notifier
	logger   *zap.Logger
	opts     Options
	now      func() time.Time

	sinkCh chan *models.SecurityEvent

	// persistMu orders block store writes; persisting tracks detached saves.
	persistMu  sync.Mutex
	persisting sync.WaitGroup

	mu           sync.Mutex
	events       []*models.SecurityEvent
	ipActivity   map[string]*activityCounter
	userActivity map[string]*activityCounter
	blocked      map[string]*blockEntry
	blockGen     uint64
	suspicious   map[string]time.Time
	alerted      map[string]bool
	patterns     map[string]time.Time
	stats        SecurityMetrics
}

func NewEngine(notifier Notifier, logger *zap.Logger, opts Options) *Engine {
	def := DefaultOptions()
	if opts.RapidRequestsPerMinute <= 0 {
		opts.RapidRequestsPerMinute = def.RapidRequestsPerMinute
	}
	if opts.UserDailyRequests <= 0 {
		opts.UserDailyRequests = def.UserDailyRequests
	}
	if opts.BlockDuration <= 0 {
		opts.BlockDuration = def.BlockDuration
	}
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = def.MaxEvents
	}
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = def.Thresholds
	}
	if opts.SinkBuffer <= 0 {
		opts.SinkBuffer = def.SinkBuffer
	}

	e := &Engine{
		notifier:     notifier,
		logger:       logger.Named("audit"),
		opts:         opts,
		now:          time.Now,
		ipActivity:   make(map[string]*activityCounter),
		userActivity: make(map[string]*activityCounter),
		blocked:      make(map[string]*blockEntry),
		suspicious:   make(map[string]time.Time),
		alerted:      make(map[string]bool),
		patterns:     make(map[string]time.Time),
	}
	if opts.Sink != nil {
		e.sinkCh = make(chan *models.SecurityEvent, opts.SinkBuffer)
	}
	return e
}

// LogEvent runs the full detection pipeline for one event. It never fails the
// caller; problems are logged.
func (e *Engine) LogEvent(_ context.Context, in EventInput) {
	if !in.Type.Valid() {
		e.logger.Warn("dropping event with unknown type", zap.String("type", string(in.Type)))
		return
	}
	if !in.Severity.Valid() {
		e.logger.Warn("event severity invalid, using medium",
			zap.String("type", string(in.Type)),
			zap.String("severity", string(in.Severity)))
		in.Severity = models.SeverityMedium
	}

	fx := e.record(in)
	e.apply(fx)
}

func (e *Engine) record(in EventInput) (fx *effects) {
	fx = &effects{}
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event processing aborted",
				zap.String("type", string(in.Type)),
				zap.Any("panic", r))
		}
	}()
	e.processLocked(in, 0, fx)
	return fx
}

func (e *Engine) processLocked(in EventInput, depth int, fx *effects) {
	now := e.now()
	primary := depth == 0

	if primary && in.IPAddress != "" && e.isBlockedLocked(in.IPAddress, now) {
		metrics.DroppedEvents.Inc()
		return
	}

	// Engine-generated events are not counted as activity.
	if primary {
		if in.IPAddress != "" {
			e.trackIPLocked(in.IPAddress, now, fx)
		}
		if in.UserID != "" {
			e.trackUserLocked(in, now, depth, fx)
		}
	}

	ev := e.buildEventLocked(in, now)
	e.appendLocked(ev, now)
	fx.events = append(fx.events, cloneEvent(ev))

	e.evaluateThresholdsLocked(now, fx)

	if primary {
		e.analyzePatternsLocked(ev, now, depth, fx)
	}

	if depth < maxDepth {
		e.respondLocked(ev, now, depth, fx)
	}

	if ev.Severity.AtLeastHigh() {
		fx.alerts = append(fx.alerts, alerts.NewSecurityAlert(ev.EventType, ev.Severity, ev.Description,
			metadataFields(ev.Metadata), ev.UserID, ev.IPAddress))
	}
}

func (e *Engine) trackIPLocked(ip string, now time.Time, fx *effects) {
	c := e.ipActivity[ip]
	if c == nil || now.Sub(c.windowStart) > ipWindow {
		c = &activityCounter{windowStart: now}
		e.ipActivity[ip] = c
	}
	c.count++
	c.lastActivity = now

	if c.count > e.opts.RapidRequestsPerMinute {
		e.logger.Warn("rapid requests detected, blocking ip",
			zap.String("ip", ip),
			zap.Int("count", c.count))
		e.blockLocked(ip, BlockRapidRequests, "Rapid requests detected", e.opts.BlockDuration, now, fx)
	}
}

func (e *Engine) trackUserLocked(in EventInput, now time.Time, depth int, fx *effects) {
	c := e.userActivity[in.UserID]
	if c == nil || now.Sub(c.windowStart) >= userWindow {
		c = &activityCounter{windowStart: now}
		e.userActivity[in.UserID] = c
	}
	c.count++
	c.lastActivity = now

	if c.count <= e.opts.UserDailyRequests {
		return
	}
	if _, flagged := e.suspicious[in.UserID]; flagged {
		return
	}

	e.suspicious[in.UserID] = now
	e.logger.Warn("unusual request volume, user flagged",
		zap.String("user_id", in.UserID),
		zap.Int("count", c.count))
	e.processLocked(EventInput{
		Type:        models.EventSuspiciousActivity,
		Severity:    models.SeverityHigh,
		Description: "Unusual request volume detected",
		Metadata: models.EventMetadata{
			Reason:     "high_request_volume",
			EventCount: c.count,
		},
		UserID:    in.UserID,
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
	}, depth+1, fx)
}

func (e *Engine) buildEventLocked(in EventInput, now time.Time) *models.SecurityEvent {
	meta := in.Metadata.Clone()
	if in.IPAddress != "" {
		meta.IsBlocked = e.isBlockedLocked(in.IPAddress, now)
	}
	if in.UserID != "" {
		_, meta.IsSuspiciousUser = e.suspicious[in.UserID]
	}
	pattern := &models.RequestPattern{}
	if c := e.ipActivity[in.IPAddress]; c != nil && in.IPAddress != "" {
		pattern.IPRequests = c.count
	}
	if c := e.userActivity[in.UserID]; c != nil && in.UserID != "" {
		pattern.UserRequests = c.count
	}
	meta.RequestPattern = pattern

	return &models.SecurityEvent{
		ID:          uuid.NewString(),
		Timestamp:   now,
		EventType:   in.Type,
		Severity:    in.Severity,
		Description: in.Description,
		Metadata:    meta,
		UserID:      in.UserID,
		IPAddress:   in.IPAddress,
		UserAgent:   in.UserAgent,
	}
}

func (e *Engine) appendLocked(ev *models.SecurityEvent, now time.Time) {
	e.events = append(e.events, ev)
	if over := len(e.events) - e.opts.MaxEvents; over > 0 {
		n := copy(e.events, e.events[over:])
		for i := n; i < len(e.events); i++ {
			e.events[i] = nil
		}
		e.events = e.events[:n]
	}

	e.stats.TotalEvents++
	if ev.Severity == models.SeverityCritical {
		e.stats.CriticalEvents++
	}
	switch ev.EventType {
	case models.EventFeatureBypassAttempt:
		e.stats.BypassAttempts++
	case models.EventSuspiciousActivity:
		e.stats.SuspiciousActivities++
	}
	e.stats.LastUpdated = now
	metrics.SecurityEvents.WithLabelValues(string(ev.EventType), string(ev.Severity)).Inc()
}

// scanSince visits events newer than cutoff, newest first.
func (e *Engine) scanSince(cutoff time.Time, fn func(ev *models.SecurityEvent)) {
	for i := len(e.events) - 1; i >= 0; i-- {
		ev := e.events[i]
		if ev.Timestamp.Before(cutoff) {
			return
		}
		fn(ev)
	}
}

func (e *Engine) evaluateThresholdsLocked(now time.Time, fx *effects) {
	var bypass, suspicious, critical int
	e.scanSince(now.Add(-thresholdSpan), func(ev *models.SecurityEvent) {
		switch ev.EventType {
		case models.EventFeatureBypassAttempt:
			bypass++
		case models.EventSuspiciousActivity:
			suspicious++
		}
		if ev.Severity == models.SeverityCritical {
			critical++
		}
	})

	t := e.opts.Thresholds
	e.checkThresholdLocked("bypass_attempts", "bypass attempts", bypass, t.BypassAttempts, fx)
	e.checkThresholdLocked("suspicious_activities", "suspicious activities", suspicious, t.SuspiciousActivities, fx)
	e.checkThresholdLocked("critical_events", "critical events", critical, t.CriticalEvents, fx)
}

// checkThresholdLocked alerts once when count reaches limit and re-arms when
// the count drops below it again.
func (e *Engine) checkThresholdLocked(key, label string, count, limit int, fx *effects) {
	if limit <= 0 {
		return
	}
	if count < limit {
		e.alerted[key] = false
		return
	}
	if e.alerted[key] {
		return
	}
	e.alerted[key] = true

	alert := alerts.NewSystemAlert(
		"Security threshold exceeded: "+label,
		fmt.Sprintf("%d %s in the last 24 hours (threshold %d)", count, label, limit),
		models.SeverityCritical,
		map[string]string{
			"threshold": key,
			"count":     strconv.Itoa(count),
			"limit":     strconv.Itoa(limit),
		})
	alert.Source = models.SourceSubscriptionSecurity
	fx.alerts = append(fx.alerts, alert)
	e.logger.Warn("security threshold exceeded",
		zap.String("threshold", key),
		zap.Int("count", count),
		zap.Int("limit", limit))
}

func (e *Engine) patternDueLocked(key string, now time.Time) bool {
	if at, ok := e.patterns[key]; ok && now.Sub(at) < patternWindow {
		return false
	}
	e.patterns[key] = now
	return true
}

func (e *Engine) analyzePatternsLocked(ev *models.SecurityEvent, now time.Time, depth int, fx *effects) {
	cutoff := now.Add(-patternWindow)

	if ev.IPAddress != "" {
		var fromIP int
		e.scanSince(cutoff, func(x *models.SecurityEvent) {
			if x.IPAddress == ev.IPAddress {
				fromIP++
			}
		})
		if fromIP > coordinatedMin && e.patternDueLocked("ip:"+ev.IPAddress, now) {
			e.processLocked(EventInput{
				Type:        models.EventSuspiciousActivity,
				Severity:    models.SeverityCritical,
				Description: fmt.Sprintf("Coordinated attack pattern detected: %d events from %s in the last hour", fromIP, ev.IPAddress),
				Metadata: models.EventMetadata{
					Pattern:    "coordinated_attack",
					EventCount: fromIP,
				},
				IPAddress: ev.IPAddress,
				UserAgent: ev.UserAgent,
			}, depth+1, fx)
		}
	}

	if ev.UserID != "" && ev.EventType == models.EventFeatureBypassAttempt {
		var bypasses int
		e.scanSince(cutoff, func(x *models.SecurityEvent) {
			if x.UserID == ev.UserID && x.EventType == models.EventFeatureBypassAttempt {
				bypasses++
			}
		})
		if bypasses >= bypassPattern && e.patternDueLocked("bypass:"+ev.UserID, now) {
			e.suspicious[ev.UserID] = now
			e.processLocked(EventInput{
				Type:        models.EventSuspiciousActivity,
				Severity:    models.SeverityCritical,
				Description: "Multiple bypass attempts detected",
				Metadata: models.EventMetadata{
					Pattern:    "repeated_bypass",
					EventCount: bypasses,
					Feature:    ev.Metadata.Feature,
				},
				UserID:    ev.UserID,
				IPAddress: ev.IPAddress,
				UserAgent: ev.UserAgent,
			}, depth+1, fx)
		}
	}
}

func (e *Engine) respondLocked(ev *models.SecurityEvent, now time.Time, depth int, fx *effects) {
	if ev.Severity == models.SeverityCritical {
		if ev.IPAddress != "" {
			e.blockLocked(ev.IPAddress, BlockCriticalEvent, "Critical security event: "+ev.Description, e.opts.BlockDuration, now, fx)
		}
		alert := alerts.NewSecurityAlert(ev.EventType, models.SeverityCritical,
			"CRITICAL: "+ev.Description, metadataFields(ev.Metadata), ev.UserID, ev.IPAddress)
		alert.Title = "Critical Security Event: " + string(ev.EventType)
		fx.alerts = append(fx.alerts, alert)
	}

	if ev.EventType == models.EventFeatureBypassAttempt && ev.UserID != "" {
		e.suspicious[ev.UserID] = now
		e.processLocked(EventInput{
			Type:        models.EventSuspiciousActivity,
			Severity:    models.SeverityMedium,
			Description: "Feature bypass attempt flagged for manual review",
			Metadata: models.EventMetadata{
				Feature: ev.Metadata.Feature,
				Reason:  "manual_review",
			},
			UserID:    ev.UserID,
			IPAddress: ev.IPAddress,
			UserAgent: ev.UserAgent,
		}, depth+1, fx)
	}
}

// blockLocked replaces any existing block on ip, cancelling its timer.
func (e *Engine) blockLocked(ip, kind, reason string, d time.Duration, now time.Time, fx *effects) models.IPBlock {
	if prev, ok := e.blocked[ip]; ok && prev.timer != nil {
		prev.timer.Stop()
	}

	e.blockGen++
	gen := e.blockGen
	block := models.IPBlock{
		IP:        ip,
		Reason:    reason,
		BlockedAt: now,
		ExpiresAt: now.Add(d),
	}
	e.blocked[ip] = &blockEntry{
		block: block,
		gen:   gen,
		timer: time.AfterFunc(d, func() { e.expireBlock(ip, gen) }),
	}
	metrics.IPBlocks.WithLabelValues(kind).Inc()
	if fx != nil {
		fx.blocks = append(fx.blocks, pendingBlock{block: block, gen: gen})
	}
	e.logger.Info("ip blocked",
		zap.String("ip", ip),
		zap.String("reason", reason),
		zap.Time("expires_at", block.ExpiresAt))
	return block
}

func (e *Engine) expireBlock(ip string, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.blocked[ip]; ok && b.gen == gen {
		delete(e.blocked, ip)
		e.logger.Info("ip block expired", zap.String("ip", ip))
	}
}

// isBlockedLocked also drops blocks whose expiry passed on the engine clock.
func (e *Engine) isBlockedLocked(ip string, now time.Time) bool {
	b, ok := e.blocked[ip]
	if !ok {
		return false
	}
	if !now.Before(b.block.ExpiresAt) {
		if b.timer != nil {
			b.timer.Stop()
		}
		delete(e.blocked, ip)
		return false
	}
	return true
}

// apply hands the side effects of one pipeline run to their consumers. Block
// writes run detached so a slow store never holds up the request path.
func (e *Engine) apply(fx *effects) {
	if fx == nil {
		return
	}
	if e.opts.Blocks != nil && len(fx.blocks) > 0 {
		e.persisting.Add(1)
		go func(blocks []pendingBlock) {
			defer e.persisting.Done()
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			defer cancel()
			e.persistBlocks(ctx, blocks)
		}(fx.blocks)
	}
	if e.sinkCh != nil {
		for _, ev := range fx.events {
			select {
			case e.sinkCh <- ev:
			default:
				e.logger.Warn("event sink buffer full, event not archived", zap.String("event_id", ev.ID))
			}
		}
	}
	if e.notifier != nil {
		for _, a := range fx.alerts {
			if !e.notifier.SendAlert(a) {
				e.logger.Debug("alert not accepted by dispatcher", zap.String("title", a.Title))
			}
		}
	}
}

// persistBlocks saves blocks that are still in force. A block lifted or
// replaced before its turn came is skipped.
func (e *Engine) persistBlocks(ctx context.Context, blocks []pendingBlock) {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	for _, p := range blocks {
		if !e.blockCurrent(p.block.IP, p.gen) {
			continue
		}
		if err := e.opts.Blocks.SaveBlock(ctx, p.block); err != nil {
			e.logger.Error("failed to persist ip block", zap.String("ip", p.block.IP), zap.Error(err))
		}
	}
}

func (e *Engine) blockCurrent(ip string, gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.blocked[ip]
	return ok && b.gen == gen
}

// Flush waits for detached block writes to finish.
func (e *Engine) Flush() {
	e.persisting.Wait()
}

// Start runs the sink worker and periodic housekeeping until ctx is done.
func (e *Engine) Start(ctx context.Context) {
	if e.sinkCh != nil {
		go e.runSink(ctx)
	}
	go func() {
		ticker := time.NewTicker(housekeeping)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.cleanup()
			}
		}
	}()
}

func (e *Engine) runSink(ctx context.Context) {
	batcher, _ := e.opts.Sink.(BatchSink)
	batch := make([]*models.SecurityEvent, 0, sinkBatch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.sinkCh:
			batch = append(batch[:0], ev)
		drain:
			for len(batch) < sinkBatch {
				select {
				case ev := <-e.sinkCh:
					batch = append(batch, ev)
				default:
					break drain
				}
			}
			e.archive(ctx, batcher, batch)
		}
	}
}

func (e *Engine) archive(ctx context.Context, batcher BatchSink, batch []*models.SecurityEvent) {
	if batcher != nil && len(batch) > 1 {
		if err := batcher.PublishBatch(ctx, batch); err != nil {
			e.logger.Error("failed to archive security events",
				zap.Int("count", len(batch)),
				zap.Error(err))
		}
		return
	}
	for _, ev := range batch {
		if err := e.opts.Sink.Publish(ctx, ev); err != nil {
			e.logger.Error("failed to archive security event",
				zap.String("event_id", ev.ID),
				zap.Error(err))
		}
	}
}

func (e *Engine) cleanup() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	for ip, c := range e.ipActivity {
		if now.Sub(c.windowStart) > ipWindow {
			delete(e.ipActivity, ip)
		}
	}
	for id, c := range e.userActivity {
		if now.Sub(c.windowStart) >= userWindow {
			delete(e.userActivity, id)
		}
	}
	for ip := range e.blocked {
		e.isBlockedLocked(ip, now)
	}
	for k, at := range e.patterns {
		if now.Sub(at) >= patternWindow {
			delete(e.patterns, k)
		}
	}
}

// LoadBlocks restores unexpired blocks from the block store.
func (e *Engine) LoadBlocks(ctx context.Context) (int, error) {
	if e.opts.Blocks == nil {
		return 0, nil
	}
	blocks, err := e.opts.Blocks.ListActiveBlocks(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("failed to load ip blocks: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	restored := 0
	for _, b := range blocks {
		remaining := b.ExpiresAt.Sub(now)
		if remaining <= 0 {
			continue
		}
		if prev, ok := e.blocked[b.IP]; ok && prev.timer != nil {
			prev.timer.Stop()
		}
		e.blockGen++
		gen := e.blockGen
		ip := b.IP
		e.blocked[ip] = &blockEntry{
			block: b,
			gen:   gen,
			timer: time.AfterFunc(remaining, func() { e.expireBlock(ip, gen) }),
		}
		restored++
	}
	e.logger.Info("ip blocks restored", zap.Int("count", restored))
	return restored, nil
}

// BlockIP is the manual admin block.
func (e *Engine) BlockIP(ctx context.Context, ip, reason string, d time.Duration) models.IPBlock {
	if d <= 0 {
		d = e.opts.BlockDuration
	}
	if reason == "" {
		reason = "Blocked by administrator"
	}
	fx := &effects{}
	e.mu.Lock()
	block := e.blockLocked(ip, BlockManual, reason, d, e.now(), fx)
	e.mu.Unlock()
	// The admin waits for the manual block to be stored.
	if e.opts.Blocks != nil {
		e.persistBlocks(ctx, fx.blocks)
	}
	fx.blocks = nil
	e.apply(fx)
	return block
}

// UnblockIP reports whether ip was blocked. Unknown IPs are a no-op.
func (e *Engine) UnblockIP(ctx context.Context, ip string) bool {
	e.mu.Lock()
	b, ok := e.blocked[ip]
	if ok {
		if b.timer != nil {
			b.timer.Stop()
		}
		delete(e.blocked, ip)
	}
	e.mu.Unlock()

	if !ok {
		return false
	}
	e.logger.Info("ip unblocked", zap.String("ip", ip))
	if e.opts.Blocks != nil {
		e.persistMu.Lock()
		defer e.persistMu.Unlock()
		if err := e.opts.Blocks.DeleteBlock(ctx, ip); err != nil {
			e.logger.Error("failed to delete persisted ip block", zap.String("ip", ip), zap.Error(err))
		}
	}
	return true
}

// ClearSuspiciousUser reports whether the user was flagged.
func (e *Engine) ClearSuspiciousUser(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.suspicious[userID]; !ok {
		return false
	}
	delete(e.suspicious, userID)
	e.logger.Info("suspicious flag cleared", zap.String("user_id", userID))
	return true
}

func (e *Engine) ResolveEvent(ctx context.Context, id string) error {
	e.mu.Lock()
	found := false
	for i := len(e.events) - 1; i >= 0; i-- {
		if e.events[i].ID == id {
			e.events[i].Resolved = true
			found = true
			break
		}
	}
	e.mu.Unlock()

	if e.opts.Resolver != nil {
		err := e.opts.Resolver.Resolve(ctx, id)
		if err == nil {
			return nil
		}
		if !found {
			return fmt.Errorf("resolve %s: %w", id, err)
		}
		e.logger.Error("failed to resolve archived event", zap.String("event_id", id), zap.Error(err))
	}
	if !found {
		return ErrEventNotFound
	}
	return nil
}

func (e *Engine) IsBlocked(ip string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isBlockedLocked(ip, e.now())
}

func (e *Engine) IsSuspicious(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.suspicious[userID]
	return ok
}

// GetEvents returns matching events newest first.
func (e *Engine) GetEvents(f EventFilter) []models.SecurityEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []models.SecurityEvent
	for i := len(e.events) - 1; i >= 0; i-- {
		ev := e.events[i]
		if f.UserID != "" && ev.UserID != f.UserID {
			continue
		}
		if f.EventType != "" && ev.EventType != f.EventType {
			continue
		}
		if f.Severity != "" && ev.Severity != f.Severity {
			continue
		}
		if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
			continue
		}
		out = append(out, ev.Clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// GetSecurityStatus returns a consistent snapshot of the engine state.
func (e *Engine) GetSecurityStatus() SecurityStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	status := SecurityStatus{
		BlockedIPs:      make([]models.IPBlock, 0, len(e.blocked)),
		SuspiciousUsers: make([]string, 0, len(e.suspicious)),
		RecentEvents:    make([]models.SecurityEvent, 0, recentEvents),
		Metrics:         e.stats,
	}
	for _, b := range e.blocked {
		if now.Before(b.block.ExpiresAt) {
			status.BlockedIPs = append(status.BlockedIPs, b.block)
		}
	}
	sort.Slice(status.BlockedIPs, func(i, j int) bool {
		return status.BlockedIPs[i].BlockedAt.After(status.BlockedIPs[j].BlockedAt)
	})
	for id := range e.suspicious {
		status.SuspiciousUsers = append(status.SuspiciousUsers, id)
	}
	sort.Strings(status.SuspiciousUsers)
	for i := len(e.events) - 1; i >= 0 && len(status.RecentEvents) < recentEvents; i-- {
		status.RecentEvents = append(status.RecentEvents, e.events[i].Clone())
	}
	return status
}

func cloneEvent(ev *models.SecurityEvent) *models.SecurityEvent {
	c := ev.Clone()
	return &c
}

// metadataFields flattens event metadata for alert rendering.
func metadataFields(m models.EventMetadata) map[string]string {
	out := make(map[string]string)
	set := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	set("feature", m.Feature)
	set("plan", m.Plan)
	set("requiredPlan", m.RequiredPlan)
	set("fromPlan", m.FromPlan)
	set("toPlan", m.ToPlan)
	set("identifier", m.Identifier)
	set("endpoint", m.Endpoint)
	set("reason", m.Reason)
	set("pattern", m.Pattern)
	if m.CurrentUsage != 0 {
		out["currentUsage"] = strconv.FormatInt(m.CurrentUsage, 10)
	}
	if m.Limit != 0 {
		out["limit"] = strconv.FormatInt(m.Limit, 10)
	}
	if m.EventCount != 0 {
		out["eventCount"] = strconv.Itoa(m.EventCount)
	}
	if m.IsBlocked {
		out["isBlocked"] = "true"
	}
	if m.IsSuspiciousUser {
		out["isSuspiciousUser"] = "true"
	}
	for k, v := range m.Attributes {
		set(k, v)
	}
	return out
}
