package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/localdirectory/guardian/audit"
	"github.com/localdirectory/guardian/models"
)

type auditCall struct {
	kind    string
	who     audit.Actor
	feature string
	granted bool
	from    models.Plan
	to      models.Plan
	current int64
	limit   int64
}

type recordingAudit struct {
	mu    sync.Mutex
	calls []auditCall
}

func (r *recordingAudit) add(c auditCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

func (r *recordingAudit) LogSubscriptionAccess(_ context.Context, who audit.Actor, feature string, _ models.Plan, granted bool, _ string) {
	r.add(auditCall{kind: "access", who: who, feature: feature, granted: granted})
}

func (r *recordingAudit) LogPlanUpgrade(_ context.Context, who audit.Actor, from, to models.Plan) {
	r.add(auditCall{kind: "upgrade", who: who, from: from, to: to})
}

func (r *recordingAudit) LogSubscriptionCancel(_ context.Context, who audit.Actor, plan models.Plan, _ string) {
	r.add(auditCall{kind: "cancel", who: who, from: plan})
}

func (r *recordingAudit) LogBypassAttempt(_ context.Context, who audit.Actor, feature string, plan, required models.Plan, _ string) {
	r.add(auditCall{kind: "bypass", who: who, feature: feature, from: plan, to: required})
}

func (r *recordingAudit) LogUsageLimitExceeded(_ context.Context, who audit.Actor, feature string, current, limit int64) {
	r.add(auditCall{kind: "usage", who: who, feature: feature, current: current, limit: limit})
}

func (r *recordingAudit) last() auditCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

var testNow = time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)

func newTestEnforcer() (*Enforcer, *MemoryStore, *recordingAudit, *time.Time) {
	store := NewMemoryStore()
	rec := &recordingAudit{}
	en := NewEnforcer(store, rec, zap.NewNop(), 14)
	now := testNow
	en.now = func() time.Time { return now }
	return en, store, rec, &now
}

func TestValidateAccess_NewUserGetsStarterTrial(t *testing.T) {
	en, _, rec, _ := newTestEnforcer()

	res := en.ValidateAccess(context.Background(), "new-user", "photos", "")
	require.Empty(t, res.Error)
	assert.True(t, res.IsValid)
	assert.True(t, res.HasAccess)

	sub := res.Subscription
	require.NotNil(t, sub)
	assert.Equal(t, models.PlanStarter, sub.Plan)
	assert.Equal(t, models.StatusTrialing, sub.Status)
	assert.True(t, sub.Trial.IsTrialing)
	assert.True(t, sub.Amount.IsZero())
	assert.Equal(t, testNow.AddDate(0, 0, 14), *sub.Trial.TrialEnd)
	assert.Equal(t, models.PlanLimits{
		Photos:       5,
		APICalls:     0,
		MenuItems:    0,
		Appointments: 0,
		Storage:      104857600,
	}, sub.Limits)

	call := rec.last()
	assert.Equal(t, "access", call.kind)
	assert.True(t, call.granted)
	assert.Equal(t, "new-user", call.who.UserID)
}

func TestValidateAccess_ReusesExisting(t *testing.T) {
	en, _, _, _ := newTestEnforcer()
	ctx := context.Background()

	first := en.ValidateAccess(ctx, "u1", "photos", "")
	second := en.ValidateAccess(ctx, "u1", "photos", "")
	assert.Equal(t, first.Subscription.ID, second.Subscription.ID)

	biz := en.ValidateAccess(ctx, "u1", "photos", "biz-1")
	assert.NotEqual(t, first.Subscription.ID, biz.Subscription.ID)
	assert.Equal(t, "biz-1", biz.Subscription.BusinessID)
}

func TestValidateAccess_ForeignBusinessIsForbidden(t *testing.T) {
	en, store, rec, _ := newTestEnforcer()
	ctx := context.Background()

	owned := en.ValidateAccess(ctx, "u-owner", "analytics", "biz-A")
	require.True(t, owned.HasAccess)

	res := en.ValidateAccess(ctx, "u-intruder", "analytics", "biz-A")
	assert.Equal(t, MsgForbidden, res.Error)
	assert.False(t, res.HasAccess)
	assert.Nil(t, res.Subscription)
	assert.False(t, rec.last().granted)
	assert.Equal(t, "u-intruder", rec.last().who.UserID)

	_, err := en.Lookup(ctx, "u-intruder", "biz-A")
	assert.ErrorIs(t, err, ErrForeignSubscription)

	stored, err := store.FindByBusinessID(ctx, "biz-A")
	require.NoError(t, err)
	assert.Equal(t, "u-owner", stored.UserID)
	assert.Len(t, store.subs, 1)
}

// slowFindStore widens the window between the initial miss and Create.
type slowFindStore struct{ *MemoryStore }

func (s slowFindStore) FindByUserID(ctx context.Context, userID string) (*models.Subscription, error) {
	time.Sleep(5 * time.Millisecond)
	return s.MemoryStore.FindByUserID(ctx, userID)
}

func TestValidateAccess_ConcurrentFirstAccessCreatesOneTrial(t *testing.T) {
	store := NewMemoryStore()
	en := NewEnforcer(slowFindStore{store}, nil, zap.NewNop(), 14)
	ctx := context.Background()

	const n = 8
	results := make([]*AccessResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = en.ValidateAccess(ctx, "racer", "photos", "")
		}(i)
	}
	wg.Wait()

	assert.Len(t, store.subs, 1)
	for _, res := range results {
		require.NotNil(t, res.Subscription, res.Error)
		assert.True(t, res.HasAccess)
		assert.Equal(t, results[0].Subscription.ID, res.Subscription.ID)
	}
}

func TestMemoryStore_CreateRejectsSecondOwnerSlot(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &models.Subscription{ID: "s1", UserID: "u1"}))
	require.NoError(t, store.Create(ctx, &models.Subscription{ID: "s2", UserID: "u1", BusinessID: "biz-1"}))

	assert.ErrorIs(t, store.Create(ctx, &models.Subscription{ID: "s3", UserID: "u1"}), ErrSubscriptionExists)
	assert.ErrorIs(t, store.Create(ctx, &models.Subscription{ID: "s4", UserID: "u2", BusinessID: "biz-1"}), ErrSubscriptionExists)
	assert.ErrorIs(t, store.Create(ctx, &models.Subscription{ID: "s1", UserID: "u9"}), ErrSubscriptionExists)
	assert.NoError(t, store.Create(ctx, &models.Subscription{ID: "s5", UserID: "u2"}))
}

func TestValidateAccess_InactiveStatuses(t *testing.T) {
	for _, status := range []models.SubscriptionStatus{models.StatusCancelled, models.StatusPastDue} {
		t.Run(string(status), func(t *testing.T) {
			en, store, rec, _ := newTestEnforcer()
			ctx := context.Background()
			sub := en.ValidateAccess(ctx, "u", "photos", "").Subscription
			sub.Status = status
			require.NoError(t, store.Update(ctx, sub, sub.Version))

			res := en.ValidateAccess(ctx, "u", "photos", "")
			assert.True(t, res.IsValid)
			assert.False(t, res.HasAccess)
			assert.Contains(t, res.Reason, string(status))
			assert.False(t, rec.last().granted)
		})
	}
}

func TestValidateAccess_ExpiredTrial(t *testing.T) {
	en, _, _, clock := newTestEnforcer()
	ctx := context.Background()
	en.ValidateAccess(ctx, "u", "photos", "")

	*clock = clock.AddDate(0, 0, 15)
	res := en.ValidateAccess(ctx, "u", "photos", "")
	assert.True(t, res.IsValid)
	assert.False(t, res.HasAccess)
	assert.Equal(t, "Trial period has expired", res.Reason)
}

func TestValidateAccess_RequiresIdentity(t *testing.T) {
	en, _, _, _ := newTestEnforcer()
	res := en.ValidateAccess(context.Background(), "", "photos", "")
	assert.False(t, res.IsValid)
	assert.NotEmpty(t, res.Error)
}

type failingStore struct{ *MemoryStore }

func (failingStore) FindByUserID(context.Context, string) (*models.Subscription, error) {
	return nil, errors.New("connection refused")
}

func TestValidateAccess_StoreFailureHidesDetails(t *testing.T) {
	en := NewEnforcer(failingStore{NewMemoryStore()}, nil, zap.NewNop(), 14)
	res := en.ValidateAccess(context.Background(), "u", "photos", "")
	assert.Equal(t, "Internal server error", res.Error)
	assert.False(t, res.HasAccess)
}

func TestUpdateUsage_RejectsOverLimitWithoutClamping(t *testing.T) {
	en, store, rec, _ := newTestEnforcer()
	ctx := context.Background()
	sub := en.ValidateAccess(ctx, "u", "photos", "").Subscription

	res := en.UpdateUsage(ctx, sub.ID, models.FeaturePhotos, 4)
	require.True(t, res.Success)
	assert.Equal(t, int64(4), res.Current)

	res = en.UpdateUsage(ctx, sub.ID, models.FeaturePhotos, 2)
	assert.False(t, res.Success)
	assert.False(t, res.WithinLimits)
	assert.Equal(t, int64(4), res.Current)
	assert.Equal(t, models.Limit(5), res.Limit)

	stored, err := store.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stored.Usage.PhotosUsed)

	call := rec.last()
	assert.Equal(t, "usage", call.kind)
	assert.Equal(t, int64(6), call.current)
	assert.Equal(t, int64(5), call.limit)

	res = en.UpdateUsage(ctx, sub.ID, models.FeaturePhotos, 1)
	assert.True(t, res.Success)
	assert.Equal(t, int64(5), res.Current)
}

func TestUpdateUsage_ZeroLimitFeature(t *testing.T) {
	en, _, _, _ := newTestEnforcer()
	ctx := context.Background()
	sub := en.ValidateAccess(ctx, "u", "apiCalls", "").Subscription

	res := en.UpdateUsage(ctx, sub.ID, models.FeatureAPICalls, 1)
	assert.False(t, res.Success)
	assert.False(t, res.WithinLimits)

	res = en.UpdateUsage(ctx, sub.ID, models.FeatureAPICalls, 0)
	assert.True(t, res.Success)
}

func TestUpdateUsage_UnlimitedAlwaysPasses(t *testing.T) {
	en, _, _, _ := newTestEnforcer()
	ctx := context.Background()
	sub := en.ValidateAccess(ctx, "u", "photos", "").Subscription
	require.True(t, en.UpgradeSubscription(ctx, sub.ID, models.PlanProfessional).Success)

	res := en.UpdateUsage(ctx, sub.ID, models.FeaturePhotos, 1_000_000)
	assert.True(t, res.Success)
	assert.True(t, res.Limit.IsUnlimited())
}

func TestUpdateUsage_BumpsVersion(t *testing.T) {
	en, store, _, _ := newTestEnforcer()
	ctx := context.Background()
	sub := en.ValidateAccess(ctx, "u", "photos", "").Subscription

	en.UpdateUsage(ctx, sub.ID, models.FeatureStorage, 1024)
	stored, _ := store.GetByID(ctx, sub.ID)
	assert.Equal(t, sub.Version+1, stored.Version)
}

func TestUpdateUsage_InvalidInput(t *testing.T) {
	en, _, _, _ := newTestEnforcer()
	ctx := context.Background()
	sub := en.ValidateAccess(ctx, "u", "photos", "").Subscription

	assert.NotEmpty(t, en.UpdateUsage(ctx, sub.ID, models.FeaturePhotos, -1).Error)
	assert.Equal(t, "Unknown feature", en.UpdateUsage(ctx, sub.ID, models.Feature("coupons"), 1).Error)
	assert.Equal(t, "Subscription not found", en.UpdateUsage(ctx, "nope", models.FeaturePhotos, 1).Error)
}

// conflictOnceStore fails the first Update with a version conflict.
type conflictOnceStore struct {
	*MemoryStore
	mu       sync.Mutex
	conflict bool
}

func (s *conflictOnceStore) Update(ctx context.Context, sub *models.Subscription, v int64) error {
	s.mu.Lock()
	if !s.conflict {
		s.conflict = true
		s.mu.Unlock()
		return ErrVersionConflict
	}
	s.mu.Unlock()
	return s.MemoryStore.Update(ctx, sub, v)
}

func TestUpdateUsage_RetriesOnConflict(t *testing.T) {
	store := &conflictOnceStore{MemoryStore: NewMemoryStore()}
	en := NewEnforcer(store, nil, zap.NewNop(), 14)
	ctx := context.Background()
	sub := en.ValidateAccess(ctx, "u", "photos", "").Subscription

	res := en.UpdateUsage(ctx, sub.ID, models.FeaturePhotos, 1)
	assert.True(t, res.Success)
}

func TestUpdateUsage_ConcurrentNeverExceedsLimit(t *testing.T) {
	en, store, _, _ := newTestEnforcer()
	ctx := context.Background()
	sub := en.ValidateAccess(ctx, "u", "photos", "").Subscription

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			en.UpdateUsage(ctx, sub.ID, models.FeaturePhotos, 1)
		}()
	}
	wg.Wait()

	stored, err := store.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, stored.Usage.PhotosUsed, int64(5))
}

func TestUpgradeSubscription(t *testing.T) {
	en, _, rec, _ := newTestEnforcer()
	ctx := context.Background()
	sub := en.ValidateAccess(ctx, "u", "photos", "").Subscription

	res := en.UpgradeSubscription(ctx, sub.ID, models.PlanEnterprise)
	require.True(t, res.Success)
	up := res.Subscription
	assert.Equal(t, models.PlanEnterprise, up.Plan)
	assert.Equal(t, models.StatusActive, up.Status)
	assert.False(t, up.Trial.IsTrialing)
	assert.Equal(t, "99.99", up.Amount.StringFixed(2))
	assert.Equal(t, models.Limit(10000), up.Limits.APICalls)
	assert.Equal(t, models.Limit(10737418240), up.Limits.Storage)

	call := rec.last()
	assert.Equal(t, "upgrade", call.kind)
	assert.Equal(t, models.PlanStarter, call.from)
	assert.Equal(t, models.PlanEnterprise, call.to)
}

func TestUpgradeSubscription_Refusals(t *testing.T) {
	en, _, _, _ := newTestEnforcer()
	ctx := context.Background()
	sub := en.ValidateAccess(ctx, "u", "photos", "").Subscription

	assert.Equal(t, "Invalid plan", en.UpgradeSubscription(ctx, sub.ID, models.Plan("gold")).Error)

	require.True(t, en.UpgradeSubscription(ctx, sub.ID, models.PlanProfessional).Success)
	require.True(t, en.UpdateUsage(ctx, sub.ID, models.FeaturePhotos, 12).Success)

	down := en.UpgradeSubscription(ctx, sub.ID, models.PlanStarter)
	assert.False(t, down.Success)
	assert.Contains(t, down.Error, "photos")

	require.True(t, en.CancelSubscription(ctx, sub.ID, "moving").Success)
	assert.False(t, en.UpgradeSubscription(ctx, sub.ID, models.PlanEnterprise).Success)
}

func TestCancelSubscription(t *testing.T) {
	en, _, rec, _ := newTestEnforcer()
	ctx := context.Background()
	sub := en.ValidateAccess(ctx, "u", "photos", "").Subscription

	res := en.CancelSubscription(ctx, sub.ID, "closing business")
	require.True(t, res.Success)
	assert.Equal(t, models.StatusCancelled, res.Subscription.Status)
	require.NotNil(t, res.Subscription.CanceledAt)
	assert.Equal(t, "cancel", rec.last().kind)

	again := en.CancelSubscription(ctx, sub.ID, "")
	assert.False(t, again.Success)

	access := en.ValidateAccess(ctx, "u", "photos", "")
	assert.False(t, access.HasAccess)
}

func TestCheckFeatureAccess(t *testing.T) {
	en, _, rec, _ := newTestEnforcer()
	ctx := audit.WithActor(context.Background(), audit.Actor{IP: "1.2.3.4", UserAgent: "test"})

	ok := en.CheckFeatureAccess(ctx, FeatureRequest{UserID: "u", Capability: CapPhotoGallery})
	assert.True(t, ok.Allowed)

	denied := en.CheckFeatureAccess(ctx, FeatureRequest{UserID: "u", Capability: CapMenuManagement, Endpoint: "/api/menu"})
	assert.False(t, denied.Allowed)
	assert.Equal(t, models.PlanProfessional, denied.RequiredPlan)

	call := rec.last()
	assert.Equal(t, "bypass", call.kind)
	assert.Equal(t, "1.2.3.4", call.who.IP)
	assert.Equal(t, "u", call.who.UserID)

	unknown := en.CheckFeatureAccess(ctx, FeatureRequest{UserID: "u", Capability: "teleport"})
	assert.Equal(t, "Unknown feature", unknown.Error)
}

func TestCapabilities(t *testing.T) {
	assert.True(t, HasCapability(models.PlanEnterprise, CapMenuManagement))
	assert.False(t, HasCapability(models.PlanProfessional, CapAPIAccess))
	assert.Len(t, Capabilities(models.PlanStarter), 3)
	assert.Len(t, Capabilities(models.PlanEnterprise), 10)
	assert.True(t, PriceFor(models.PlanStarter).IsZero())
	assert.Equal(t, "29.99", PriceFor(models.PlanProfessional).String())
}
