package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type Plan string

const (
	PlanStarter      Plan = "starter"
	PlanProfessional Plan = "professional"
	PlanEnterprise   Plan = "enterprise"
)

// Rank orders plans so upgrades and downgrades can be told apart.
func (p Plan) Rank() int {
	switch p {
	case PlanStarter:
		return 1
	case PlanProfessional:
		return 2
	case PlanEnterprise:
		return 3
	}
	return 0
}

func (p Plan) Valid() bool {
	return p.Rank() > 0
}

type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusTrialing  SubscriptionStatus = "trialing"
	StatusPastDue   SubscriptionStatus = "past_due"
	StatusCancelled SubscriptionStatus = "cancelled"
)

// Scan implements sql.Scanner interface
func (s *SubscriptionStatus) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		*s = SubscriptionStatus(v)
	case []byte:
		*s = SubscriptionStatus(v)
	default:
		return fmt.Errorf("unsupported subscription status type %T", src)
	}
	return nil
}

// Value implements driver.Valuer interface
func (s SubscriptionStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// Feature is a metered resource of a subscription.
type Feature string

const (
	FeaturePhotos       Feature = "photos"
	FeatureAPICalls     Feature = "apiCalls"
	FeatureMenuItems    Feature = "menuItems"
	FeatureAppointments Feature = "appointments"
	FeatureStorage      Feature = "storage"
)

// Unlimited is the limit sentinel that never rejects an increment.
const Unlimited Limit = -1

// Limit is a metered cap. It encodes as a JSON number, or "unlimited".
type Limit int64

func (l Limit) IsUnlimited() bool { return l == Unlimited }

// Allows reports whether usage may reach n.
func (l Limit) Allows(n int64) bool {
	return l.IsUnlimited() || n <= int64(l)
}

func (l Limit) String() string {
	if l.IsUnlimited() {
		return "unlimited"
	}
	return strconv.FormatInt(int64(l), 10)
}

func (l Limit) MarshalJSON() ([]byte, error) {
	if l.IsUnlimited() {
		return []byte(`"unlimited"`), nil
	}
	return []byte(strconv.FormatInt(int64(l), 10)), nil
}

func (l *Limit) UnmarshalJSON(data []byte) error {
	if string(data) == `"unlimited"` {
		*l = Unlimited
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid limit %s: %w", data, err)
	}
	*l = Limit(n)
	return nil
}

type UsageCounters struct {
	PhotosUsed       int64 `json:"photosUsed"`
	APICallsUsed     int64 `json:"apiCallsUsed"`
	MenuItemsUsed    int64 `json:"menuItemsUsed"`
	AppointmentsUsed int64 `json:"appointmentsUsed"`
	StorageUsed      int64 `json:"storageUsed"`
}

// Get returns the counter for f and whether f is a metered feature.
func (u UsageCounters) Get(f Feature) (int64, bool) {
	switch f {
	case FeaturePhotos:
		return u.PhotosUsed, true
	case FeatureAPICalls:
		return u.APICallsUsed, true
	case FeatureMenuItems:
		return u.MenuItemsUsed, true
	case FeatureAppointments:
		return u.AppointmentsUsed, true
	case FeatureStorage:
		return u.StorageUsed, true
	}
	return 0, false
}

func (u *UsageCounters) Set(f Feature, v int64) {
	switch f {
	case FeaturePhotos:
		u.PhotosUsed = v
	case FeatureAPICalls:
		u.APICallsUsed = v
	case FeatureMenuItems:
		u.MenuItemsUsed = v
	case FeatureAppointments:
		u.AppointmentsUsed = v
	case FeatureStorage:
		u.StorageUsed = v
	}
}

// Value implements driver.Valuer interface
func (u UsageCounters) Value() (driver.Value, error) {
	return json.Marshal(u)
}

// Scan implements sql.Scanner interface
func (u *UsageCounters) Scan(src interface{}) error {
	return scanJSON(src, u)
}

type PlanLimits struct {
	Photos       Limit `json:"photos"`
	APICalls     Limit `json:"apiCalls"`
	MenuItems    Limit `json:"menuItems"`
	Appointments Limit `json:"appointments"`
	Storage      Limit `json:"storage"`
}

func (l PlanLimits) Get(f Feature) (Limit, bool) {
	switch f {
	case FeaturePhotos:
		return l.Photos, true
	case FeatureAPICalls:
		return l.APICalls, true
	case FeatureMenuItems:
		return l.MenuItems, true
	case FeatureAppointments:
		return l.Appointments, true
	case FeatureStorage:
		return l.Storage, true
	}
	return 0, false
}

// Value implements driver.Valuer interface
func (l PlanLimits) Value() (driver.Value, error) {
	return json.Marshal(l)
}

// Scan implements sql.Scanner interface
func (l *PlanLimits) Scan(src interface{}) error {
	return scanJSON(src, l)
}

type TrialInfo struct {
	IsTrialing bool       `json:"isTrialing"`
	TrialStart *time.Time `json:"trialStart,omitempty"`
	TrialEnd   *time.Time `json:"trialEnd,omitempty"`
}

// Subscription is the metered plan record the enforcer reads and writes.
type Subscription struct {
	ID                 string             `json:"id"`
	UserID             string             `json:"userId"`
	BusinessID         string             `json:"businessId,omitempty"`
	Plan               Plan               `json:"plan"`
	Status             SubscriptionStatus `json:"status"`
	Amount             decimal.Decimal    `json:"amount"`
	Usage              UsageCounters      `json:"usage"`
	Limits             PlanLimits         `json:"limits"`
	Trial              TrialInfo          `json:"trial"`
	CurrentPeriodStart time.Time          `json:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time          `json:"currentPeriodEnd"`
	CanceledAt         *time.Time         `json:"canceledAt,omitempty"`
	Version            int64              `json:"version"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
}

// Clone copies the record including its time pointers.
func (s *Subscription) Clone() *Subscription {
	out := *s
	out.Trial.TrialStart = cloneTime(s.Trial.TrialStart)
	out.Trial.TrialEnd = cloneTime(s.Trial.TrialEnd)
	out.CanceledAt = cloneTime(s.CanceledAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func scanJSON(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
}
