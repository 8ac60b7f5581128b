package subscription

import (
	"github.com/shopspring/decimal"

	"github.com/localdirectory/guardian/models"
)

const (
	mb = int64(1024 * 1024)
	gb = 1024 * mb
)

var planLimits = map[models.Plan]models.PlanLimits{
	models.PlanStarter: {
		Photos:       5,
		APICalls:     0,
		MenuItems:    0,
		Appointments: 0,
		Storage:      models.Limit(100 * mb),
	},
	models.PlanProfessional: {
		Photos:       models.Unlimited,
		APICalls:     0,
		MenuItems:    models.Unlimited,
		Appointments: models.Unlimited,
		Storage:      models.Limit(gb),
	},
	models.PlanEnterprise: {
		Photos:       models.Unlimited,
		APICalls:     10000,
		MenuItems:    models.Unlimited,
		Appointments: models.Unlimited,
		Storage:      models.Limit(10 * gb),
	},
}

var planPrices = map[models.Plan]decimal.Decimal{
	models.PlanStarter:      decimal.Zero,
	models.PlanProfessional: decimal.RequireFromString("29.99"),
	models.PlanEnterprise:   decimal.RequireFromString("99.99"),
}

// LimitsFor returns the metered limits of plan.
func LimitsFor(plan models.Plan) (models.PlanLimits, bool) {
	l, ok := planLimits[plan]
	return l, ok
}

func PriceFor(plan models.Plan) decimal.Decimal {
	return planPrices[plan]
}

// Capability is a plan-gated product feature, distinct from the metered
// counters in models.Feature.
type Capability string

const (
	CapBasicListing       Capability = "basic_listing"
	CapPhotoGallery       Capability = "photo_gallery"
	CapReviews            Capability = "reviews"
	CapMenuManagement     Capability = "menu_management"
	CapAppointmentBooking Capability = "appointment_booking"
	CapAnalytics          Capability = "analytics"
	CapCustomBranding     Capability = "custom_branding"
	CapAPIAccess          Capability = "api_access"
	CapPrioritySupport    Capability = "priority_support"
	CapMultiLocation      Capability = "multi_location"
)

// minimumPlan is the cheapest plan that unlocks each capability.
var minimumPlan = map[Capability]models.Plan{
	CapBasicListing:       models.PlanStarter,
	CapPhotoGallery:       models.PlanStarter,
	CapReviews:            models.PlanStarter,
	CapMenuManagement:     models.PlanProfessional,
	CapAppointmentBooking: models.PlanProfessional,
	CapAnalytics:          models.PlanProfessional,
	CapCustomBranding:     models.PlanProfessional,
	CapAPIAccess:          models.PlanEnterprise,
	CapPrioritySupport:    models.PlanEnterprise,
	CapMultiLocation:      models.PlanEnterprise,
}

// RequiredPlan returns the cheapest plan unlocking c.
func RequiredPlan(c Capability) (models.Plan, bool) {
	p, ok := minimumPlan[c]
	return p, ok
}

func HasCapability(plan models.Plan, c Capability) bool {
	required, ok := minimumPlan[c]
	if !ok || !plan.Valid() {
		return false
	}
	return plan.Rank() >= required.Rank()
}

// Capabilities lists everything plan unlocks.
func Capabilities(plan models.Plan) []Capability {
	var out []Capability
	for _, c := range []Capability{
		CapBasicListing, CapPhotoGallery, CapReviews,
		CapMenuManagement, CapAppointmentBooking, CapAnalytics, CapCustomBranding,
		CapAPIAccess, CapPrioritySupport, CapMultiLocation,
	} {
		if HasCapability(plan, c) {
			out = append(out, c)
		}
	}
	return out
}
