package resolve

import "sync"

// Well-known domain keys.
const (
	DomainWorkout      = "workoutState"
	DomainProfile      = "userProfile"
	DomainGamification = "gamificationState"
	DomainNutrition    = "nutritionState"
)

// DefaultDomains is the default watched key set.
var DefaultDomains = []string{DomainWorkout, DomainProfile, DomainGamification, DomainNutrition}

var (
	templatesMu sync.RWMutex
	templates   = map[string]Blob{
		DomainWorkout: {
			"workoutPlans":   []any{},
			"workoutHistory": []any{},
			"exercises":      []any{},
			"activePlanId":   "",
			"currentWorkout": nil,
			"settings":       map[string]any{},
		},
		DomainProfile: {
			"name":             "",
			"age":              0.0,
			"weight":           0.0,
			"height":           0.0,
			"units":            "metric",
			"goals":            []any{},
			"bodyMeasurements": []any{},
			"onboarded":        false,
		},
		DomainGamification: {
			"level":        1.0,
			"xp":           0.0,
			"streak":       0.0,
			"achievements": []any{},
			"badges":       []any{},
		},
		DomainNutrition: {
			"meals":       []any{},
			"foodLog":     []any{},
			"favorites":   []any{},
			"waterIntake": 0.0,
		},
	}
)

// RegisterTemplate sets the freshly-initialized shape for a domain.
func RegisterTemplate(domain string, tmpl Blob) {
	templatesMu.Lock()
	defer templatesMu.Unlock()
	templates[domain] = Clone(tmpl)
}

// Template returns a copy of the registered template for domain, or nil.
func Template(domain string) Blob {
	templatesMu.RLock()
	defer templatesMu.RUnlock()
	return Clone(templates[domain])
}

func lookupTemplate(domain string) Blob {
	templatesMu.RLock()
	defer templatesMu.RUnlock()
	return templates[domain]
}
