// Package plans defines the subscription tiers, their prices and the daily
// feature allowances every other package gates on.
package plans

import (
	"fmt"
	"strings"
)

// ID identifies a subscription plan
type ID string

const (
	Free       ID = "free"
	Pro        ID = "pro"
	Enterprise ID = "enterprise"
)

// Cycle is a billing period
type Cycle string

const (
	Monthly Cycle = "monthly"
	Yearly  Cycle = "yearly"
)

// Feature is a metered capability
type Feature string

const (
	FeatureSearch      Feature = "search"
	FeatureTextAction  Feature = "text_action"
	FeatureCompare     Feature = "compare"
	FeatureDocument    Feature = "document"
	FeatureVideo       Feature = "video"
	FeatureMemorixChat Feature = "memorix_chat"
)

// Unlimited is the limit value meaning no daily cap
const Unlimited = -1

// Features lists every metered feature in display order
var Features = []Feature{
	FeatureSearch, FeatureTextAction, FeatureCompare,
	FeatureDocument, FeatureVideo, FeatureMemorixChat,
}

// Plan describes one tier
type Plan struct {
	ID            ID              `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	MonthlyPaise  int64           `json:"monthly_price_paise"`
	CompareModels int             `json:"compare_models"`
	DailyLimits   map[Feature]int `json:"daily_limits"`
	Highlights    []string        `json:"highlights"`
}

var catalog = []Plan{
	{
		ID:            Free,
		Name:          "Free",
		Description:   "Cited answers for everyday questions",
		MonthlyPaise:  0,
		CompareModels: 2,
		DailyLimits: map[Feature]int{
			FeatureSearch:      20,
			FeatureTextAction:  20,
			FeatureCompare:     3,
			FeatureDocument:    2,
			FeatureVideo:       0,
			FeatureMemorixChat: 10,
		},
		Highlights: []string{"20 searches a day", "Compare 2 models", "2 document uploads a day"},
	},
	{
		ID:            Pro,
		Name:          "Pro",
		Description:   "Heavy research with premium models",
		MonthlyPaise:  79900,
		CompareModels: 4,
		DailyLimits: map[Feature]int{
			FeatureSearch:      500,
			FeatureTextAction:  500,
			FeatureCompare:     50,
			FeatureDocument:    50,
			FeatureVideo:       5,
			FeatureMemorixChat: 300,
		},
		Highlights: []string{"500 searches a day", "Compare 4 models", "5 videos a day"},
	},
	{
		ID:            Enterprise,
		Name:          "Enterprise",
		Description:   "Unlimited research for teams",
		MonthlyPaise:  249900,
		CompareModels: 6,
		DailyLimits: map[Feature]int{
			FeatureSearch:      Unlimited,
			FeatureTextAction:  Unlimited,
			FeatureCompare:     Unlimited,
			FeatureDocument:    Unlimited,
			FeatureVideo:       25,
			FeatureMemorixChat: Unlimited,
		},
		Highlights: []string{"Unlimited searches", "Compare 6 models", "25 videos a day"},
	},
}

// Catalog returns copies of all plans, cheapest first
func Catalog() []Plan {
	out := make([]Plan, len(catalog))
	for i, p := range catalog {
		out[i] = p.clone()
	}
	return out
}

// Get returns the plan with the given id
func Get(id ID) (Plan, bool) {
	for _, p := range catalog {
		if p.ID == id {
			return p.clone(), true
		}
	}
	return Plan{}, false
}

func (p Plan) clone() Plan {
	limits := make(map[Feature]int, len(p.DailyLimits))
	for k, v := range p.DailyLimits {
		limits[k] = v
	}
	p.DailyLimits = limits
	p.Highlights = append([]string(nil), p.Highlights...)
	return p
}

// Parse validates a plan id, accepting any case
func Parse(s string) (ID, error) {
	id := ID(strings.ToLower(strings.TrimSpace(s)))
	switch id {
	case Free, Pro, Enterprise:
		return id, nil
	}
	return "", fmt.Errorf("unknown plan %q", s)
}

// ParseCycle validates a billing cycle, defaulting empty to monthly
func ParseCycle(s string) (Cycle, error) {
	switch c := Cycle(strings.ToLower(strings.TrimSpace(s))); c {
	case "":
		return Monthly, nil
	case Monthly, Yearly:
		return c, nil
	}
	return "", fmt.Errorf("unknown billing cycle %q", s)
}

// Rank orders plans; unknown ids rank below free
func (id ID) Rank() int {
	switch id {
	case Free:
		return 1
	case Pro:
		return 2
	case Enterprise:
		return 3
	}
	return 0
}

// AtLeast reports whether id is the same tier as min or higher
func (id ID) AtLeast(min ID) bool {
	return id.Rank() >= min.Rank()
}

// Paid reports whether the plan costs money
func (id ID) Paid() bool {
	return id == Pro || id == Enterprise
}

// ParseFeature validates a feature name
func ParseFeature(s string) (Feature, error) {
	for _, f := range Features {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown feature %q", s)
}

// Limits maps each plan to its per-feature daily allowance
type Limits map[ID]map[Feature]int

// DefaultLimits returns the catalog allowances
func DefaultLimits() Limits {
	out := make(Limits, len(catalog))
	for _, p := range catalog {
		out[p.ID] = p.clone().DailyLimits
	}
	return out
}

// WithOverrides layers configured limits (plan -> feature -> limit) over l.
// Unknown plans or features are ignored.
func (l Limits) WithOverrides(overrides map[string]map[string]int) Limits {
	out := make(Limits, len(l))
	for id, features := range l {
		out[id] = make(map[Feature]int, len(features))
		for f, v := range features {
			out[id][f] = v
		}
	}
	for planName, features := range overrides {
		id, err := Parse(planName)
		if err != nil {
			continue
		}
		if out[id] == nil {
			out[id] = make(map[Feature]int)
		}
		for name, limit := range features {
			if f, err := ParseFeature(name); err == nil {
				out[id][f] = limit
			}
		}
	}
	return out
}

// Limit returns the allowance for plan and feature; unknown plans fall back to free
func (l Limits) Limit(id ID, f Feature) int {
	features, ok := l[id]
	if !ok {
		features = l[Free]
	}
	return features[f]
}
