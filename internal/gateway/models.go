package gateway

import "github.com/proxinex/proxinex-api/internal/plans"

// Model is a routable model exposed by the gateway
type Model struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Provider string   `json:"provider"`
	MinPlan  plans.ID `json:"min_plan"`
}

var models = []Model{
	{ID: "google/gemini-2.5-flash", Name: "Gemini 2.5 Flash", Provider: "Google", MinPlan: plans.Free},
	{ID: "google/gemini-2.5-flash-lite", Name: "Gemini 2.5 Flash Lite", Provider: "Google", MinPlan: plans.Free},
	{ID: "openai/gpt-5-nano", Name: "GPT-5 Nano", Provider: "OpenAI", MinPlan: plans.Free},
	{ID: "openai/gpt-5-mini", Name: "GPT-5 Mini", Provider: "OpenAI", MinPlan: plans.Pro},
	{ID: "google/gemini-2.5-pro", Name: "Gemini 2.5 Pro", Provider: "Google", MinPlan: plans.Pro},
	{ID: "openai/gpt-5", Name: "GPT-5", Provider: "OpenAI", MinPlan: plans.Enterprise},
}

// Models returns the catalog of routable models
func Models() []Model {
	return append([]Model(nil), models...)
}

// LookupModel finds a model by id
func LookupModel(id string) (Model, bool) {
	for _, m := range models {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

// ModelsFor returns the models a plan may use
func ModelsFor(plan plans.ID) []Model {
	var out []Model
	for _, m := range models {
		if plan.AtLeast(m.MinPlan) {
			out = append(out, m)
		}
	}
	return out
}

// Allowed reports whether plan may route to model id
func Allowed(plan plans.ID, id string) bool {
	m, ok := LookupModel(id)
	return ok && plan.AtLeast(m.MinPlan)
}
