package agent

import (
	"strings"

	"github.com/capitalize-ai/support-orchestrator/internal/model"
)

// Evaluation is what a demand policy looks at.
type Evaluation struct {
	Summary *model.ConversationSummary
	// Demand is the latest case demand, nil if none exists yet.
	Demand *model.CaseDemand
}

// Policy decides whether the customer's demand is understood.
type Policy interface {
	Name() string
	Understood(ev Evaluation) bool
}

// DemandFoundPolicy is satisfied once the latest demand was found.
type DemandFoundPolicy struct{}

func (DemandFoundPolicy) Name() string { return "demand_found" }

func (DemandFoundPolicy) Understood(ev Evaluation) bool {
	return ev.Demand != nil && ev.Demand.Status == model.DemandFound
}

// ConfidencePolicy is satisfied when both product and request type were
// classified at or above the thresholds.
type ConfidencePolicy struct {
	MinProduct     float64
	MinRequestType float64
}

func (ConfidencePolicy) Name() string { return "confidence" }

func (p ConfidencePolicy) Understood(ev Evaluation) bool {
	if ev.Summary == nil {
		return false
	}
	c := ev.Summary.Classification
	return c.ProductID != "" && c.RequestType != "" &&
		c.ProductConfidence >= p.MinProduct &&
		c.RequestTypeConfidence >= p.MinRequestType
}

// AnyPolicy is satisfied when any of its policies is.
type AnyPolicy []Policy

func (p AnyPolicy) Name() string {
	names := make([]string, len(p))
	for i, sub := range p {
		names[i] = sub.Name()
	}
	return "any(" + strings.Join(names, ",") + ")"
}

func (p AnyPolicy) Understood(ev Evaluation) bool {
	_, ok := p.Match(ev)
	return ok
}

// Match returns the first satisfied policy.
func (p AnyPolicy) Match(ev Evaluation) (Policy, bool) {
	for _, sub := range p {
		if sub.Understood(ev) {
			return sub, true
		}
	}
	return nil, false
}
