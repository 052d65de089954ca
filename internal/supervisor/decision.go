package supervisor

import (
	"strconv"
	"strings"
)

// Action is what the reasoner wants next.
type Action string

const (
	ActionRouteToAgent    Action = "route_to_agent"
	ActionRequestApproval Action = "request_approval"
	ActionGatherMoreInfo  Action = "gather_more_info"
	ActionComplete        Action = "complete"
)

// Decision is the reasoner's verdict on how to proceed.
type Decision struct {
	Action           Action  `json:"action"`
	Agent            string  `json:"agent,omitempty"`
	Task             string  `json:"task,omitempty"`
	Reason           string  `json:"reason"`
	RequiresApproval bool    `json:"requires_approval,omitempty"`
	Confidence       float64 `json:"confidence"`
}

// ParseDecision reads the line-oriented decision format:
//
//	Action: route_to_agent
//	Agent: researcher
//	Reason: needs background material
//	Confidence: 0.8
//
// Unrecognized or missing fields fall back to a low-confidence complete, so a
// rambling reasoner can never wedge a run.
func ParseDecision(text string) Decision {
	decision := Decision{
		Action:     ActionComplete,
		Reason:     "no reason provided",
		Confidence: 0.5,
	}

	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "action:"):
			switch {
			case strings.Contains(lower, "route") || strings.Contains(lower, "agent"):
				decision.Action = ActionRouteToAgent
			case strings.Contains(lower, "approval"):
				decision.Action = ActionRequestApproval
				decision.RequiresApproval = true
			case strings.Contains(lower, "info") || strings.Contains(lower, "gather"):
				decision.Action = ActionGatherMoreInfo
			case strings.Contains(lower, "complete") || strings.Contains(lower, "done"):
				decision.Action = ActionComplete
			}
		case strings.Contains(lower, "agent:"):
			if _, value, ok := strings.Cut(line, ":"); ok {
				decision.Agent = strings.ToLower(strings.TrimSpace(value))
			}
		case strings.Contains(lower, "task:"):
			if _, value, ok := strings.Cut(line, ":"); ok {
				decision.Task = strings.TrimSpace(value)
			}
		case strings.Contains(lower, "reason:"):
			if _, value, ok := strings.Cut(line, ":"); ok {
				decision.Reason = strings.TrimSpace(value)
			}
		case strings.Contains(lower, "confidence:"):
			if _, value, ok := strings.Cut(line, ":"); ok {
				if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
					decision.Confidence = parsed
				}
			}
		}
	}

	return decision
}
