package router

import (
	"context"
	"encoding/json"
	"slices"
	"strings"

	"conclave/internal/wire"
)

// HeuristicAnalyzer is the default prefetch predictor. It maps keywords in
// the query and the caller's recent actions to likely follow-up fetches, with
// a confidence that grows with corroborating signals.
type HeuristicAnalyzer struct{}

type actionRule struct {
	keywords []string
	action   string
}

var actionRules = []actionRule{
	{[]string{"document", "doc", "edit", "write"}, "load_document"},
	{[]string{"history", "previous", "earlier", "last time"}, "warm_conversation_history"},
	{[]string{"agent", "assign", "task", "delegate"}, "load_agent_roster"},
	{[]string{"status", "progress", "running"}, "load_run_status"},
}

func (HeuristicAnalyzer) Analyze(_ context.Context, request AnalyzeRequest) (wire.PrefetchPayload, error) {
	query := strings.ToLower(request.Query)
	var actions []string
	matched := 0
	for _, rule := range actionRules {
		for _, keyword := range rule.keywords {
			if strings.Contains(query, keyword) {
				actions = append(actions, rule.action)
				matched++
				break
			}
		}
	}

	// Repeated recent actions are a strong signal the client will do the
	// same thing again.
	counts := make(map[string]int)
	for _, action := range request.RecentActions {
		counts[action]++
	}
	for action, count := range counts {
		if count >= 2 && !slices.Contains(actions, action) {
			actions = append(actions, action)
			matched++
		}
	}

	confidence := 0.1
	if matched > 0 {
		confidence = 0.4 + 0.15*float64(matched)
		if confidence > 0.9 {
			confidence = 0.9
		}
	}
	if actions == nil {
		actions = []string{}
	}

	data, _ := json.Marshal(map[string]any{"matched_signals": matched})
	return wire.PrefetchPayload{
		Confidence: confidence,
		Actions:    actions,
		Data:       data,
	}, nil
}
