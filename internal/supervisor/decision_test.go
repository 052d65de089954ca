package supervisor

import (
	"context"
	"testing"
)

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Decision
	}{
		{
			name: "route to agent",
			text: "Action: route_to_agent\nAgent: Researcher\nReason: needs background material\nConfidence: 0.8",
			want: Decision{
				Action:     ActionRouteToAgent,
				Agent:      "researcher",
				Reason:     "needs background material",
				Confidence: 0.8,
			},
		},
		{
			name: "request approval",
			text: "Action: request_approval\nReason: destructive operation",
			want: Decision{
				Action:           ActionRequestApproval,
				RequiresApproval: true,
				Reason:           "destructive operation",
				Confidence:       0.5,
			},
		},
		{
			name: "gather more info",
			text: "Action: gather_more_info\nReason: ambiguous request\nConfidence: 0.3",
			want: Decision{
				Action:     ActionGatherMoreInfo,
				Reason:     "ambiguous request",
				Confidence: 0.3,
			},
		},
		{
			name: "complete",
			text: "Action: complete\nReason: all done",
			want: Decision{
				Action:     ActionComplete,
				Reason:     "all done",
				Confidence: 0.5,
			},
		},
		{
			name: "task line captured",
			text: "Action: route_to_agent\nAgent: planner\nTask: draft the rollout plan\nReason: planning needed\nConfidence: 0.9",
			want: Decision{
				Action:     ActionRouteToAgent,
				Agent:      "planner",
				Task:       "draft the rollout plan",
				Reason:     "planning needed",
				Confidence: 0.9,
			},
		},
		{
			name: "garbage falls back to complete",
			text: "I am not sure what to do here.",
			want: Decision{
				Action:     ActionComplete,
				Reason:     "no reason provided",
				Confidence: 0.5,
			},
		},
		{
			name: "unparseable confidence keeps default",
			text: "Action: complete\nConfidence: very high",
			want: Decision{
				Action:     ActionComplete,
				Reason:     "no reason provided",
				Confidence: 0.5,
			},
		},
		{
			name: "empty input",
			text: "",
			want: Decision{
				Action:     ActionComplete,
				Reason:     "no reason provided",
				Confidence: 0.5,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseDecision(tt.text)
			if got != tt.want {
				t.Fatalf("ParseDecision() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestTextReasonerParsesGeneratedText(t *testing.T) {
	reasoner := TextReasoner{
		Generate: func(ctx context.Context, input DecisionContext) (string, error) {
			if input.PendingTasks != 2 {
				t.Fatalf("pending tasks = %d, want 2", input.PendingTasks)
			}
			return "Action: route_to_agent\nAgent: writer\nReason: draft it\nConfidence: 0.7", nil
		},
	}
	decision, err := reasoner.Decide(context.Background(), DecisionContext{PendingTasks: 2})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	want := Decision{Action: ActionRouteToAgent, Agent: "writer", Reason: "draft it", Confidence: 0.7}
	if decision != want {
		t.Fatalf("decision = %+v, want %+v", decision, want)
	}
}
