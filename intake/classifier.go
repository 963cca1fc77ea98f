// Package intake turns free-form user messages into orchestrator actions:
// it classifies intent, keeps multi-turn session state, and synthesizes
// task plans that the workflow engine can execute.
package intake

import (
	"context"
	"strings"

	"github.com/atriumhq/conductor/core"
	"github.com/atriumhq/conductor/telemetry"
)

// Intent is the routing outcome for one user message.
type Intent string

const (
	IntentTaskSubmission   Intent = "task_submission"
	IntentStatusQuery      Intent = "status_query"
	IntentApprovalDecision Intent = "approval_decision"
	IntentClarification    Intent = "clarification"
	IntentGeneralQuery     Intent = "general_query"
)

var allIntents = []Intent{
	IntentTaskSubmission,
	IntentStatusQuery,
	IntentApprovalDecision,
	IntentClarification,
	IntentGeneralQuery,
}

// intentKeywords is the fast tier. First matching intent wins, in the
// order below: decisions and status questions are short and formulaic,
// so they are checked before the broad task-verb net.
var intentKeywords = []struct {
	intent   Intent
	keywords []string
}{
	{IntentApprovalDecision, []string{
		"approve", "approved", "reject", "rejected", "lgtm",
		"sign off", "signed off", "deny", "go ahead with the",
	}},
	{IntentStatusQuery, []string{
		"status", "progress", "how is", "how's", "where are we",
		"any update", "is it done", "finished yet",
	}},
	{IntentClarification, []string{
		"what do you mean", "which one", "can you clarify",
		"i meant", "to clarify", "not what i asked",
	}},
	{IntentTaskSubmission, []string{
		"deploy", "build", "create", "implement", "fix", "migrate",
		"update", "upgrade", "delete", "remove", "refactor", "add ",
		"configure", "set up", "setup", "run the", "scan", "analyze",
		"release", "rollback", "roll back", "provision", "install",
	}},
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*Classifier)

// WithAIClient enables the model fallback tier.
func WithAIClient(c core.AIClient) ClassifierOption {
	return func(cl *Classifier) { cl.ai = c }
}

// WithClassifierLogger sets a structured logger.
func WithClassifierLogger(l core.Logger) ClassifierOption {
	return func(cl *Classifier) { cl.logger = core.ComponentLogger(l, "intake") }
}

// Classifier routes user messages to intents. The keyword tier answers
// most traffic; ambiguous messages fall through to the model with the
// intent list as a closed label set. Without a model, ambiguity resolves
// to general_query.
type Classifier struct {
	ai     core.AIClient
	logger core.Logger
}

// NewClassifier creates a Classifier.
func NewClassifier(opts ...ClassifierOption) *Classifier {
	c := &Classifier{logger: &core.NoOpLogger{}}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Classify returns the intent for one message.
func (c *Classifier) Classify(ctx context.Context, text string) Intent {
	lower := strings.ToLower(text)
	for _, tier := range intentKeywords {
		for _, kw := range tier.keywords {
			if strings.Contains(lower, kw) {
				telemetry.Counter("intake.classified", "intent", string(tier.intent), "tier", "keyword")
				return tier.intent
			}
		}
	}

	if c.ai == nil {
		telemetry.Counter("intake.classified", "intent", string(IntentGeneralQuery), "tier", "default")
		return IntentGeneralQuery
	}

	labels := make([]string, len(allIntents))
	for i, in := range allIntents {
		labels[i] = string(in)
	}
	resp, err := c.ai.GenerateResponse(ctx,
		"Classify this message from a developer talking to a task orchestrator:\n\n"+text,
		&core.AIOptions{
			SystemPrompt:   "Answer with exactly one of the allowed labels and nothing else.",
			ResponseLabels: labels,
			Temperature:    0,
			MaxTokens:      8,
		})
	if err != nil {
		c.logger.WarnWithContext(ctx, "intent model unavailable", map[string]interface{}{
			"error": err,
		})
		return IntentGeneralQuery
	}
	telemetry.RecordTokens("intent:"+resp.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	answer := Intent(strings.ToLower(strings.TrimSpace(resp.Content)))
	for _, in := range allIntents {
		if in == answer {
			telemetry.Counter("intake.classified", "intent", string(in), "tier", "model")
			return in
		}
	}
	return IntentGeneralQuery
}
