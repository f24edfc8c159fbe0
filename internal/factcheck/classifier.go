package factcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// ErrMalformedOutput marks model responses that cannot be parsed into the
// expected JSON shape. It is terminal for the current stage: the pipeline
// fails open instead of retrying, since a second call is unlikely to help.
var ErrMalformedOutput = errors.New("malformed model output")

// Classifier is the generative collaborator of the pipeline: one call
// extracts intent, one verifies a claim. Implementations must treat both as
// pure text-in / JSON-out.
type Classifier interface {
	ExtractIntent(ctx context.Context, content string) (Intent, error)
	VerifyClaim(ctx context.Context, content string, intent Intent, support json.RawMessage) (Verdict, error)
}

const intentSystemPrompt = `You are an intent and information extraction agent for a team workspace.
You ALWAYS return ONLY compact JSON, with no explanations.

You receive one chat message. Decide which subject it is about:
"profit" | "agenda" | "meeting" | "tasks" | "leaveDays" | "maintenance" | "none"

For "profit", extract which table columns are referenced, using:
["Month","Product Sales","Service Revenue","Subscription Revenue","Other Income",
 "Payroll","Marketing","R&D","Operations","Administrative","Other Expenses",
 "Total Income","Total Spending","Net Profit"]

Decide whether it refers to the sender's own items or other people's:
"self" | "other" | "both" | "unknown"

Extract the time context:
- type: "past" | "present" | "future" | "mixed" | "unknown"
- from/to as ISO dates when explicit, otherwise omit
- raw: the original time expression, if any

Return ONLY JSON in this exact shape:
{"subject":"...","about":"...","timeContext":{"type":"...","from":"...","to":"...","raw":"..."},"columns":["..."]}`

const verifySystemPrompt = `You are a strict fact-checking agent for internal communication.
You ALWAYS return ONLY JSON.

You receive the original message, its extracted intent (JSON), and support
data (JSON) that is the only source of truth. Compare the factual statements
in the message with the support data.

- If everything matches, return {"consistent":true,"reason":"","severity":"low"}.
- If there are factual errors (wrong amounts, dates, counts, statuses), return
  consistent=false with a short human-readable reason stating the correct
  value from the support data, and a severity:
  "high" for wrong financial figures, "medium" for wrong dates or statuses,
  "low" for minor inaccuracies.

Return ONLY JSON: {"consistent":bool,"reason":string,"severity":"low"|"medium"|"high"}`

// LLMClassifier talks to an OpenAI-compatible backend.
type LLMClassifier struct {
	llm llms.Model
}

func NewLLMClassifier(baseURL, token, model string) (*LLMClassifier, error) {
	llm, err := openai.New(
		openai.WithToken(token),
		openai.WithBaseURL(baseURL),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}
	return &LLMClassifier{llm: llm}, nil
}

func (c *LLMClassifier) ExtractIntent(ctx context.Context, content string) (Intent, error) {
	prompt := intentSystemPrompt + "\n\nMESSAGE:\n\"\"\"" + content + "\"\"\""
	completion, err := llms.GenerateFromSinglePrompt(ctx, c.llm, prompt)
	if err != nil {
		return Intent{}, fmt.Errorf("intent completion: %w", err)
	}

	var intent Intent
	if err := decodeJSONPayload(completion, &intent); err != nil {
		return Intent{}, err
	}
	if intent.Subject == "" {
		intent.Subject = SubjectNone
	}
	if intent.TimeContext.Type == "" {
		intent.TimeContext.Type = TimeUnknown
	}
	return intent, nil
}

func (c *LLMClassifier) VerifyClaim(ctx context.Context, content string, intent Intent, support json.RawMessage) (Verdict, error) {
	intentJSON, err := json.Marshal(intent)
	if err != nil {
		return Verdict{}, fmt.Errorf("marshal intent: %w", err)
	}

	prompt := fmt.Sprintf("%s\n\nINTENT_JSON:\n%s\n\nSUPPORT_DATA_JSON:\n%s\n\nORIGINAL_MESSAGE:\n\"\"\"%s\"\"\"",
		verifySystemPrompt, intentJSON, truncate(string(support), 4000), content)

	completion, err := llms.GenerateFromSinglePrompt(ctx, c.llm, prompt)
	if err != nil {
		return Verdict{}, fmt.Errorf("verify completion: %w", err)
	}

	var verdict Verdict
	if err := decodeJSONPayload(completion, &verdict); err != nil {
		return Verdict{}, err
	}
	switch verdict.Severity {
	case "low", "medium", "high":
	default:
		verdict.Severity = "medium"
	}
	return verdict, nil
}

// decodeJSONPayload extracts the first JSON object from a completion,
// tolerating markdown fences and prose around it.
func decodeJSONPayload(completion string, target any) error {
	trimmed := strings.TrimSpace(completion)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("%w: no JSON object in %q", ErrMalformedOutput, truncate(trimmed, 120))
	}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), target); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
