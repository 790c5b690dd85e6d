package unsubscribe

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// ActionType names one browser step.
type ActionType string

const (
	ActionClick  ActionType = "click"
	ActionFill   ActionType = "fill"
	ActionSelect ActionType = "select"
	ActionWait   ActionType = "wait"
)

// Action is one step of a plan. Selector may be a CSS selector or, for
// clicks, visible text. Time is the wait duration in milliseconds.
type Action struct {
	Type     ActionType `json:"type"`
	Selector string     `json:"selector,omitempty"`
	Value    string     `json:"value,omitempty"`
	Time     int        `json:"time,omitempty"`
}

// Plan is the model's answer to "what must be done on this page".
type Plan struct {
	Actions     []Action `json:"actions"`
	Description string   `json:"description"`
}

// DefaultMaxSteps caps how many actions of a plan are executed.
const DefaultMaxSteps = 10

var errPlanShape = errors.New(`plan must be a JSON object with an "actions" array`)

// ParsePlan decodes a model answer. Anything that is not an object with an
// "actions" array is rejected; plans longer than maxSteps are truncated.
func ParsePlan(raw string, maxSteps int) (*Plan, error) {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	data := []byte(stripFence(raw))

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decoding plan: %w", err)
	}
	rawActions, ok := fields["actions"]
	if !ok {
		return nil, errPlanShape
	}
	if trimmed := bytes.TrimSpace(rawActions); len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, errPlanShape
	}

	var plan Plan
	if err := json.Unmarshal(rawActions, &plan.Actions); err != nil {
		return nil, fmt.Errorf("decoding plan actions: %w", err)
	}
	if desc, ok := fields["description"]; ok {
		// A non-string description is not worth failing the plan over.
		_ = json.Unmarshal(desc, &plan.Description)
	}

	if len(plan.Actions) > maxSteps {
		plan.Actions = plan.Actions[:maxSteps]
	}
	return &plan, nil
}

// stripFence removes a surrounding Markdown code fence, if any.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func planPrompt(url, pageText string) string {
	return fmt.Sprintf(`You are analyzing an unsubscribe page. Determine what actions need to be taken to unsubscribe.

Page URL: %s
Page Text: %s

Respond with a JSON object:
{
  "actions": [
    {"type": "click", "selector": "button selector or text"},
    {"type": "fill", "selector": "input selector", "value": "value to fill"},
    {"type": "select", "selector": "select selector", "value": "option value"},
    {"type": "wait", "time": 2000}
  ],
  "description": "brief description of what the page requires"
}

Only include actions that are necessary. If it's a simple one-click unsubscribe, just click the button.`,
		url, pageText)
}
