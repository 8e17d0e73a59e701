// Package promptinterp classifies child-emitted envelopes that require a
// blocking reply from the user: questions, permission requests, and
// plan-mode transitions. It probes for characteristic keys with gjson
// before committing to a typed json.Unmarshal, since the vendor
// envelope is a heterogeneous, externally-controlled wire format and
// most lines are not prompts at all.
package promptinterp

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"loom/internal/domain"
)

// Kind is the classification result for one envelope.
type Kind string

const (
	KindNone       Kind = ""
	KindQuestion   Kind = "question"
	KindPermission Kind = "permission"
	KindPlanExit   Kind = "plan_mode_exit"
	KindPlanEnter  Kind = "plan_mode_enter"
)

// Result carries the classification plus the parsed payload needed to
// build the resulting domain.Message. Blocks is true for every prompt
// Kind except KindPlanEnter, and false for KindNone.
type Result struct {
	Kind       Kind
	Blocks     bool
	Question   *domain.QuestionPayload
	Permission *domain.PermissionPayload
	PlanFile   string
}

type questionEnvelope struct {
	Header   string   `json:"header"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

type permissionEnvelope struct {
	Tool    string         `json:"tool"`
	Action  string         `json:"action"`
	Details map[string]any `json:"details"`
}

// Classify inspects a raw envelope line from the child's stdout and
// decides whether it is one of the four blocking/non-blocking prompt
// shapes. It returns KindNone (zero Result) for anything else, which is
// the overwhelming majority of lines.
func Classify(line []byte) Result {
	subtype := gjson.GetBytes(line, "subtype").String()
	if gjson.GetBytes(line, "type").String() != "prompt" {
		return Result{Kind: KindNone}
	}

	switch {
	case subtype == "question" || gjson.GetBytes(line, "options").Exists():
		var env questionEnvelope
		_ = json.Unmarshal(line, &env)
		return Result{
			Kind:   KindQuestion,
			Blocks: true,
			Question: &domain.QuestionPayload{
				Header:   env.Header,
				Question: env.Question,
				Options:  env.Options,
			},
		}

	case subtype == "permission" || gjson.GetBytes(line, "tool_approval").Exists():
		var env permissionEnvelope
		_ = json.Unmarshal(line, &env)
		return Result{
			Kind:   KindPermission,
			Blocks: true,
			Permission: &domain.PermissionPayload{
				Tool:    env.Tool,
				Action:  env.Action,
				Details: env.Details,
			},
		}

	case subtype == "plan_mode_exit":
		return Result{
			Kind:     KindPlanExit,
			Blocks:   true,
			PlanFile: gjson.GetBytes(line, "planFile").String(),
		}

	case subtype == "plan_mode_enter":
		return Result{Kind: KindPlanEnter, Blocks: false}

	default:
		return Result{Kind: KindNone}
	}
}
