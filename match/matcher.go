// Package match evaluates per-step filter conditions against the
// trigger payload and current subscriber state. A failed filter is a
// skip, never an error; only malformed filters fail the step.
package match

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/notify"
	"github.com/xraph/notify/subscriber"
	"github.com/xraph/notify/workflow"
)

// Result reports whether a step's filters passed and, if not, why.
type Result struct {
	Passed bool
	// Reason describes the first failing condition for the skip detail.
	Reason string
}

// Matcher evaluates filter groups. It is stateless.
type Matcher struct{}

// New creates a Matcher.
func New() *Matcher {
	return &Matcher{}
}

// Evaluate checks every filter group on the step; all groups must pass.
// Malformed filters fail with an error wrapping notify.ErrFilterEvaluation.
func (m *Matcher) Evaluate(step *workflow.Step, payload json.RawMessage, sub *subscriber.Subscriber) (Result, error) {
	if len(step.Filters) == 0 {
		return Result{Passed: true}, nil
	}

	var fields map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return Result{}, fmt.Errorf("%w: parse payload: %v", notify.ErrFilterEvaluation, err)
		}
	}

	for _, group := range step.Filters {
		passed, reason, err := m.evaluateGroup(group, fields, sub)
		if err != nil {
			return Result{}, err
		}
		if !passed {
			return Result{Passed: false, Reason: reason}, nil
		}
	}
	return Result{Passed: true}, nil
}

func (m *Matcher) evaluateGroup(group workflow.Filter, fields map[string]any, sub *subscriber.Subscriber) (bool, string, error) {
	if len(group.Conditions) == 0 {
		return true, "", nil
	}

	isOr := strings.EqualFold(group.Value, "OR")

	var firstReason string
	for _, cond := range group.Conditions {
		passed, err := m.evaluateCondition(cond, fields, sub)
		if err != nil {
			return false, "", err
		}
		if passed && isOr {
			return true, "", nil
		}
		if !passed {
			if firstReason == "" {
				firstReason = conditionReason(cond)
			}
			if !isOr {
				return false, firstReason, nil
			}
		}
	}

	if isOr {
		return false, firstReason, nil
	}
	return true, "", nil
}

func (m *Matcher) evaluateCondition(cond workflow.Condition, fields map[string]any, sub *subscriber.Subscriber) (bool, error) {
	switch cond.On {
	case workflow.OnPayload, "":
		return evaluatePayload(cond, fields)
	case workflow.OnSubscriber:
		return evaluateSubscriber(cond, sub)
	default:
		return false, fmt.Errorf("%w: unknown condition source %q", notify.ErrFilterEvaluation, cond.On)
	}
}

func evaluatePayload(cond workflow.Condition, fields map[string]any) (bool, error) {
	value, defined := lookup(fields, cond.Field)

	if cond.Operator == workflow.OpIsDefined {
		return defined, nil
	}
	if !defined {
		return false, nil
	}

	switch cond.Operator {
	case workflow.OpEqual:
		return asString(value) == cond.Value, nil
	case workflow.OpNotEqual:
		return asString(value) != cond.Value, nil
	case workflow.OpContains:
		return strings.Contains(asString(value), cond.Value), nil
	case workflow.OpNotContains:
		return !strings.Contains(asString(value), cond.Value), nil
	case workflow.OpLarger, workflow.OpSmaller, workflow.OpLargerEq, workflow.OpSmallerEq:
		return compareNumeric(cond.Operator, value, cond.Value)
	default:
		return false, fmt.Errorf("%w: unknown operator %q", notify.ErrFilterEvaluation, cond.Operator)
	}
}

func evaluateSubscriber(cond workflow.Condition, sub *subscriber.Subscriber) (bool, error) {
	if sub == nil {
		return false, nil
	}

	switch cond.Field {
	case "online":
		want := cond.Value == "" || cond.Value == "true"
		return sub.Online == want, nil
	case "last_online_at":
		if sub.Online {
			return true, nil
		}
		if sub.LastOnlineAt == nil || cond.Within <= 0 {
			return false, nil
		}
		return time.Since(*sub.LastOnlineAt) <= cond.Within, nil
	default:
		return false, fmt.Errorf("%w: unknown subscriber field %q", notify.ErrFilterEvaluation, cond.Field)
	}
}

func compareNumeric(op workflow.FilterOperator, value any, want string) (bool, error) {
	left, ok := asNumber(value)
	if !ok {
		return false, nil
	}
	right, err := strconv.ParseFloat(want, 64)
	if err != nil {
		return false, fmt.Errorf("%w: non-numeric comparison value %q", notify.ErrFilterEvaluation, want)
	}

	switch op {
	case workflow.OpLarger:
		return left > right, nil
	case workflow.OpSmaller:
		return left < right, nil
	case workflow.OpLargerEq:
		return left >= right, nil
	case workflow.OpSmallerEq:
		return left <= right, nil
	default:
		return false, fmt.Errorf("%w: unknown numeric operator %q", notify.ErrFilterEvaluation, op)
	}
}

// lookup resolves a dotted field path inside the payload.
func lookup(fields map[string]any, path string) (any, bool) {
	if fields == nil || path == "" {
		return nil, false
	}

	parts := strings.Split(path, ".")
	var current any = fields
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func conditionReason(cond workflow.Condition) string {
	on := string(cond.On)
	if on == "" {
		on = string(workflow.OnPayload)
	}
	return fmt.Sprintf("filter condition not met: %s.%s %s %q", on, cond.Field, cond.Operator, cond.Value)
}
