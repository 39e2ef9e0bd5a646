package service

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/oliveagle/jsonpath"

	"github.com/NCGHoldings/StoresONE-sub005/internal/errors"
	"github.com/NCGHoldings/StoresONE-sub005/internal/repository"
)

// StepDecision is what a step's conditions say about entering it.
type StepDecision int

const (
	DecisionAwait StepDecision = iota
	DecisionSkip
	DecisionApprove
)

func (d StepDecision) String() string {
	switch d {
	case DecisionSkip:
		return "skip"
	case DecisionApprove:
		return "approve"
	default:
		return "await"
	}
}

// ConditionOutcome is the result of evaluating one step's conditions.
type ConditionOutcome struct {
	Decision   StepDecision
	RoutedRole *string
	Matched    *repository.Condition
}

// EvaluateConditions applies a step's conditions to the document.
//
// Conditions are visited by condition_order. The first holding skip, approve
// or require condition decides the step. If the step has require conditions
// and none hold, the step is not mandatory and is skipped. The first holding
// route_to_role condition redirects approver resolution when the step awaits
// approvers. Conditions after the deciding one are not evaluated.
func EvaluateConditions(conds []repository.Condition, doc map[string]any) (ConditionOutcome, error) {
	conds = append([]repository.Condition(nil), conds...)
	sort.SliceStable(conds, func(i, j int) bool {
		return conds[i].ConditionOrder < conds[j].ConditionOrder
	})

	outcome := ConditionOutcome{Decision: DecisionAwait}
	decided := false
	hasRequire := false

	for i := range conds {
		if decided {
			// Later conditions cannot change a decided step; a routed role
			// is discarded once the step stops awaiting approvers.
			break
		}
		cond := &conds[i]
		if cond.Action == repository.ConditionRequire {
			hasRequire = true
		}

		holds, err := evaluateCondition(cond, doc)
		if err != nil {
			return ConditionOutcome{}, err
		}
		if !holds {
			continue
		}

		switch cond.Action {
		case repository.ConditionRouteToRole:
			if outcome.RoutedRole == nil {
				outcome.RoutedRole = cond.TargetRole
			}
		case repository.ConditionSkip, repository.ConditionApprove, repository.ConditionRequire:
			decided = true
			outcome.Matched = cond
			switch cond.Action {
			case repository.ConditionSkip:
				outcome.Decision = DecisionSkip
			case repository.ConditionApprove:
				outcome.Decision = DecisionApprove
			}
		}
	}

	if !decided && hasRequire {
		outcome.Decision = DecisionSkip
	}
	if outcome.Decision != DecisionAwait {
		outcome.RoutedRole = nil
	}
	return outcome, nil
}

func evaluateCondition(cond *repository.Condition, doc map[string]any) (bool, error) {
	actual, found := lookupField(doc, cond.FieldPath)

	switch cond.Operator {
	case repository.OperatorEq:
		return found && valuesEqual(actual, cond.Value), nil
	case repository.OperatorNeq:
		return found && !valuesEqual(actual, cond.Value), nil
	case repository.OperatorIn:
		if !found {
			return false, nil
		}
		candidates, ok := cond.Value.([]any)
		if !ok {
			return false, conditionError(cond, "in operator needs a list value")
		}
		for _, c := range candidates {
			if valuesEqual(actual, c) {
				return true, nil
			}
		}
		return false, nil
	case repository.OperatorLt, repository.OperatorLte, repository.OperatorGt, repository.OperatorGte:
		if !found {
			return false, conditionError(cond, fmt.Sprintf("field %q is missing from the document", cond.FieldPath))
		}
		cmp, err := compareOrdered(actual, cond.Value)
		if err != nil {
			return false, conditionError(cond, err.Error())
		}
		switch cond.Operator {
		case repository.OperatorLt:
			return cmp < 0, nil
		case repository.OperatorLte:
			return cmp <= 0, nil
		case repository.OperatorGt:
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	default:
		return false, conditionError(cond, fmt.Sprintf("unknown operator %q", cond.Operator))
	}
}

func conditionError(cond *repository.Condition, msg string) error {
	return errors.Wrap(ErrConditionEvaluation, errors.ErrCodeConfiguration,
		fmt.Sprintf("condition %s %s on %q: %s", cond.Operator, cond.Action, cond.FieldPath, msg))
}

// lookupField resolves a dot path such as "supplier.country" or
// "lines[0].amount" against the document.
func lookupField(doc map[string]any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" || doc == nil {
		return nil, false
	}
	if !strings.HasPrefix(path, "$") {
		path = "$." + path
	}
	value, err := jsonpath.JsonPathLookup(doc, path)
	if err != nil {
		return nil, false
	}
	return value, true
}

func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return sa == sb
		}
	}
	return reflect.DeepEqual(a, b)
}

// compareOrdered compares numbers numerically and strings lexically, which
// also orders ISO-8601 dates.
func compareOrdered(a, b any) (int, error) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, fmt.Errorf("cannot compare number with %T", b)
		}
		switch {
		case fa < fb:
			return -1, nil
		case fa > fb:
			return 1, nil
		default:
			return 0, nil
		}
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if okA && okB {
		return strings.Compare(sa, sb), nil
	}
	return 0, fmt.Errorf("cannot order %T against %T", a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
