// Package workflows is the registry gate for step lists: it validates them
// before anything runs and stores reusable workflows.
package workflows

import (
	"fmt"
	"math"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/rossigee/imageflow/pkg/types"
)

// MaxSteps is the longest step list a workflow or execution may carry
const MaxSteps = 10

// Catalog is the operation lookup the validator depends on
type Catalog interface {
	Known(name string) bool
	Price(name string) (int64, bool)
	ValidateParameters(name string, params map[string]interface{}) error
}

// Validator checks step lists against the operation catalog
type Validator struct {
	catalog Catalog
}

// NewValidator creates a validator over catalog
func NewValidator(catalog Catalog) *Validator {
	return &Validator{catalog: catalog}
}

// Validate reports every problem in steps. Step indexes in messages are zero-based.
// A step may declare more than its operation's catalog price but never less.
// The returned error is a *types.WorkflowValidationError.
func (v *Validator) Validate(steps []types.StepDefinition) error {
	var result *multierror.Error

	if len(steps) == 0 {
		result = multierror.Append(result, fmt.Errorf("workflow must have at least one step"))
	}
	if len(steps) > MaxSteps {
		result = multierror.Append(result, fmt.Errorf("workflow has %d steps, maximum is %d", len(steps), MaxSteps))
	}

	var total int64
	overflow := false
	for i, step := range steps {
		if step.OperationName == "" {
			result = multierror.Append(result, fmt.Errorf("step %d: operation name is required", i))
			continue
		}
		if !v.catalog.Known(step.OperationName) {
			result = multierror.Append(result, fmt.Errorf("step %d: unknown operation %q", i, step.OperationName))
			continue
		}
		if step.CreditsCost <= 0 {
			result = multierror.Append(result, fmt.Errorf("step %d: credits cost must be positive, got %d", i, step.CreditsCost))
		} else {
			if price, ok := v.catalog.Price(step.OperationName); ok && step.CreditsCost < price {
				result = multierror.Append(result, fmt.Errorf("step %d: credits cost %d is below the %s price of %d", i, step.CreditsCost, step.OperationName, price))
			}
			if step.CreditsCost > math.MaxInt64-total {
				overflow = true
			} else {
				total += step.CreditsCost
			}
		}
		if err := v.catalog.ValidateParameters(step.OperationName, step.Parameters); err != nil {
			result = multierror.Append(result, fmt.Errorf("step %d: %w", i, err))
		}
	}

	if overflow {
		result = multierror.Append(result, fmt.Errorf("workflow total credits overflow"))
	}

	if result == nil {
		return nil
	}
	result.ErrorFormat = listFormat
	return &types.WorkflowValidationError{Problems: result}
}

func listFormat(errs []error) string {
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// CopySteps returns a deep copy of steps so a running execution never observes later edits
func CopySteps(steps []types.StepDefinition) []types.StepDefinition {
	out := make([]types.StepDefinition, len(steps))
	for i, step := range steps {
		out[i] = types.StepDefinition{
			OperationName: step.OperationName,
			CreditsCost:   step.CreditsCost,
			Parameters:    copyParams(step.Parameters),
		}
	}
	return out
}

func copyParams(params types.Parameters) types.Parameters {
	if params == nil {
		return nil
	}
	out := make(types.Parameters, len(params))
	for k, v := range params {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, inner := range val {
			m[k] = copyValue(inner)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(val))
		for i, inner := range val {
			s[i] = copyValue(inner)
		}
		return s
	default:
		return val
	}
}
