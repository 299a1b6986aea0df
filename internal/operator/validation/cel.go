// Package validation evaluates the FleetAddonConfig validation rules with CEL,
// the same expressions the API server enforces through the CRD schema.
package validation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"k8s.io/apimachinery/pkg/runtime"

	addonsv1alpha1 "github.com/rancher-sandbox/cluster-api-addon-provider-fleet/api/v1alpha1"
)

// ErrRuleViolated is returned when a rule evaluates to false.
var ErrRuleViolated = errors.New("validation rule violated")

// CELValidator compiles rules once and evaluates them against objects bound
// to the variable self.
type CELValidator struct {
	env *cel.Env

	mu       sync.Mutex
	programs map[string]cel.Program
}

// NewCELValidator creates a new CELValidator.
func NewCELValidator() (*CELValidator, error) {
	env, err := cel.NewEnv(cel.Variable("self", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("creating CEL env: %w", err)
	}
	return &CELValidator{env: env, programs: make(map[string]cel.Program)}, nil
}

// Validate evaluates every rule against obj. All violations are joined.
func (v *CELValidator) Validate(ctx context.Context, obj map[string]any, rules []string) error {
	var errs []error
	for _, rule := range rules {
		prog, err := v.program(rule)
		if err != nil {
			return err
		}
		out, _, err := prog.ContextEval(ctx, map[string]any{"self": obj})
		if err != nil {
			errs = append(errs, fmt.Errorf("evaluating CEL %q: %w", rule, err))
			continue
		}
		if out != types.True {
			errs = append(errs, fmt.Errorf("%w: %s", ErrRuleViolated, rule))
		}
	}
	return errors.Join(errs...)
}

// ValidateConfig checks cfg against the FleetAddonConfig rules.
func (v *CELValidator) ValidateConfig(ctx context.Context, cfg *addonsv1alpha1.FleetAddonConfig) error {
	content, err := runtime.DefaultUnstructuredConverter.ToUnstructured(cfg)
	if err != nil {
		return fmt.Errorf("preparing CEL variables: %w", err)
	}
	return v.Validate(ctx, content, addonsv1alpha1.ValidationRules)
}

func (v *CELValidator) program(rule string) (cel.Program, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if prog, ok := v.programs[rule]; ok {
		return prog, nil
	}
	ast, issues := v.env.Compile(rule)
	if issues.Err() != nil {
		return nil, fmt.Errorf("compiling CEL %q: %w", rule, issues.Err())
	}
	prog, err := v.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("building CEL program %q: %w", rule, err)
	}
	v.programs[rule] = prog
	return prog, nil
}
