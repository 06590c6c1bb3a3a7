package cel

import (
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/Sentinel-Gate/posguard/internal/domain/pipeline"
)

// NewScopeEnvironment creates the CEL environment for store-scope rules.
// Variables:
//   - role: caller role ("admin", "manager", "worker", or "" when signed out)
//   - assigned_store: the caller's assigned store, "" when unrestricted
//   - target_store: the store the operation targets
//   - operation: the operation name, e.g. "sales.insert"
//
// Functions:
//   - op_matches(operation, prefix): operation starts with prefix
func NewScopeEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),

		cel.Variable("role", cel.StringType),
		cel.Variable("assigned_store", cel.StringType),
		cel.Variable("target_store", cel.StringType),
		cel.Variable("operation", cel.StringType),

		cel.Function("op_matches",
			cel.Overload("op_matches_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(op, prefix ref.Val) ref.Val {
					o, ok1 := op.Value().(string)
					p, ok2 := prefix.Value().(string)
					if !ok1 || !ok2 {
						return types.Bool(false)
					}
					return types.Bool(strings.HasPrefix(o, p))
				}),
			),
		),
	)
}

// buildActivation maps a scope request onto the environment variables.
func buildActivation(req pipeline.ScopeRequest) map[string]any {
	return map[string]any{
		"role":           req.Role,
		"assigned_store": req.AssignedStore,
		"target_store":   req.TargetStore,
		"operation":      req.Operation,
	}
}
