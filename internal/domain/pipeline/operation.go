// Package pipeline wraps every outbound data operation with pre-execution
// checks (rate limit, session validity, input heuristics, store scope) and
// post-execution logging and error classification.
package pipeline

import (
	"fmt"
	"strings"

	"github.com/Sentinel-Gate/posguard/internal/domain/ratelimit"
)

// Kind is the coarse shape of an operation.
type Kind string

const (
	KindRead  Kind = "read"
	KindWrite Kind = "write"
	KindRPC   Kind = "rpc"
	KindAuth  Kind = "auth"
)

// Operation describes one outbound call.
type Operation struct {
	// Name is the operation name, e.g. "products.select" or "login".
	Name string
	// Kind is optional; when empty it is inferred from the category.
	Kind Kind
	// Args are the call arguments, inspected by the input scan and scope check.
	Args []any
}

// Category returns the rate-limit category inferred from the name.
func (o Operation) Category() ratelimit.Category {
	return ratelimit.InferCategory(o.Name)
}

// IsRead reports whether the operation only reads data.
func (o Operation) IsRead() bool {
	switch o.Kind {
	case KindRead:
		return true
	case KindWrite, KindAuth:
		return false
	}
	switch o.Category() {
	case ratelimit.CategoryRead, ratelimit.CategorySearch, ratelimit.CategoryExport:
		return true
	default:
		return false
	}
}

// Filter is an equality or set filter on a column.
type Filter struct {
	Column   string `json:"column"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// Eq builds an equality filter.
func Eq(column string, value any) Filter {
	return Filter{Column: column, Operator: "eq", Value: value}
}

// In builds a set membership filter.
func In(column string, values ...any) Filter {
	return Filter{Column: column, Operator: "in", Value: values}
}

// Row is a single record exchanged with the backend.
type Row map[string]any

// StoreScoped is implemented by arguments that target a specific store.
type StoreScoped interface {
	TargetStore() string
}

var storeKeys = []string{"store_id", "storeId"}

func isStoreKey(k string) bool {
	for _, sk := range storeKeys {
		if strings.EqualFold(k, sk) {
			return true
		}
	}
	return false
}

// TargetStores extracts every distinct store identifier the arguments target.
func TargetStores(args []any) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(v any) {
		for _, s := range scalarStrings(v) {
			if s != "" && !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}

	var visit func(a any)
	visit = func(a any) {
		switch v := a.(type) {
		case nil:
		case StoreScoped:
			add(v.TargetStore())
		case Filter:
			if isStoreKey(v.Column) {
				add(v.Value)
			}
		case []Filter:
			for _, f := range v {
				visit(f)
			}
		case Row:
			visit(map[string]any(v))
		case []Row:
			for _, r := range v {
				visit(r)
			}
		case map[string]any:
			for k, val := range v {
				if isStoreKey(k) {
					add(val)
				}
			}
		case map[string]string:
			for k, val := range v {
				if isStoreKey(k) {
					add(val)
				}
			}
		case []any:
			for _, e := range v {
				visit(e)
			}
		}
	}
	for _, a := range args {
		visit(a)
	}
	return out
}

// scalarStrings renders a scalar or a slice of scalars as strings.
func scalarStrings(v any) []string {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return []string{x}
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			out = append(out, scalarStrings(e)...)
		}
		return out
	default:
		return []string{fmt.Sprint(x)}
	}
}

var credentialKeys = []string{"email", "username", "phone"}

// credentialOf returns the login identifier carried by auth arguments.
func credentialOf(args []any) string {
	for _, a := range args {
		var m map[string]any
		switch v := a.(type) {
		case map[string]any:
			m = v
		case Row:
			m = v
		case map[string]string:
			for _, k := range credentialKeys {
				if s := v[k]; s != "" {
					return s
				}
			}
			continue
		default:
			continue
		}
		for _, k := range credentialKeys {
			if s, ok := m[k].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
