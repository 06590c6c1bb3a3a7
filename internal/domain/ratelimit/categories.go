package ratelimit

import "strings"

// inferenceRules are evaluated in order; the first rule with a matching
// keyword wins. The order is fixed so ambiguous names such as
// "exportSearchResults" always resolve the same way (export).
var inferenceRules = []struct {
	category Category
	keywords []string
}{
	{CategoryAuth, []string{"login", "auth", "signin", "signup", "password", "logout"}},
	{CategoryWrite, []string{"insert", "update", "delete", "create", "upsert", "remove"}},
	{CategoryExport, []string{"export", "download", "report"}},
	{CategorySearch, []string{"search", "filter", "query"}},
	{CategoryRead, []string{"select", "get", "fetch", "list", "read", "load"}},
}

// InferCategory maps an operation name to a category by case-insensitive
// substring matching. Names matching nothing fall into CategoryDefault.
func InferCategory(operation string) Category {
	name := strings.ToLower(operation)
	for _, rule := range inferenceRules {
		for _, kw := range rule.keywords {
			if strings.Contains(name, kw) {
				return rule.category
			}
		}
	}
	return CategoryDefault
}

// IsValid reports whether c is a known category.
func (c Category) IsValid() bool {
	_, ok := DefaultLimits[c]
	return ok
}
