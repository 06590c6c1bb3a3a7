package ratelimit

import "testing"

func TestInferCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want Category
	}{
		{"login", CategoryAuth},
		{"auth.signInWithPassword", CategoryAuth},
		{"products.insert", CategoryWrite},
		{"updateInventory", CategoryWrite},
		{"sales.delete", CategoryWrite},
		{"exportSales", CategoryExport},
		{"exportSearchResults", CategoryExport},
		{"searchProducts", CategorySearch},
		{"products.select", CategoryRead},
		{"getStoreSettings", CategoryRead},
		{"sendPushNotification", CategoryDefault},
		{"", CategoryDefault},
	}
	for _, tt := range tests {
		if got := InferCategory(tt.name); got != tt.want {
			t.Errorf("InferCategory(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestCategory_IsValid(t *testing.T) {
	t.Parallel()

	for _, c := range Categories {
		if !c.IsValid() {
			t.Errorf("%q.IsValid() = false", c)
		}
	}
	if Category("nope").IsValid() {
		t.Error(`"nope".IsValid() = true`)
	}
}
