// Package testutil provides shared fixtures and assertions for BotPipe tests.
package testutil

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/BotPipe/internal/models"
	"github.com/BTreeMap/BotPipe/internal/store"
)

const (
	// Tenant is the tenant seeded by NewSeededStore.
	Tenant = "loja-1"
	// User is a canonical end-user number for tests.
	User = "5511999990000"
	// PlansMenu is the submenu reachable from START by option 1.
	PlansMenu = "PLANOS"
)

// SeedMenus returns the menu tree NewSeededStore writes: START with one
// option leading to PLANOS, and PLANOS with a single terminal option.
func SeedMenus() []models.DynamicMenu {
	return []models.DynamicMenu{
		{
			TenantID: Tenant,
			MenuKey:  models.StateStart,
			Title:    "Início",
			Options:  []models.MenuOption{{Label: "Planos", TargetMenu: PlansMenu}},
		},
		{
			TenantID:      Tenant,
			MenuKey:       PlansMenu,
			Title:         "Planos",
			ParentMenuKey: models.StateStart,
			Options:       []models.MenuOption{{Label: "Mensal", TargetState: "PLANO_MENSAL"}},
		},
	}
}

// NewSeededStore returns an in-memory store with Tenant enabled and SeedMenus saved.
func NewSeededStore(t testing.TB) *store.InMemoryStore {
	t.Helper()
	ctx := context.Background()
	s := store.NewInMemoryStore()
	if err := s.SaveBotConfig(ctx, models.BotConfig{TenantID: Tenant, Enabled: true}); err != nil {
		t.Fatalf("SaveBotConfig failed: %v", err)
	}
	for _, m := range SeedMenus() {
		if err := s.SaveMenu(ctx, m); err != nil {
			t.Fatalf("SaveMenu %s failed: %v", m.MenuKey, err)
		}
	}
	return s
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes an APIResponse envelope and validates its status field.
func AssertJSONResponse(t testing.TB, rr *httptest.ResponseRecorder, expectedStatus models.APIStatus) models.APIResponse {
	t.Helper()
	var response models.APIResponse
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if response.Status != string(expectedStatus) {
		t.Errorf("expected status '%s', got '%s'", expectedStatus, response.Status)
	}
	return response
}

// MustMarshalJSON marshals an object to JSON and fails the test on error.
func MustMarshalJSON(t testing.TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}
