// Package tenantconfig loads tenant bot configuration bundles from YAML and
// applies them to a store.
package tenantconfig

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/BotPipe/internal/models"
	"github.com/BTreeMap/BotPipe/internal/store"
)

// Bundle is a seed file describing one or more tenants.
type Bundle struct {
	Tenants []Tenant `yaml:"tenants"`
}

// Tenant is the engine configuration, menus and flows of one tenant.
type Tenant struct {
	ID    string               `yaml:"id"`
	Bot   models.BotConfig     `yaml:"bot"`
	Menus []models.DynamicMenu `yaml:"menus,omitempty"`
	Flows []models.FlowGraph   `yaml:"flows,omitempty"`
}

// Writer is the subset of store.Store a bundle is applied to.
type Writer interface {
	store.BotConfigRepo
	store.MenuRepo
	store.FlowRepo
}

// Load reads and validates the bundle at path.
func Load(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tenant config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML bundle. Unknown fields are rejected.
func Parse(data []byte) (*Bundle, error) {
	var b Bundle
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&b); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tenant config: %w", err)
	}
	return &b, nil
}

// Validate checks tenant ids, menu keys and flow graphs.
func (b *Bundle) Validate() error {
	seenTenants := make(map[string]bool, len(b.Tenants))
	for i := range b.Tenants {
		t := &b.Tenants[i]
		if strings.TrimSpace(t.ID) == "" {
			return fmt.Errorf("tenants[%d]: %w", i, models.ErrEmptyTenant)
		}
		if seenTenants[t.ID] {
			return fmt.Errorf("tenants[%d]: duplicate tenant %q", i, t.ID)
		}
		seenTenants[t.ID] = true

		keys := make(map[string]bool, len(t.Menus))
		for j := range t.Menus {
			m := &t.Menus[j]
			if err := m.Validate(); err != nil {
				return fmt.Errorf("tenant %s: %w", t.ID, err)
			}
			if keys[m.MenuKey] {
				return fmt.Errorf("tenant %s: %w: %s", t.ID, models.ErrDuplicateMenuKey, m.MenuKey)
			}
			keys[m.MenuKey] = true
		}
		for j := range t.Flows {
			if err := t.Flows[j].Validate(); err != nil {
				return fmt.Errorf("tenant %s: %w", t.ID, err)
			}
		}
		for _, m := range t.Menus {
			for _, opt := range m.Options {
				if opt.TargetMenu != "" && !keys[opt.TargetMenu] {
					slog.Warn("tenantconfig: option targets an undefined menu", "tenant", t.ID, "menu", m.MenuKey, "target", opt.TargetMenu)
				}
			}
		}
	}
	return nil
}

// Apply writes every tenant of b to w. Existing menus and flows with the same
// keys are replaced.
func Apply(ctx context.Context, w Writer, b *Bundle) error {
	for _, t := range b.Tenants {
		cfg := t.Bot
		cfg.TenantID = t.ID
		if err := w.SaveBotConfig(ctx, cfg); err != nil {
			return fmt.Errorf("tenant %s: save bot config: %w", t.ID, err)
		}
		for _, m := range t.Menus {
			m.TenantID = t.ID
			if err := w.SaveMenu(ctx, m); err != nil {
				return fmt.Errorf("tenant %s: save menu %s: %w", t.ID, m.MenuKey, err)
			}
		}
		for _, g := range t.Flows {
			if err := w.SaveFlowGraph(ctx, t.ID, g); err != nil {
				return fmt.Errorf("tenant %s: save flow %s: %w", t.ID, g.ID, err)
			}
		}
		slog.Info("tenantconfig.Apply: tenant seeded", "tenant", t.ID, "enabled", cfg.Enabled, "menus", len(t.Menus), "flows", len(t.Flows))
	}
	return nil
}

// LoadAndApply is Load followed by Apply.
func LoadAndApply(ctx context.Context, w Writer, path string) error {
	b, err := Load(path)
	if err != nil {
		return err
	}
	return Apply(ctx, w, b)
}
