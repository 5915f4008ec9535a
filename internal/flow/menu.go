package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/BTreeMap/BotPipe/internal/models"
	"github.com/BTreeMap/BotPipe/internal/store"
)

// Navigation hints appended to every rendered menu.
const (
	BackHint     = "0 - Voltar"
	MainMenuHint = "# - Menu principal"
)

// maxBreadcrumbDepth bounds the parent walk of Breadcrumb.
const maxBreadcrumbDepth = 32

// minSubstringRunes is the shortest input allowed to match a label by substring.
const minSubstringRunes = 3

// Selection is the option a user picked from a menu.
type Selection struct {
	// Index is the 0-based position of Option in the menu.
	Index  int
	Option models.MenuOption
}

// RenderMenu formats a menu as the text sent to the end user.
func RenderMenu(menu *models.DynamicMenu) string {
	var b strings.Builder
	head := menu.Header
	if head == "" {
		head = menu.Title
	}
	if head != "" {
		b.WriteString(head)
		b.WriteString("\n\n")
	}
	for i, opt := range menu.Options {
		fmt.Fprintf(&b, "%d - %s\n", i+1, opt.Label)
	}
	b.WriteString("\n")
	if menu.ParentMenuKey != "" {
		b.WriteString(BackHint)
		b.WriteString("\n")
	}
	b.WriteString(MainMenuHint)
	if menu.Footer != "" {
		b.WriteString("\n\n")
		b.WriteString(menu.Footer)
	}
	return b.String()
}

// ResolveSelection matches parsed input against the options of menu, trying
// the 1-based position, then the label, then the option keywords.
func ResolveSelection(menu *models.DynamicMenu, p ParsedInput) (Selection, bool) {
	if p.IsNumber {
		// Out-of-range numbers never fall through to label matching.
		if p.Number >= 1 && p.Number <= len(menu.Options) {
			return Selection{Index: p.Number - 1, Option: menu.Options[p.Number-1]}, true
		}
		return Selection{}, false
	}
	if p.Normalized == "" {
		return Selection{}, false
	}

	for i, opt := range menu.Options {
		if normalizeText(opt.Label) == p.Normalized {
			return Selection{Index: i, Option: opt}, true
		}
	}
	if utf8.RuneCountInString(p.Normalized) >= minSubstringRunes {
		for i, opt := range menu.Options {
			if strings.Contains(normalizeText(opt.Label), p.Normalized) {
				return Selection{Index: i, Option: opt}, true
			}
		}
	}

	for i, opt := range menu.Options {
		for _, kw := range opt.Keywords {
			kw = normalizeText(kw)
			if kw != "" && strings.Contains(p.Normalized, kw) {
				return Selection{Index: i, Option: opt}, true
			}
		}
	}
	return Selection{}, false
}

// MenuResolver loads tenant menus from a MenuRepo.
type MenuResolver struct {
	repo store.MenuRepo
}

// NewMenuResolver creates a MenuResolver.
func NewMenuResolver(repo store.MenuRepo) *MenuResolver {
	return &MenuResolver{repo: repo}
}

// Load returns the menu keyed by menuKey, or nil when the tenant has none.
func (r *MenuResolver) Load(ctx context.Context, tenantID, menuKey string) (*models.DynamicMenu, error) {
	menu, err := r.repo.GetMenu(ctx, tenantID, menuKey)
	if err != nil {
		return nil, fmt.Errorf("load menu %s: %w", menuKey, err)
	}
	return menu, nil
}

// Breadcrumb returns the titles from the root menu down to menuKey.
// The walk stops at a missing parent, a cycle, or maxBreadcrumbDepth.
func (r *MenuResolver) Breadcrumb(ctx context.Context, tenantID, menuKey string) ([]string, error) {
	var titles []string
	seen := make(map[string]bool)
	for key := menuKey; key != "" && len(titles) < maxBreadcrumbDepth; {
		if seen[key] {
			slog.Warn("MenuResolver.Breadcrumb: parent cycle", "tenant", tenantID, "menu", key)
			break
		}
		seen[key] = true

		menu, err := r.Load(ctx, tenantID, key)
		if err != nil {
			return nil, err
		}
		if menu == nil {
			break
		}
		title := menu.Title
		if title == "" {
			title = menu.MenuKey
		}
		titles = append(titles, title)
		key = menu.ParentMenuKey
	}

	for i, j := 0, len(titles)-1; i < j; i, j = i+1, j-1 {
		titles[i], titles[j] = titles[j], titles[i]
	}
	return titles, nil
}
