package models

import (
	"fmt"
	"strings"
)

// Action is a navigation or terminal action the engine knows how to execute.
type Action int

const (
	// ActionNone means no action.
	ActionNone Action = iota
	// ActionBackToPrevious returns to the state before the current one.
	ActionBackToPrevious
	// ActionBackToStart resets the conversation to START.
	ActionBackToStart
	// ActionOpenMenu jumps to the tenant's main menu.
	ActionOpenMenu
	// ActionEndSession ends the conversation.
	ActionEndSession
	// ActionRequestHuman hands the conversation to a human agent.
	ActionRequestHuman
)

var actionNames = map[Action]string{
	ActionNone:           "",
	ActionBackToPrevious: "back_to_previous",
	ActionBackToStart:    "back_to_start",
	ActionOpenMenu:       "open_menu",
	ActionEndSession:     "end_session",
	ActionRequestHuman:   "request_human",
}

// actionAliases maps the short names menu authors use to actions.
var actionAliases = map[string]Action{
	"back":  ActionBackToPrevious,
	"start": ActionBackToStart,
	"menu":  ActionOpenMenu,
	"end":   ActionEndSession,
	"human": ActionRequestHuman,
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// ParseAction converts a stored action name (long or short form) into an Action.
func ParseAction(s string) (Action, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ActionNone, nil
	}
	if a, ok := actionAliases[s]; ok {
		return a, nil
	}
	for a, name := range actionNames {
		if name == s {
			return a, nil
		}
	}
	return ActionNone, fmt.Errorf("%w: %q", ErrInvalidAction, s)
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Action) UnmarshalText(text []byte) error {
	parsed, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// MenuOption is one selectable entry of a dynamic menu.
// Exactly one of TargetMenu, TargetState or Action is set.
type MenuOption struct {
	Label       string   `json:"label" yaml:"label"`
	Keywords    []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	TargetMenu  string   `json:"target_menu,omitempty" yaml:"target_menu,omitempty"`
	TargetState string   `json:"target_state,omitempty" yaml:"target_state,omitempty"`
	Action      Action   `json:"action,omitempty" yaml:"action,omitempty"`
}

// Validate checks the exactly-one-target invariant.
func (o *MenuOption) Validate() error {
	set := 0
	if o.TargetMenu != "" {
		set++
	}
	if o.TargetState != "" {
		set++
	}
	if o.Action != ActionNone {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w (label %q)", ErrInvalidMenuOption, o.Label)
	}
	return nil
}

// DynamicMenu is a tenant-authored menu keyed by MenuKey.
type DynamicMenu struct {
	TenantID      string       `json:"tenant_id" yaml:"-"`
	MenuKey       string       `json:"menu_key" yaml:"menu_key"`
	Title         string       `json:"title" yaml:"title"`
	Header        string       `json:"header,omitempty" yaml:"header,omitempty"`
	Footer        string       `json:"footer,omitempty" yaml:"footer,omitempty"`
	Options       []MenuOption `json:"options" yaml:"options"`
	ParentMenuKey string       `json:"parent_menu_key,omitempty" yaml:"parent_menu_key,omitempty"`
}

// Validate checks the menu key and every option.
func (m *DynamicMenu) Validate() error {
	if strings.TrimSpace(m.MenuKey) == "" {
		return ErrEmptyMenuKey
	}
	for i := range m.Options {
		if err := m.Options[i].Validate(); err != nil {
			return fmt.Errorf("menu %s option %d: %w", m.MenuKey, i+1, err)
		}
	}
	return nil
}
