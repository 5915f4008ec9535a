package models

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestInterceptRequestValidate(t *testing.T) {
	tests := []struct {
		name string
		req  InterceptRequest
		want error
	}{
		{"valid", InterceptRequest{TenantID: "t", SenderIdentifier: "u", MessageText: "oi"}, nil},
		{"empty message is valid", InterceptRequest{TenantID: "t", SenderIdentifier: "u"}, nil},
		{"missing tenant", InterceptRequest{TenantID: " ", SenderIdentifier: "u"}, ErrEmptyTenant},
		{"missing sender", InterceptRequest{TenantID: "t"}, ErrEmptySender},
		{"long tenant", InterceptRequest{TenantID: strings.Repeat("t", MaxIdentifierLength+1), SenderIdentifier: "u"}, ErrIdentifierTooLong},
		{"long message", InterceptRequest{TenantID: "t", SenderIdentifier: "u", MessageText: strings.Repeat("a", MaxMessageTextLength+1)}, ErrMessageTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.req.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestInterceptResponseBuilders(t *testing.T) {
	if r := PassThrough(); r.Intercepted || !r.ShouldContinue || r.Error != "" {
		t.Errorf("unexpected PassThrough: %+v", r)
	}
	if r := PassThroughWithError(errors.New("db down")); !r.ShouldContinue || r.Error != "db down" {
		t.Errorf("unexpected PassThroughWithError: %+v", r)
	}
	r := Intercepted("olá", "PLANOS")
	if !r.Intercepted || r.ShouldContinue || r.Response != "olá" || r.NewState != "PLANOS" {
		t.Errorf("unexpected Intercepted: %+v", r)
	}

	data, err := json.Marshal(PassThrough())
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `{"intercepted":false,"should_continue":true}` {
		t.Errorf("unexpected JSON: %s", data)
	}

	dup := DuplicateDelivery()
	if !dup.Duplicate || dup.Intercepted || dup.ShouldContinue {
		t.Errorf("unexpected DuplicateDelivery: %+v", dup)
	}
	data, err = json.Marshal(dup)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `{"intercepted":false,"should_continue":false,"duplicate":true}` {
		t.Errorf("unexpected JSON: %s", data)
	}
}

func TestBotConfigWithDefaults(t *testing.T) {
	cfg := BotConfig{TenantID: "t", Enabled: true, GoodbyeMessage: "tchau!"}.WithDefaults()
	if cfg.MainMenuKey != StateStart || cfg.InvalidOptionText != DefaultInvalidOptionText ||
		cfg.HumanHandoffMessage != DefaultHumanHandoffMessage || cfg.FallbackMessage != DefaultFallbackMessage {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.GoodbyeMessage != "tchau!" {
		t.Errorf("custom text overwritten: %q", cfg.GoodbyeMessage)
	}
}

func TestIsTerminalState(t *testing.T) {
	for state, want := range map[string]bool{StateEnded: true, StateAwaitingHuman: true, StateStart: false, "PLANOS": false} {
		if got := IsTerminalState(state); got != want {
			t.Errorf("IsTerminalState(%q) = %v, want %v", state, got, want)
		}
	}
}

func TestSessionIsLockFresh(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewSession("t", "u", now.Add(-10*time.Second))
	if s.IsLockFresh(now, 30*time.Second) {
		t.Error("unlocked session cannot hold a fresh lock")
	}
	s.Locked = true
	if !s.IsLockFresh(now, 30*time.Second) {
		t.Error("lock taken 10s ago should be fresh with a 30s timeout")
	}
	if s.IsLockFresh(now, 5*time.Second) {
		t.Error("lock taken 10s ago should be stale with a 5s timeout")
	}
}

func TestParseAction(t *testing.T) {
	tests := map[string]Action{
		"":                 ActionNone,
		"back":             ActionBackToPrevious,
		"BACK_TO_START":    ActionBackToStart,
		" menu ":           ActionOpenMenu,
		"end_session":      ActionEndSession,
		"human":            ActionRequestHuman,
		"back_to_previous": ActionBackToPrevious,
	}
	for in, want := range tests {
		got, err := ParseAction(in)
		if err != nil || got != want {
			t.Errorf("ParseAction(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseAction("teleport"); !errors.Is(err, ErrInvalidAction) {
		t.Errorf("expected ErrInvalidAction, got %v", err)
	}
}

func TestActionJSON(t *testing.T) {
	opt := MenuOption{Label: "Falar com atendente", Action: ActionRequestHuman}
	data, err := json.Marshal(opt)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"action":"request_human"`) {
		t.Errorf("unexpected JSON: %s", data)
	}

	var decoded MenuOption
	if err := json.Unmarshal([]byte(`{"label":"Sair","action":"end"}`), &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.Action != ActionEndSession {
		t.Errorf("expected end_session, got %v", decoded.Action)
	}
}

func TestMenuValidate(t *testing.T) {
	valid := DynamicMenu{MenuKey: "START", Options: []MenuOption{
		{Label: "Planos", TargetMenu: "PLANOS"},
		{Label: "Suporte", TargetState: "SUPORTE"},
		{Label: "Sair", Action: ActionEndSession},
	}}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid menu rejected: %v", err)
	}

	if err := (&DynamicMenu{}).Validate(); !errors.Is(err, ErrEmptyMenuKey) {
		t.Errorf("expected ErrEmptyMenuKey, got %v", err)
	}
	for _, opt := range []MenuOption{
		{Label: "nada"},
		{Label: "dois", TargetMenu: "A", TargetState: "B"},
		{Label: "tres", TargetMenu: "A", Action: ActionOpenMenu},
	} {
		m := DynamicMenu{MenuKey: "X", Options: []MenuOption{opt}}
		if err := m.Validate(); !errors.Is(err, ErrInvalidMenuOption) {
			t.Errorf("option %q: expected ErrInvalidMenuOption, got %v", opt.Label, err)
		}
	}
}

func TestFlowGraphValidate(t *testing.T) {
	base := func() FlowGraph {
		return FlowGraph{
			Flow: Flow{ID: "f1", Active: true},
			Nodes: []FlowNode{
				{ID: "start", NodeType: NodeTypeStart},
				{ID: "end", NodeType: NodeTypeEnd},
			},
			Edges: []FlowEdge{{ID: "e1", SourceNodeID: "start", TargetNodeID: "end", ConditionType: ConditionAlways}},
		}
	}

	g := base()
	if err := g.Validate(); err != nil {
		t.Fatalf("valid graph rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*FlowGraph)
		want   error
	}{
		{"empty id", func(g *FlowGraph) { g.ID = "" }, ErrEmptyFlowID},
		{"empty node id", func(g *FlowGraph) { g.Nodes[1].ID = "" }, ErrEmptyNodeID},
		{"no start", func(g *FlowGraph) { g.Nodes[0].NodeType = NodeTypeMessage }, ErrMissingEntryNode},
		{"unknown target", func(g *FlowGraph) { g.Edges[0].TargetNodeID = "ghost" }, ErrUnknownEdgeNode},
		{"bad condition", func(g *FlowGraph) { g.Edges[0].ConditionType = "fuzzy" }, ErrInvalidCondition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := base()
			tt.mutate(&g)
			if err := g.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAPIResponseBuilders(t *testing.T) {
	if r := Success(42); r.Status != string(APIStatusOK) || r.Result != 42 {
		t.Errorf("unexpected Success: %+v", r)
	}
	if r := Error("boom"); r.Status != string(APIStatusError) || r.Message != "boom" {
		t.Errorf("unexpected Error: %+v", r)
	}
	if r := SuccessWithMessage("ok", nil); r.Message != "ok" || r.Result != nil {
		t.Errorf("unexpected SuccessWithMessage: %+v", r)
	}
}
