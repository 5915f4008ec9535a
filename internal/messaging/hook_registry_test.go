package messaging

import (
	"context"
	"testing"
)

func TestHookRegistry_Defaults(t *testing.T) {
	hr := NewHookRegistry()
	types := hr.ListRegisteredTypes()
	if len(types) != 2 || types[0] != HookTypeAutoReply || types[1] != HookTypeKeywordReply {
		t.Errorf("unexpected registered types: %v", types)
	}
	if hr.IsRegistered("unknown") {
		t.Error("unknown type should not be registered")
	}
	if _, err := hr.CreateHook("unknown", nil, newMockService()); err == nil {
		t.Error("expected error for unknown hook type")
	}
}

func TestHookRegistry_AutoReply(t *testing.T) {
	svc := newMockService()
	hr := NewHookRegistry()

	if _, err := hr.CreateHook(HookTypeAutoReply, map[string]string{}, svc); err == nil {
		t.Fatal("expected error for missing text")
	}
	hook, err := hr.CreateHook(HookTypeAutoReply, map[string]string{"text": "Já te respondemos!"}, svc)
	if err != nil {
		t.Fatalf("CreateHook failed: %v", err)
	}
	handled, err := hook(context.Background(), "5511999990000", "qualquer", 0)
	if err != nil || !handled {
		t.Fatalf("expected handled without error, got %v, %v", handled, err)
	}
	if sent := svc.Sent(); len(sent) != 1 || sent[0].body != "Já te respondemos!" {
		t.Errorf("unexpected sent messages: %+v", sent)
	}
}

func TestHookRegistry_KeywordReply(t *testing.T) {
	svc := newMockService()
	hook, err := NewHookRegistry().CreateHook(HookTypeKeywordReply, map[string]string{"keyword": "Horário", "text": "Abrimos às 8h."}, svc)
	if err != nil {
		t.Fatalf("CreateHook failed: %v", err)
	}

	handled, err := hook(context.Background(), "5511999990000", "qual o seu horario?", 0)
	if err != nil || handled {
		t.Errorf("unaccented text must not match: handled=%v err=%v", handled, err)
	}
	handled, err = hook(context.Background(), "5511999990000", "Qual o HORÁRIO de vocês?", 0)
	if err != nil || !handled {
		t.Errorf("expected match: handled=%v err=%v", handled, err)
	}
	if len(svc.Sent()) != 1 {
		t.Errorf("expected 1 reply, got %d", len(svc.Sent()))
	}
}

func TestHookRegistry_RegisterFactory(t *testing.T) {
	hr := NewHookRegistry()
	hr.RegisterFactory("silent", func(params map[string]string, sender Sender) (ResponseAction, error) {
		return func(ctx context.Context, from, text string, ts int64) (bool, error) { return true, nil }, nil
	})
	if !hr.IsRegistered("silent") {
		t.Fatal("custom factory should be registered")
	}
	if _, err := hr.CreateHook("silent", nil, newMockService()); err != nil {
		t.Errorf("CreateHook failed: %v", err)
	}
}
