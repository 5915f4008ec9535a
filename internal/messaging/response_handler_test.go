package messaging

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/BotPipe/internal/flow"
	"github.com/BTreeMap/BotPipe/internal/models"
	"github.com/BTreeMap/BotPipe/internal/store"
	"github.com/BTreeMap/BotPipe/internal/testutil"
)

type sentMessage struct {
	to   string
	body string
}

// mockService is an in-memory Service used by handler tests.
type mockService struct {
	mu        sync.Mutex
	sent      []sentMessage
	sendErr   error
	receipts  chan models.Receipt
	responses chan models.Response
}

func newMockService() *mockService {
	return &mockService{
		receipts:  make(chan models.Receipt, 10),
		responses: make(chan models.Response, 10),
	}
}

func (m *mockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone(recipient)
}

func (m *mockService) SendMessage(ctx context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, sentMessage{to: to, body: body})
	return nil
}

func (m *mockService) Start(ctx context.Context) error { return nil }

func (m *mockService) Stop() error {
	close(m.receipts)
	close(m.responses)
	return nil
}

func (m *mockService) Receipts() <-chan models.Receipt   { return m.receipts }
func (m *mockService) Responses() <-chan models.Response { return m.responses }

func (m *mockService) Sent() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.sent...)
}

// fakeEngine returns a fixed response and records requests.
type fakeEngine struct {
	mu       sync.Mutex
	resp     models.InterceptResponse
	requests []models.InterceptRequest
}

func (e *fakeEngine) Intercept(ctx context.Context, req models.InterceptRequest) models.InterceptResponse {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, req)
	return e.resp
}

func TestProcessResponse_InterceptedReplySent(t *testing.T) {
	svc := newMockService()
	engine := &fakeEngine{resp: models.Intercepted("1 - Planos", "START")}
	rh := NewResponseHandler(engine, svc, WithTenant("loja-1"))

	err := rh.ProcessResponse(context.Background(), models.Response{From: "+55 11 99999-0000", Body: "oi", MessageID: "wamid.1", Instance: "device-1"})
	if err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}

	if len(engine.requests) != 1 {
		t.Fatalf("expected 1 engine request, got %d", len(engine.requests))
	}
	req := engine.requests[0]
	if req.TenantID != "loja-1" || req.SenderIdentifier != "5511999990000" || req.MessageID != "wamid.1" || req.TransportInstanceName != "device-1" {
		t.Errorf("unexpected request: %+v", req)
	}
	sent := svc.Sent()
	if len(sent) != 1 || sent[0].to != "5511999990000" || sent[0].body != "1 - Planos" {
		t.Errorf("unexpected sent messages: %+v", sent)
	}
}

func TestProcessResponse_TenantFromResponse(t *testing.T) {
	engine := &fakeEngine{resp: models.PassThrough()}
	rh := NewResponseHandler(engine, newMockService(), WithTenant("default"))

	if err := rh.ProcessResponse(context.Background(), models.Response{From: "5511999990000", Body: "oi", TenantID: "loja-2"}); err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}
	if engine.requests[0].TenantID != "loja-2" {
		t.Errorf("expected tenant from response, got %q", engine.requests[0].TenantID)
	}
}

func TestProcessResponse_NoTenant(t *testing.T) {
	rh := NewResponseHandler(&fakeEngine{}, newMockService())
	err := rh.ProcessResponse(context.Background(), models.Response{From: "5511999990000", Body: "oi"})
	if !errors.Is(err, models.ErrEmptyTenant) {
		t.Fatalf("expected ErrEmptyTenant, got %v", err)
	}
}

func TestProcessResponse_InvalidSender(t *testing.T) {
	rh := NewResponseHandler(&fakeEngine{}, newMockService(), WithTenant("loja-1"))
	if err := rh.ProcessResponse(context.Background(), models.Response{From: "abc", Body: "oi"}); err == nil {
		t.Fatal("expected error for sender without digits")
	}
}

func TestProcessResponse_OutboxQueuesReply(t *testing.T) {
	svc := newMockService()
	outbox := store.NewInMemoryStore()
	engine := &fakeEngine{resp: models.Intercepted("resposta", "PLANOS")}
	rh := NewResponseHandler(engine, svc, WithTenant("loja-1"), WithOutbox(outbox))

	resp := models.Response{From: "5511999990000", Body: "1", MessageID: "wamid.7"}
	for i := 0; i < 2; i++ {
		if err := rh.ProcessResponse(context.Background(), resp); err != nil {
			t.Fatalf("ProcessResponse failed: %v", err)
		}
	}

	if len(svc.Sent()) != 0 {
		t.Errorf("replies must not be sent inline when an outbox is configured")
	}
	replies := outbox.Replies()
	if len(replies) != 1 {
		t.Fatalf("expected 1 queued reply (deduplicated by message id), got %d", len(replies))
	}
	if replies[0].TenantID != "loja-1" || replies[0].UserID != "5511999990000" || replies[0].Body != "resposta" || replies[0].DedupeKey != "wamid.7" {
		t.Errorf("unexpected queued reply: %+v", replies[0])
	}
}

func TestProcessResponse_PassThroughOrder(t *testing.T) {
	svc := newMockService()
	engine := &fakeEngine{resp: models.PassThrough()}
	rh := NewResponseHandler(engine, svc, WithTenant("loja-1"), WithDefaultMessage("padrão"))

	var calls []string
	record := func(name string, handled bool) ResponseAction {
		return func(ctx context.Context, from, text string, ts int64) (bool, error) {
			calls = append(calls, name)
			return handled, nil
		}
	}
	if err := rh.RegisterHook("+5511999990000", record("hook", false)); err != nil {
		t.Fatalf("RegisterHook failed: %v", err)
	}
	rh.AddFallback(record("first", false))
	rh.AddFallback(record("second", true))
	rh.AddFallback(record("third", true))

	if err := rh.ProcessResponse(context.Background(), models.Response{From: "5511999990000", Body: "oi"}); err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}
	if strings.Join(calls, ",") != "hook,first,second" {
		t.Errorf("unexpected handler order: %v", calls)
	}
	if len(svc.Sent()) != 0 {
		t.Errorf("default message must not be sent when a fallback handles the message")
	}
}

func TestProcessResponse_DefaultMessage(t *testing.T) {
	svc := newMockService()
	rh := NewResponseHandler(&fakeEngine{resp: models.PassThrough()}, svc, WithTenant("loja-1"))

	if err := rh.ProcessResponse(context.Background(), models.Response{From: "5511999990000", Body: "oi"}); err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}
	if len(svc.Sent()) != 0 {
		t.Fatalf("an empty default message must stay silent")
	}

	rh.SetDefaultMessage("Recebemos sua mensagem.")
	if rh.GetDefaultMessage() != "Recebemos sua mensagem." {
		t.Fatalf("GetDefaultMessage returned %q", rh.GetDefaultMessage())
	}
	if err := rh.ProcessResponse(context.Background(), models.Response{From: "5511999990000", Body: "oi"}); err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}
	if sent := svc.Sent(); len(sent) != 1 || sent[0].body != "Recebemos sua mensagem." {
		t.Errorf("unexpected sent messages: %+v", sent)
	}
}

func TestProcessResponse_EngineErrorStillFallsBack(t *testing.T) {
	svc := newMockService()
	engine := &fakeEngine{resp: models.PassThroughWithError(errors.New("db down"))}
	rh := NewResponseHandler(engine, svc, WithTenant("loja-1"), WithDefaultMessage("padrão"))

	if err := rh.ProcessResponse(context.Background(), models.Response{From: "5511999990000", Body: "oi"}); err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}
	if sent := svc.Sent(); len(sent) != 1 || sent[0].body != "padrão" {
		t.Errorf("unexpected sent messages: %+v", sent)
	}
}

func TestProcessResponse_HandlerError(t *testing.T) {
	rh := NewResponseHandler(&fakeEngine{resp: models.PassThrough()}, newMockService(), WithTenant("loja-1"))
	rh.AddFallback(func(ctx context.Context, from, text string, ts int64) (bool, error) {
		return false, errors.New("boom")
	})
	if err := rh.ProcessResponse(context.Background(), models.Response{From: "5511999990000", Body: "oi"}); err == nil {
		t.Fatal("expected handler error to propagate")
	}
}

func TestHookRegistration(t *testing.T) {
	rh := NewResponseHandler(&fakeEngine{}, newMockService())
	noop := func(ctx context.Context, from, text string, ts int64) (bool, error) { return true, nil }

	if err := rh.RegisterHook("+55 (11) 99999-0000", noop); err != nil {
		t.Fatalf("RegisterHook failed: %v", err)
	}
	if !rh.IsHookRegistered("5511999990000") {
		t.Error("hook should be registered under the canonical number")
	}
	if rh.GetHookCount() != 1 {
		t.Errorf("expected 1 hook, got %d", rh.GetHookCount())
	}
	if err := rh.UnregisterHook("5511999990000"); err != nil {
		t.Fatalf("UnregisterHook failed: %v", err)
	}
	if rh.IsHookRegistered("5511999990000") {
		t.Error("hook should be removed")
	}
	if err := rh.RegisterHook("123", noop); err == nil {
		t.Error("expected error for a too short number")
	}
}

func TestResponseHandler_StartWithEngine(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := testutil.NewSeededStore(t)

	svc := newMockService()
	rh := NewResponseHandler(flow.NewEngine(s), svc, WithTenant(testutil.Tenant))
	rh.Start(ctx)

	svc.responses <- models.Response{From: "+5511999990000", Body: "oi", Time: time.Now().Unix()}

	deadline := time.Now().Add(2 * time.Second)
	for len(svc.Sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	sent := svc.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(sent))
	}
	if !strings.Contains(sent[0].body, "1 - Planos") {
		t.Errorf("expected rendered menu, got %q", sent[0].body)
	}
}

func TestProcessResponse_RedeliveryQueuesOneReply(t *testing.T) {
	s := testutil.NewSeededStore(t)
	svc := newMockService()
	engine := flow.NewEngine(s, flow.WithDedup(s))
	rh := NewResponseHandler(engine, svc, WithTenant(testutil.Tenant), WithOutbox(s), WithDefaultMessage("padrão"))
	ctx := context.Background()

	// The engine passes commands through, so the first delivery gets the default reply.
	command := models.Response{From: "5511999990000", Body: "/ajuda", MessageID: "wamid.9"}
	// An intercepted message must not fall through to the default on redelivery.
	greeting := models.Response{From: "5511999990001", Body: "oi", MessageID: "wamid.10"}
	for i := 0; i < 2; i++ {
		for _, resp := range []models.Response{command, greeting} {
			if err := rh.ProcessResponse(ctx, resp); err != nil {
				t.Fatalf("ProcessResponse %s failed: %v", resp.MessageID, err)
			}
		}
	}

	replies := s.Replies()
	if len(replies) != 2 {
		t.Fatalf("expected one reply per message, got %d: %+v", len(replies), replies)
	}
	byKey := map[string]store.OutboxMessage{}
	for _, r := range replies {
		byKey[r.DedupeKey] = r
	}
	if r, ok := byKey["wamid.9"]; !ok || r.Body != "padrão" {
		t.Errorf("default reply should be keyed by its message id, got %+v", replies)
	}
	if r, ok := byKey["wamid.10"]; !ok || !strings.Contains(r.Body, "1 - Planos") {
		t.Errorf("menu reply should be keyed by its message id, got %+v", replies)
	}
	if len(svc.Sent()) != 0 {
		t.Errorf("replies must not be sent inline when an outbox is configured")
	}
}

func TestProcessResponse_DuplicateSkipsHandlers(t *testing.T) {
	svc := newMockService()
	engine := &fakeEngine{resp: models.DuplicateDelivery()}
	rh := NewResponseHandler(engine, svc, WithTenant("loja-1"), WithDefaultMessage("padrão"))
	called := false
	rh.AddFallback(func(ctx context.Context, from, text string, ts int64) (bool, error) {
		called = true
		return true, nil
	})

	if err := rh.ProcessResponse(context.Background(), models.Response{From: "5511999990000", Body: "oi", MessageID: "wamid.1"}); err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}
	if called || len(svc.Sent()) != 0 {
		t.Errorf("a redelivered message must not reach handlers: called=%v sent=%+v", called, svc.Sent())
	}
}

func TestReplySender_HookRepliesKeyedByMessage(t *testing.T) {
	svc := newMockService()
	outbox := store.NewInMemoryStore()
	rh := NewResponseHandler(&fakeEngine{resp: models.PassThrough()}, svc, WithTenant("loja-1"), WithOutbox(outbox))
	rh.AddFallback(CreateKeywordReplyHook("preço", "Planos a partir de R$ 49", rh.ReplySender()))

	resp := models.Response{From: "5511999990000", Body: "qual o preço?", MessageID: "wamid.3"}
	for i := 0; i < 2; i++ {
		if err := rh.ProcessResponse(context.Background(), resp); err != nil {
			t.Fatalf("ProcessResponse failed: %v", err)
		}
	}

	replies := outbox.Replies()
	if len(replies) != 1 {
		t.Fatalf("expected 1 queued hook reply, got %d", len(replies))
	}
	if replies[0].DedupeKey != "wamid.3" || replies[0].TenantID != "loja-1" {
		t.Errorf("unexpected queued reply: %+v", replies[0])
	}

	// Outside a handled message the sender falls back to the transport.
	if err := rh.ReplySender().SendMessage(context.Background(), "5511999990000", "olá"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if sent := svc.Sent(); len(sent) != 1 || sent[0].body != "olá" {
		t.Errorf("unexpected sent messages: %+v", sent)
	}
}
