package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/BotPipe/internal/models"
)

// ResponseAction defines a hook function that processes an end user's message.
// It receives the sender's canonical phone number, the message text, and timestamp.
// It should return true if the message was handled, false otherwise.
type ResponseAction func(ctx context.Context, from, responseText string, timestamp int64) (handled bool, err error)

// Interceptor is the bot engine as seen by a transport.
type Interceptor interface {
	Intercept(ctx context.Context, req models.InterceptRequest) models.InterceptResponse
}

// ReplyQueue durably queues outgoing replies.
type ReplyQueue interface {
	EnqueueReply(ctx context.Context, tenantID, userID, body, dedupeKey string) (string, error)
}

// HandlerOpts configures a ResponseHandler.
type HandlerOpts struct {
	TenantID       string     // tenant for messages that do not carry one
	Outbox         ReplyQueue // when set, replies are queued instead of sent inline
	DefaultMessage string     // sent when nothing handles a message; empty stays silent
}

// HandlerOption defines a configuration option for the ResponseHandler.
type HandlerOption func(*HandlerOpts)

// WithTenant sets the tenant used for messages that do not name one.
func WithTenant(tenantID string) HandlerOption {
	return func(o *HandlerOpts) { o.TenantID = tenantID }
}

// WithOutbox routes replies through a durable queue.
func WithOutbox(q ReplyQueue) HandlerOption {
	return func(o *HandlerOpts) { o.Outbox = q }
}

// WithDefaultMessage sets the reply sent when no handler takes a message.
func WithDefaultMessage(msg string) HandlerOption {
	return func(o *HandlerOpts) { o.DefaultMessage = msg }
}

// ResponseHandler feeds inbound messages to the bot engine first. Messages the
// engine passes through go to the sender's hook, then to each fallback in order,
// and finally to the default message.
type ResponseHandler struct {
	engine     Interceptor
	msgService Service
	tenantID   string
	outbox     ReplyQueue

	// mu protects hooks, fallbacks and defaultMessage
	mu             sync.RWMutex
	hooks          map[string]ResponseAction
	fallbacks      []ResponseAction
	defaultMessage string
}

// NewResponseHandler creates a ResponseHandler for the given engine and messaging service.
func NewResponseHandler(engine Interceptor, msgService Service, opts ...HandlerOption) *ResponseHandler {
	var cfg HandlerOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	return &ResponseHandler{
		engine:         engine,
		msgService:     msgService,
		tenantID:       cfg.TenantID,
		outbox:         cfg.Outbox,
		hooks:          make(map[string]ResponseAction),
		defaultMessage: cfg.DefaultMessage,
	}
}

// RegisterHook registers a response action for a specific sender.
func (rh *ResponseHandler) RegisterHook(recipient string, action ResponseAction) error {
	canonicalRecipient, err := rh.msgService.ValidateAndCanonicalizeRecipient(recipient)
	if err != nil {
		slog.Error("ResponseHandler RegisterHook validation failed", "error", err, "recipient", recipient)
		return fmt.Errorf("invalid recipient: %w", err)
	}

	rh.mu.Lock()
	defer rh.mu.Unlock()
	rh.hooks[canonicalRecipient] = action

	slog.Debug("ResponseHandler hook registered", "recipient", canonicalRecipient)
	return nil
}

// UnregisterHook removes the response action for a specific sender.
func (rh *ResponseHandler) UnregisterHook(recipient string) error {
	canonicalRecipient, err := rh.msgService.ValidateAndCanonicalizeRecipient(recipient)
	if err != nil {
		slog.Error("ResponseHandler UnregisterHook validation failed", "error", err, "recipient", recipient)
		return fmt.Errorf("invalid recipient: %w", err)
	}

	rh.mu.Lock()
	defer rh.mu.Unlock()
	delete(rh.hooks, canonicalRecipient)

	slog.Debug("ResponseHandler hook unregistered", "recipient", canonicalRecipient)
	return nil
}

// IsHookRegistered checks if a hook is registered for the given sender.
func (rh *ResponseHandler) IsHookRegistered(recipient string) bool {
	canonicalRecipient, err := rh.msgService.ValidateAndCanonicalizeRecipient(recipient)
	if err != nil {
		return false
	}
	rh.mu.RLock()
	defer rh.mu.RUnlock()
	_, exists := rh.hooks[canonicalRecipient]
	return exists
}

// AddFallback appends a handler tried after the engine and the sender's hook.
func (rh *ResponseHandler) AddFallback(action ResponseAction) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	rh.fallbacks = append(rh.fallbacks, action)
}

// SetDefaultMessage sets the default message sent when nothing handles a message.
func (rh *ResponseHandler) SetDefaultMessage(message string) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	rh.defaultMessage = message
}

// GetDefaultMessage returns the current default message.
func (rh *ResponseHandler) GetDefaultMessage() string {
	rh.mu.RLock()
	defer rh.mu.RUnlock()
	return rh.defaultMessage
}

// GetHookCount returns the number of currently registered hooks.
func (rh *ResponseHandler) GetHookCount() int {
	rh.mu.RLock()
	defer rh.mu.RUnlock()
	return len(rh.hooks)
}

// ProcessResponse offers an inbound message to the engine and, when the engine
// passes it through, to the remaining handlers.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) error {
	canonicalFrom, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		slog.Error("ResponseHandler ProcessResponse validation failed", "error", err, "from", response.From)
		return fmt.Errorf("invalid sender: %w", err)
	}
	tenantID := response.TenantID
	if tenantID == "" {
		tenantID = rh.tenantID
	}
	if tenantID == "" {
		return models.ErrEmptyTenant
	}

	slog.Debug("ResponseHandler processing response", "tenant", tenantID, "from", canonicalFrom, "body_length", len(response.Body))

	res := rh.engine.Intercept(ctx, models.InterceptRequest{
		TenantID:              tenantID,
		SenderIdentifier:      canonicalFrom,
		MessageText:           response.Body,
		TransportInstanceName: response.Instance,
		MessageID:             response.MessageID,
	})
	if res.Error != "" {
		slog.Warn("ResponseHandler engine passed through with error", "tenant", tenantID, "from", canonicalFrom, "error", res.Error)
	}
	if res.Duplicate {
		slog.Debug("ResponseHandler skipping redelivered message", "tenant", tenantID, "from", canonicalFrom, "message_id", response.MessageID)
		return nil
	}
	if res.Intercepted {
		if res.Response == "" {
			return nil
		}
		return rh.deliver(ctx, tenantID, canonicalFrom, res.Response, response.MessageID)
	}
	if !res.ShouldContinue {
		return nil
	}

	rh.mu.RLock()
	hook, hasHook := rh.hooks[canonicalFrom]
	fallbacks := append([]ResponseAction(nil), rh.fallbacks...)
	defaultMessage := rh.defaultMessage
	rh.mu.RUnlock()

	if hasHook {
		fallbacks = append([]ResponseAction{hook}, fallbacks...)
	}
	hookCtx := context.WithValue(ctx, inboundKey{}, inbound{tenantID: tenantID, messageID: response.MessageID})
	for i, action := range fallbacks {
		handled, err := action(hookCtx, canonicalFrom, response.Body, response.Time)
		if err != nil {
			slog.Error("ResponseHandler handler failed", "error", err, "from", canonicalFrom, "index", i)
			return fmt.Errorf("handler execution failed: %w", err)
		}
		if handled {
			slog.Debug("ResponseHandler response handled", "from", canonicalFrom, "index", i)
			return nil
		}
	}

	if defaultMessage == "" {
		return nil
	}
	return rh.deliver(ctx, tenantID, canonicalFrom, defaultMessage, response.MessageID)
}

type inboundKey struct{}

// inbound identifies the message a hook is answering.
type inbound struct {
	tenantID  string
	messageID string
}

// ReplySender returns a Sender for hooks. Replies a hook sends while handling
// a message are delivered like engine replies, keyed by the inbound message id
// so a redelivery cannot queue the same answer twice.
func (rh *ResponseHandler) ReplySender() Sender {
	return replySender{rh: rh}
}

type replySender struct {
	rh *ResponseHandler
}

func (s replySender) SendMessage(ctx context.Context, to string, body string) error {
	in, ok := ctx.Value(inboundKey{}).(inbound)
	if !ok {
		return s.rh.msgService.SendMessage(ctx, to, body)
	}
	return s.rh.deliver(ctx, in.tenantID, to, body, in.messageID)
}

// deliver queues the reply when an outbox is configured and sends it inline otherwise.
func (rh *ResponseHandler) deliver(ctx context.Context, tenantID, to, body, dedupeKey string) error {
	if rh.outbox != nil {
		id, err := rh.outbox.EnqueueReply(ctx, tenantID, to, body, dedupeKey)
		if err != nil {
			slog.Error("ResponseHandler failed to enqueue reply", "error", err, "tenant", tenantID, "to", to)
			return fmt.Errorf("failed to enqueue reply: %w", err)
		}
		slog.Debug("ResponseHandler reply queued", "id", id, "tenant", tenantID, "to", to)
		return nil
	}
	if err := rh.msgService.SendMessage(ctx, to, body); err != nil {
		slog.Error("ResponseHandler failed to send reply", "error", err, "to", to)
		return fmt.Errorf("failed to send reply: %w", err)
	}
	return nil
}

// Start consumes the service's responses and receipts until ctx is cancelled
// or the service closes its channels. Messages are processed one at a time
// so a sender's messages reach the engine in order.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler starting response processing")

	go func() {
		for {
			select {
			case receipt, ok := <-rh.msgService.Receipts():
				if !ok {
					return
				}
				slog.Debug("ResponseHandler receipt", "to", receipt.To, "status", receipt.Status)
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		defer slog.Info("ResponseHandler stopped response processing")

		for {
			select {
			case response, ok := <-rh.msgService.Responses():
				if !ok {
					slog.Debug("ResponseHandler responses channel closed")
					return
				}
				if err := rh.ProcessResponse(ctx, response); err != nil {
					slog.Error("ResponseHandler failed to process response", "error", err, "from", response.From)
				}
			case <-ctx.Done():
				slog.Debug("ResponseHandler stopping due to context cancellation")
				return
			}
		}
	}()
}
