package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/BotPipe/internal/models"
	"github.com/BTreeMap/BotPipe/internal/twiliowhatsapp"
)

// TwilioSignatureHeader carries the request signature on Twilio webhooks.
const TwilioSignatureHeader = "X-Twilio-Signature"

// TwilioServiceOpts configures inbound webhook handling.
type TwilioServiceOpts struct {
	// Validator, when set, rejects webhook requests with a bad signature.
	Validator *twiliowhatsapp.SignatureValidator
	// PublicURL is the externally visible base URL Twilio posts to
	// (e.g. https://bot.example.com). Empty derives it from the request.
	PublicURL string
	// Instance names the Twilio number in emitted Response events.
	Instance string
}

// TwilioOption defines a configuration option for the TwilioService.
type TwilioOption func(*TwilioServiceOpts)

// WithSignatureValidator enables X-Twilio-Signature checking.
func WithSignatureValidator(v *twiliowhatsapp.SignatureValidator) TwilioOption {
	return func(o *TwilioServiceOpts) { o.Validator = v }
}

// WithPublicURL sets the base URL used to verify signatures.
func WithPublicURL(u string) TwilioOption {
	return func(o *TwilioServiceOpts) { o.PublicURL = strings.TrimRight(u, "/") }
}

// WithInstance names the Twilio number in emitted events.
func WithInstance(name string) TwilioOption {
	return func(o *TwilioServiceOpts) { o.Instance = name }
}

// TwilioService implements the Service interface using Twilio API
type TwilioService struct {
	client    twiliowhatsapp.TwilioWhatsAppSender // Could be real Twilio client or MockClient
	opts      TwilioServiceOpts
	receipts  chan models.Receipt
	responses chan models.Response
	done      chan struct{}
	mu        sync.RWMutex
	stopped   bool
}

// NewTwilioService creates a new TwilioService around client.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender, opts ...TwilioOption) *TwilioService {
	var cfg TwilioServiceOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	return &TwilioService{
		client:    client,
		opts:      cfg,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
// It removes all non-numeric characters and validates the result has at least 6 digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := canonicalPhone(recipient)
	if err != nil {
		return "", err
	}
	if recipient != canonical {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op for Twilio; inbound messages arrive through TwilioWebhookHandler.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)
	close(s.receipts)
	close(s.responses)
	return nil
}

// SendMessage sends a message via Twilio and emits a receipt
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}

	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		return err
	}

	s.safeEmitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns the channel for sent message receipts
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns the channel for incoming webhook messages.
func (s *TwilioService) Responses() <-chan models.Response {
	return s.responses
}

func (s *TwilioService) safeEmitReceipt(receipt models.Receipt) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.receipts <- receipt:
	default:
	}
}

// requestURL rebuilds the URL Twilio signed.
func (s *TwilioService) requestURL(r *http.Request) string {
	if s.opts.PublicURL != "" {
		return s.opts.PublicURL + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.RequestURI())
}

// TwilioWebhookHandler handles inbound Twilio webhook requests.
// It parses incoming messages and emits them as models.Response into the Responses() channel.
// The optional "tenant" query parameter selects the tenant.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.opts.Validator != nil {
		if !s.opts.Validator.Validate(s.requestURL(r), r.PostForm, r.Header.Get(TwilioSignatureHeader)) {
			slog.Warn("Twilio webhook signature rejected", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	from := r.PostFormValue("From")
	body := r.PostFormValue("Body")
	if from == "" || body == "" {
		slog.Warn("Twilio webhook missing fields", "from", from, "body_length", len(body))
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	response := models.Response{
		From:      strings.TrimPrefix(from, "whatsapp:"),
		Body:      body,
		Time:      time.Now().Unix(),
		MessageID: r.PostFormValue("MessageSid"),
		TenantID:  r.URL.Query().Get("tenant"),
		Instance:  s.opts.Instance,
	}
	slog.Info("Inbound WhatsApp message from Twilio", "from", response.From, "tenant", response.TenantID, "message_id", response.MessageID)

	if !s.safeEmitResponse(response) {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	// Empty TwiML: replies go out through the REST API.
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "<Response></Response>")
}

// safeEmitResponse pushes a response, reporting false when it was dropped.
func (s *TwilioService) safeEmitResponse(response models.Response) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("TwilioService dropping inbound response (service stopped)", "from", response.From)
		return false
	}

	select {
	case s.responses <- response:
		slog.Debug("TwilioService emitted inbound response", "from", response.From)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService responses channel blocked, dropping message", "from", response.From)
		return false
	}
}
