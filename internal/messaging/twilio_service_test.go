package messaging

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/BTreeMap/BotPipe/internal/models"
	"github.com/BTreeMap/BotPipe/internal/twiliowhatsapp"
)

func twilioForm() url.Values {
	return url.Values{
		"From":       {"whatsapp:+5511999990000"},
		"Body":       {"2"},
		"MessageSid": {"SM123"},
	}
}

func postWebhook(t *testing.T, svc *TwilioService, target string, form url.Values, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set(TwilioSignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	svc.TwilioWebhookHandler(rec, req)
	return rec
}

// sign computes a Twilio request signature: HMAC-SHA1 over the URL followed
// by each POST parameter name and value in name order.
func sign(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestTwilioWebhookHandler_EmitsResponse(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(), WithInstance("twilio-main"))

	rec := postWebhook(t, svc, "/webhooks/twilio?tenant=loja-1", twilioForm(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	select {
	case resp := <-svc.Responses():
		if resp.From != "+5511999990000" || resp.Body != "2" || resp.MessageID != "SM123" || resp.TenantID != "loja-1" || resp.Instance != "twilio-main" {
			t.Errorf("unexpected response: %+v", resp)
		}
	default:
		t.Fatal("expected a response to be emitted")
	}
}

func TestTwilioWebhookHandler_MissingFields(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	rec := postWebhook(t, svc, "/webhooks/twilio", url.Values{"From": {"whatsapp:+5511999990000"}}, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestTwilioWebhookHandler_Signature(t *testing.T) {
	const token = "test-auth-token"
	const base = "https://bot.example.com"
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(),
		WithSignatureValidator(twiliowhatsapp.NewSignatureValidator(token)),
		WithPublicURL(base+"/"))

	form := twilioForm()
	if rec := postWebhook(t, svc, "/webhooks/twilio?tenant=loja-1", form, "bad-signature"); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for a bad signature, got %d", rec.Code)
	}

	good := sign(token, base+"/webhooks/twilio?tenant=loja-1", form)
	if rec := postWebhook(t, svc, "/webhooks/twilio?tenant=loja-1", form, good); rec.Code != http.StatusOK {
		t.Errorf("expected 200 for a valid signature, got %d", rec.Code)
	}
}

func TestTwilioService_SendMessage(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)

	if err := svc.SendMessage(context.Background(), "whatsapp:+55 11 99999-0000", "oi"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if sent := mock.Sent(); len(sent) != 1 || sent[0].To != "5511999990000" {
		t.Errorf("unexpected sent messages: %+v", sent)
	}
	select {
	case r := <-svc.Receipts():
		if r.Status != models.MessageStatusSent {
			t.Errorf("expected sent receipt, got %q", r.Status)
		}
	default:
		t.Error("expected a sent receipt")
	}

	mock.Err = errors.New("twilio down")
	if err := svc.SendMessage(context.Background(), "5511999990000", "oi"); err == nil {
		t.Error("expected client error to propagate")
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
	if err := svc.SendMessage(context.Background(), "5511999990000", "oi"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
	if rec := postWebhook(t, svc, "/webhooks/twilio", twilioForm(), ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after stop, got %d", rec.Code)
	}
}
