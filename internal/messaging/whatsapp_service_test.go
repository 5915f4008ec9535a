package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/BotPipe/internal/models"
	"github.com/BTreeMap/BotPipe/internal/whatsapp"
)

func TestWhatsAppService_SendMessage(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock, "device-1")
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := svc.SendMessage(context.Background(), "+55 11 99999-0000", "oi"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if sent := mock.Sent(); len(sent) != 1 || sent[0].To != "5511999990000" || sent[0].Body != "oi" {
		t.Errorf("unexpected sent messages: %+v", sent)
	}

	select {
	case r := <-svc.Receipts():
		if r.To != "5511999990000" || r.Status != models.MessageStatusSent {
			t.Errorf("unexpected receipt: %+v", r)
		}
	default:
		t.Error("expected a sent receipt")
	}
}

func TestWhatsAppService_ReceiptsNeverBlock(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient(), "")
	for i := 0; i < DefaultChannelBufferSize+5; i++ {
		if err := svc.SendMessage(context.Background(), "5511999990000", "oi"); err != nil {
			t.Fatalf("SendMessage %d failed: %v", i, err)
		}
	}
}

func TestWhatsAppService_Errors(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock, "")

	if err := svc.SendMessage(context.Background(), "12", "oi"); err == nil {
		t.Error("expected validation error for a short number")
	}

	mock.Err = errors.New("not connected")
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
	if _, ok := <-svc.Responses(); ok {
		t.Error("responses channel should be closed")
	}
}
