package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"hedge-volume-bot/internal/config"

	"go.uber.org/zap"
)

func TestLarkSendDisabled(t *testing.T) {
	client := newLark(config.LarkConfig{Enabled: false}, zap.NewNop(), nil)
	if err := client.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("expected nil error when disabled, got %v", err)
	}
}

func TestLarkSendPostsTextMessage(t *testing.T) {
	var gotPayload struct {
		MsgType string            `json:"msg_type"`
		Content map[string]string `json:"content"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":0,"msg":"success"}`))
	}))
	defer server.Close()

	client := newLark(config.LarkConfig{Enabled: true, WebhookURL: server.URL}, zap.NewNop(), server.Client())
	if err := client.Send(context.Background(), "hedge opened"); err != nil {
		t.Fatalf("expected send success, got %v", err)
	}
	if gotPayload.MsgType != "text" {
		t.Fatalf("expected msg_type text, got %q", gotPayload.MsgType)
	}
	if gotPayload.Content["text"] != "hedge opened" {
		t.Fatalf("expected message text, got %q", gotPayload.Content["text"])
	}
}

func TestLarkSendAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":19001,"msg":"param invalid"}`))
	}))
	defer server.Close()

	client := newLark(config.LarkConfig{Enabled: true, WebhookURL: server.URL}, zap.NewNop(), server.Client())
	if err := client.Send(context.Background(), "hello"); err == nil {
		t.Fatal("expected error for non-zero code")
	}
}

type stubSender struct {
	sent []string
	err  error
}

func (s *stubSender) Send(ctx context.Context, message string) error {
	_ = ctx
	s.sent = append(s.sent, message)
	return s.err
}

func TestFanoutSendsToAllChannels(t *testing.T) {
	a := &stubSender{}
	b := &stubSender{err: errors.New("down")}
	f := NewFanout(a, b)

	err := f.Send(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected joined error from failing channel")
	}
	if len(a.sent) != 1 || len(b.sent) != 1 {
		t.Fatalf("expected delivery attempted on both channels, got %d and %d", len(a.sent), len(b.sent))
	}
}
