package notify

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebhookSenderPostsPayload(t *testing.T) {
	var got webhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender, err := NewWebhookSender(server.URL, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatal(err)
	}
	details := map[string]string{"device_id": "d-1"}
	if err := sender.Send(context.Background(), "ops", "device offline", "inverter d-1 lost connection", details); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.Channel != "ops" || got.Subject != "device offline" {
		t.Errorf("payload = %+v", got)
	}
	if got.Details["device_id"] != "d-1" {
		t.Errorf("details = %v", got.Details)
	}
	if got.SentAt.IsZero() {
		t.Error("sent_at not stamped")
	}
}

func TestWebhookSenderChannelRouting(t *testing.T) {
	var defaultHits, opsHits int
	defaultSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defaultHits++
	}))
	defer defaultSrv.Close()
	opsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		opsHits++
	}))
	defer opsSrv.Close()

	sender, err := NewWebhookSender(defaultSrv.URL, log.New(io.Discard, "", 0), WithEndpoint("ops", opsSrv.URL))
	if err != nil {
		t.Fatal(err)
	}
	if err := sender.Send(context.Background(), "ops", "s", "b", nil); err != nil {
		t.Fatal(err)
	}
	if err := sender.Send(context.Background(), "billing", "s", "b", nil); err != nil {
		t.Fatal(err)
	}
	if opsHits != 1 || defaultHits != 1 {
		t.Errorf("ops = %d, default = %d", opsHits, defaultHits)
	}
}

func TestWebhookSenderNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	sender, err := NewWebhookSender(server.URL, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatal(err)
	}
	if err := sender.Send(context.Background(), "ops", "s", "b", nil); err == nil {
		t.Error("expected error for 502 response")
	}
}

func TestNewWebhookSenderValidation(t *testing.T) {
	if _, err := NewWebhookSender("", log.New(io.Discard, "", 0)); err == nil {
		t.Error("expected error for empty url")
	}
	if _, err := NewWebhookSender("http://example.com", nil); err == nil {
		t.Error("expected error for nil logger")
	}
}
