package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebhookPostsPayload(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL)
	w.Send(context.Background(), "Tranche opened", "details")

	if got["title"] != "Tranche opened" || got["body"] != "details" {
		t.Fatalf("payload = %v", got)
	}
}

func TestSendNeverPanicsOnFailure(t *testing.T) {
	// Unreachable endpoint: failure is logged and dropped.
	w := NewWebhook("http://127.0.0.1:1")
	w.Send(context.Background(), "title", "body")

	var nilHook *Webhook
	nilHook.Send(context.Background(), "title", "body")

	Nop{}.Send(context.Background(), "title", "body")
}
