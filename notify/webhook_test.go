package notify_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hazyhaar/relais/notify"
)

type event struct {
	Event string `json:"event"`
	Key   string `json:"key"`
}

func TestSend_SignsAndDelivers(t *testing.T) {
	var gotBody []byte
	var gotSig, gotType, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(notify.HeaderSignature)
		gotType = r.Header.Get("Content-Type")
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w, err := notify.NewWebhook(notify.WebhookOptions{URL: srv.URL, Secret: "tell-no-one"})
	if err != nil {
		t.Fatalf("NewWebhook: %v", err)
	}
	if err := w.Send(context.Background(), event{Event: "conflict", Key: "mut_a"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if string(gotBody) != `{"event":"conflict","key":"mut_a"}` {
		t.Errorf("body = %s", gotBody)
	}
	if !notify.Verify("tell-no-one", gotBody, gotSig) {
		t.Errorf("signature %q does not verify against body", gotSig)
	}
	if gotType != "application/json" {
		t.Errorf("content type = %q", gotType)
	}
	if gotUA != "relais/1" {
		t.Errorf("user agent = %q", gotUA)
	}
}

func TestSend_NoSecretNoSignature(t *testing.T) {
	var header http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
	}))
	defer srv.Close()

	w, err := notify.NewWebhook(notify.WebhookOptions{URL: srv.URL})
	if err != nil {
		t.Fatalf("NewWebhook: %v", err)
	}
	if err := w.Send(context.Background(), event{Event: "discarded"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := header.Get(notify.HeaderSignature); got != "" {
		t.Errorf("unsigned webhook carried signature %q", got)
	}
}

func TestSend_HTTPErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	w, err := notify.NewWebhook(notify.WebhookOptions{URL: srv.URL})
	if err != nil {
		t.Fatalf("NewWebhook: %v", err)
	}
	err = w.Send(context.Background(), event{})

	var sendErr *notify.SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("error = %v, want *notify.SendError", err)
	}
	if sendErr.Status != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", sendErr.Status)
	}
}

func TestSend_UnreachableSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	w, err := notify.NewWebhook(notify.WebhookOptions{URL: url})
	if err != nil {
		t.Fatalf("NewWebhook: %v", err)
	}
	err = w.Send(context.Background(), event{})

	var sendErr *notify.SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("error = %v, want *notify.SendError", err)
	}
	if sendErr.Status != 0 || sendErr.Cause == nil {
		t.Errorf("unreachable SendError = %+v, want zero status with cause", sendErr)
	}
}

func TestNotify_SwallowsFailure(t *testing.T) {
	w, err := notify.NewWebhook(notify.WebhookOptions{URL: "http://127.0.0.1:1/hook"})
	if err != nil {
		t.Fatalf("NewWebhook: %v", err)
	}
	// Must not panic, must not block beyond the client timeout.
	w.Notify(context.Background(), event{Event: "conflict"})
}

func TestNewWebhook_Validates(t *testing.T) {
	cases := []struct {
		name string
		url  string
	}{
		{"empty", ""},
		{"scheme", "ftp://example.com/hook"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := notify.NewWebhook(notify.WebhookOptions{URL: tc.url}); err == nil {
				t.Errorf("NewWebhook(%q) accepted, want error", tc.url)
			}
		})
	}
}

func TestVerify(t *testing.T) {
	body := []byte(`{"event":"flushed"}`)
	sig := notify.Sign("key", body)

	cases := []struct {
		name      string
		secret    string
		body      []byte
		signature string
		want      bool
	}{
		{"valid", "key", body, sig, true},
		{"valid without prefix", "key", body, sig[len("sha256="):], true},
		{"wrong secret", "other", body, sig, false},
		{"tampered body", "key", []byte(`{"event":"discarded"}`), sig, false},
		{"missing signature", "key", body, "", false},
		{"garbage signature", "key", body, "sha256=zz", false},
		{"no secret accepts anything", "", body, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := notify.Verify(tc.secret, tc.body, tc.signature); got != tc.want {
				t.Errorf("Verify = %v, want %v", got, tc.want)
			}
		})
	}
}
