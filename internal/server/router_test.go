package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"shopflow/internal/log"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifyWebhookHMAC(t *testing.T) {
	body := []byte(`{"id":1001}`)

	if !verifyWebhookHMAC("secret", body, sign("secret", body)) {
		t.Error("valid signature rejected")
	}
	if verifyWebhookHMAC("secret", body, sign("wrong", body)) {
		t.Error("signature from wrong secret accepted")
	}
	if verifyWebhookHMAC("secret", []byte(`{"id":1002}`), sign("secret", body)) {
		t.Error("signature over different body accepted")
	}
	if verifyWebhookHMAC("secret", body, "") {
		t.Error("missing header accepted")
	}
	if verifyWebhookHMAC("", body, sign("", body)) {
		t.Error("unconfigured secret accepted")
	}
}

func TestCronTokenMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := cronTokenMiddleware("cron-secret", log.NewNop())(next)

	cases := []struct {
		name   string
		token  string
		status int
	}{
		{"valid token", "cron-secret", http.StatusOK},
		{"wrong token", "nope", http.StatusUnauthorized},
		{"missing token", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/cron/workshop-notifications", nil)
			if tc.token != "" {
				req.Header.Set("X-Cron-Token", tc.token)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Errorf("status = %d, want %d", rec.Code, tc.status)
			}
		})
	}
}

func TestFlowSecretMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := flowSecretMiddleware("flow-secret", log.NewNop())(next)

	cases := []struct {
		name   string
		secret string
		status int
	}{
		{"valid secret", "flow-secret", http.StatusOK},
		{"wrong secret", "nope", http.StatusUnauthorized},
		{"missing secret", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/contracts/updated", nil)
			if tc.secret != "" {
				req.Header.Set("X-Flow-Secret", tc.secret)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Errorf("status = %d, want %d", rec.Code, tc.status)
			}
		})
	}
}

func TestFlowSecretMiddlewareUnconfiguredAllows(t *testing.T) {
	reached := false
	handler := flowSecretMiddleware("", log.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/contracts/updated", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if !reached || rec.Code != http.StatusOK {
		t.Errorf("reached=%v status=%d, unconfigured secret must allow through", reached, rec.Code)
	}
}

func TestCronTokenMiddlewareUnconfigured(t *testing.T) {
	handler := cronTokenMiddleware("", log.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached with unconfigured cron token")
	}))

	req := httptest.NewRequest(http.MethodPost, "/cron/workshop-notifications", nil)
	req.Header.Set("X-Cron-Token", "anything")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}
