package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Class
	}{
		{&Error{Code: "INVALID_NUMBER", Message: "bad"}, Permanent},
		{&Error{Code: "E131", Message: "Recipient not registered"}, Permanent},
		{&Error{Code: "403", Message: "recipient has blocked you"}, Permanent},
		{&Error{Message: "user unsubscribed"}, Permanent},
		{&Error{Code: "not_in_allowlist"}, Permanent},
		{fmt.Errorf("send: %w", &Error{Code: "opt_out"}), Permanent},
		{&Error{Code: "http_503", Message: "service unavailable"}, Transient},
		{&Error{Code: "http_502", Message: "invalid response from upstream"}, Transient},
		{&Error{Code: "blocked", Message: "upstream overloaded", Status: 503}, Transient},
		{&Error{Code: "http_429", Message: "recipient blocked for now"}, Transient},
		{&Error{Code: "http_401", Message: "invalid api key"}, Transient},
		{&Error{Code: "http_400", Message: "invalid number format"}, Permanent},
		{errors.New("HTTP request failed: tls: invalid certificate"), Transient},
		{fmt.Errorf("HTTP request failed: %w", &url.Error{Op: "Post", URL: "https://sms", Err: errors.New("x509: invalid signature")}), Transient},
		{&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("invalid argument")}, Transient},
		{errors.New("connection reset by peer"), Transient},
		{context.DeadlineExceeded, Transient},
		{errors.New("something odd"), Transient},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Errorf("Classify(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestHTTPSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req sendRequest
		json.NewDecoder(r.Body).Decode(&req)
		switch req.To {
		case "+15550000001":
			json.NewEncoder(w).Encode(map[string]string{"id": "msg-1"})
		case "+15550000002":
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"code": "invalid_number", "error": "not a mobile number"})
		default:
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("upstream down"))
		}
	}))
	defer srv.Close()

	g := NewHTTP(srv.URL, "tok", time.Second)
	ctx := context.Background()

	id, err := g.Send(ctx, "+15550000001", "hi")
	if err != nil || id != "msg-1" {
		t.Fatalf("send ok: id=%q err=%v", id, err)
	}

	_, err = g.Send(ctx, "+15550000002", "hi")
	var ge *Error
	if !errors.As(err, &ge) || ge.Code != "invalid_number" || ge.Status != 400 || Classify(err) != Permanent {
		t.Fatalf("permanent error: %v", err)
	}

	_, err = g.Send(ctx, "+15550000003", "hi")
	if !errors.As(err, &ge) || ge.Code != "http_502" || Classify(err) != Transient {
		t.Fatalf("transient error: %v", err)
	}
}

func TestHTTPServerErrorWithRecipientCodeIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"code": "invalid_number", "error": "lookup service down"})
	}))
	defer srv.Close()

	_, err := NewHTTP(srv.URL, "", time.Second).Send(context.Background(), "+15550000001", "hi")
	if err == nil || Classify(err) != Transient {
		t.Fatalf("5xx classified permanent: %v", err)
	}
}

func TestHTTPConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := NewHTTP(addr, "", time.Second).Send(context.Background(), "+15550000001", "hi")
	if err == nil || Classify(err) != Transient {
		t.Fatalf("connection error: %v", err)
	}
}

func TestHTTPTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := NewHTTP(srv.URL, "", 20*time.Millisecond).Send(context.Background(), "+1", "x")
	if err == nil || Classify(err) != Transient {
		t.Fatalf("timeout: %v", err)
	}
}

func TestDryRun(t *testing.T) {
	id, err := DryRun{}.Send(context.Background(), "+1", "hello")
	if err != nil || id == "" {
		t.Fatalf("dry run: id=%q err=%v", id, err)
	}
}
