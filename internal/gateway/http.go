package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// HTTP posts messages as JSON to a provider endpoint.
type HTTP struct {
	URL     string
	Token   string
	Headers map[string]string
	Client  *http.Client
}

type sendRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

type sendResponse struct {
	ID      string `json:"id"`
	Code    string `json:"code"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewHTTP(url, token string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTP{URL: url, Token: token, Client: &http.Client{Timeout: timeout}}
}

func (h *HTTP) Send(ctx context.Context, phone, message string) (string, error) {
	if h.URL == "" {
		return "", fmt.Errorf("gateway URL is required")
	}
	body, err := json.Marshal(sendRequest{To: phone, Message: message})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}
	for key, value := range h.Headers {
		req.Header.Set(key, value)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	var out sendResponse
	_ = json.Unmarshal(respBody, &out)

	if resp.StatusCode >= 400 {
		ge := &Error{Code: out.Code, Message: out.Error, Status: resp.StatusCode}
		if ge.Message == "" {
			ge.Message = out.Message
		}
		if ge.Code == "" {
			ge.Code = "http_" + strconv.Itoa(resp.StatusCode)
		}
		if ge.Message == "" {
			ge.Message = string(respBody)
		}
		return "", ge
	}
	if out.ID == "" {
		return "", &Error{Code: "bad_response", Message: "provider returned no message id"}
	}
	return out.ID, nil
}
