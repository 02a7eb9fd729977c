package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Gateway sends one message to one phone and returns the provider's message id.
type Gateway interface {
	Send(ctx context.Context, phone, message string) (string, error)
}

// Error is a delivery failure reported by the provider. Status is the HTTP
// status of the provider response when there was one.
type Error struct {
	Code    string
	Message string
	Status  int
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type Class int

const (
	Transient Class = iota
	Permanent
)

func (c Class) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "transient"
}

// permanentMarkers name recipient-level failures. They are matched against the
// provider's code and message, so they must not be generic words.
var permanentMarkers = []string{
	"invalid_number",
	"invalid number",
	"invalid_phone",
	"invalid phone",
	"invalid_recipient",
	"invalid recipient",
	"unregistered",
	"not registered",
	"not_registered",
	"blocked",
	"opt-out",
	"opt_out",
	"opted out",
	"opted_out",
	"unsubscribed",
	"allowlist",
	"whitelist",
}

// Classify decides whether retrying err can succeed. Only recognized recipient
// failures are permanent. Provider 5xx, throttling, timeouts and connection
// errors are transient whatever their text says, as is anything unrecognized.
func Classify(err error) Class {
	if err == nil {
		return Transient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient
	}
	var ue *url.Error
	var ne net.Error
	if errors.As(err, &ue) || errors.As(err, &ne) {
		return Transient
	}

	text := err.Error()
	var ge *Error
	if errors.As(err, &ge) {
		if retryableStatus(ge.Status) || retryableStatus(statusFromCode(ge.Code)) {
			return Transient
		}
		text = ge.Code + " " + ge.Message
	}
	text = strings.ToLower(text)
	for _, m := range permanentMarkers {
		if strings.Contains(text, m) {
			return Permanent
		}
	}
	return Transient
}

func retryableStatus(status int) bool {
	return status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

// statusFromCode reads the status out of a synthesized "http_<status>" code.
func statusFromCode(code string) int {
	raw, ok := strings.CutPrefix(strings.ToLower(code), "http_")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}
