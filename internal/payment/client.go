package payment

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// authorizationResponse is the JSON answer of the provider.
type authorizationResponse struct {
	AuthorizationRef string `json:"authorization_ref"`
	Status           string `json:"status"`
}

type providerError struct {
	Error string `json:"error"`
}

// Client calls a remote payment provider over HTTP:
//
//	POST {baseURL}/authorizations
//	Idempotency-Key: <key>
//	{"buyer_ref": "...", "amount": "5562.00", "currency": "USD"}
type Client struct {
	http *resty.Client
}

// NewClient creates a provider client. The timeout bounds each request;
// the engine itself defines none.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
	}
}

func (c *Client) Authorize(ctx context.Context, req AuthorizationRequest) (string, error) {
	var out authorizationResponse
	var perr providerError

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", req.IdempotencyKey).
		SetBody(req).
		SetResult(&out).
		SetError(&perr).
		Post("/authorizations")
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w (%w): %w", ErrUnavailable, ErrOutcomeUnknown, err)
	}

	switch resp.StatusCode() {
	case http.StatusOK, http.StatusCreated:
		if out.AuthorizationRef == "" {
			return "", fmt.Errorf("%w (%w): empty authorization_ref", ErrUnavailable, ErrOutcomeUnknown)
		}
		return out.AuthorizationRef, nil
	case http.StatusPaymentRequired, http.StatusUnprocessableEntity:
		return "", fmt.Errorf("%w: %s", ErrDeclined, perr.Error)
	default:
		if resp.StatusCode() >= http.StatusInternalServerError {
			return "", fmt.Errorf("%w (%w): status %d", ErrUnavailable, ErrOutcomeUnknown, resp.StatusCode())
		}
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode())
	}
}
