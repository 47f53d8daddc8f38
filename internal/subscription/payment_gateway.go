package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// httpClient is used for all outbound charge requests, with a timeout
// bounded well inside the circuit breaker's own failure window.
var httpClient = &http.Client{Timeout: 10 * time.Second}

// HTTPPaymentGateway implements PaymentGateway against an external payment
// processor's HTTP API, grounded on the teacher's trust.Client — a small
// JSON-over-HTTP client with one request/response shape per concern.
type HTTPPaymentGateway struct {
	baseURL string
}

func NewHTTPPaymentGateway(baseURL string) *HTTPPaymentGateway {
	return &HTTPPaymentGateway{baseURL: baseURL}
}

// Charge implements PaymentGateway. The idempotency key is sent as a header
// so a retried request after a network failure doesn't double-charge.
func (g *HTTPPaymentGateway) Charge(ctx context.Context, amountCents int64, currency, idempotencyKey string) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"amount_cents": amountCents,
		"currency":     currency,
	})
	if err != nil {
		return "", fmt.Errorf("marshal charge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/charges", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build charge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("charge request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("payment gateway declined charge: %s", string(respBody))
	}

	var result struct {
		ExternalRef string `json:"external_ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode charge response: %w", err)
	}
	return result.ExternalRef, nil
}
