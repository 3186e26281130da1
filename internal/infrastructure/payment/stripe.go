package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"saf-broker/internal/config"
)

// stripeGateway speaks the Stripe checkout/refund REST API.
type stripeGateway struct {
	httpClient *http.Client
	baseURL    string
	secretKey  string
}

type stripeSession struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	PaymentIntent string `json:"payment_intent"`
}

type stripeRefund struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type stripeError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func NewStripeGateway(cfg config.Gateway) Gateway {
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: cfg.DialTimeout}).DialContext,
		TLSHandshakeTimeout:   cfg.DialTimeout,
		ResponseHeaderTimeout: cfg.Timeout,
	}
	return &stripeGateway{
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		secretKey:  cfg.SecretKey,
	}
}

func (g *stripeGateway) CreateCheckoutSession(ctx context.Context, req SessionRequest) (*Session, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", req.SuccessURL)
	form.Set("cancel_url", req.CancelURL)
	form.Set("customer_email", req.BuyerEmail)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(req.Currency))
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(toCents(req.Amount), 10))
	form.Set("line_items[0][price_data][product_data][name]", req.Description)
	form.Set("metadata[order_id]", strconv.FormatInt(req.OrderID, 10))
	form.Set("metadata[payment_id]", strconv.FormatInt(req.PaymentID, 10))

	var session stripeSession
	idempotencyKey := fmt.Sprintf("checkout-payment-%d", req.PaymentID)
	if err := g.do(ctx, "create session", http.MethodPost, "/v1/checkout/sessions", form, idempotencyKey, &session); err != nil {
		return nil, err
	}
	if session.ID == "" || session.URL == "" {
		return nil, &GatewayError{Op: "create session", Err: errors.New("response missing session id or url")}
	}
	return &Session{ID: session.ID, URL: session.URL}, nil
}

func (g *stripeGateway) SessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error) {
	var session stripeSession
	path := "/v1/checkout/sessions/" + url.PathEscape(sessionID)
	if err := g.do(ctx, "session status", http.MethodGet, path, nil, "", &session); err != nil {
		return nil, err
	}
	return &SessionStatus{
		Outcome:         classifySession(session.Status, session.PaymentStatus),
		PaymentIntentID: session.PaymentIntent,
	}, nil
}

func (g *stripeGateway) Refund(ctx context.Context, paymentIntentID string, amount decimal.Decimal) (string, error) {
	form := url.Values{}
	form.Set("payment_intent", paymentIntentID)
	form.Set("amount", strconv.FormatInt(toCents(amount), 10))
	form.Set("reason", "requested_by_customer")

	var refund stripeRefund
	if err := g.do(ctx, "refund", http.MethodPost, "/v1/refunds", form, RefundKey(paymentIntentID, amount), &refund); err != nil {
		return "", err
	}
	if refund.ID == "" {
		return "", &GatewayError{Op: "refund", Err: errors.New("response missing refund id")}
	}
	return refund.ID, nil
}

func (g *stripeGateway) do(ctx context.Context, op, method, path string, form url.Values, idempotencyKey string, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return &GatewayError{Op: op, Err: fmt.Errorf("new request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+g.secretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return &GatewayError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &GatewayError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var se stripeError
		msg := string(raw)
		if json.Unmarshal(raw, &se) == nil && se.Error.Message != "" {
			msg = se.Error.Message
		}
		return &GatewayError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return &GatewayError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
