// Package cardintent integrates a Stripe style payment-intent API. The intent
// is created server side, the client confirms it with the returned client
// secret, and the outcome arrives as a signed webhook.
package cardintent

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zjoart/go-payment-ledger/internal/gateway"
	"github.com/zjoart/go-payment-ledger/pkg/config"
	"github.com/zjoart/go-payment-ledger/pkg/money"
)

const (
	SignatureHeader = "Card-Signature"

	// Tolerance bounds the age of a signed webhook timestamp.
	Tolerance = 5 * time.Minute
)

type Adapter struct {
	cfg    config.CardIntentConfig
	client *gateway.Client
	now    func() time.Time
}

func New(cfg config.CardIntentConfig, timeout time.Duration) *Adapter {
	return &Adapter{
		cfg:    cfg,
		client: gateway.NewClient(gateway.CardIntent, timeout),
		now:    time.Now,
	}
}

func (a *Adapter) Name() gateway.Name { return gateway.CardIntent }

func (a *Adapter) Currencies() []string { return []string{"USD", "EUR", "GBP", "NGN"} }

func (a *Adapter) AckBody() interface{} { return map[string]bool{"received": true} }

type paymentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type paymentIntent struct {
	ID               string        `json:"id"`
	Status           string        `json:"status"`
	Amount           int64         `json:"amount"`
	AmountReceived   int64         `json:"amount_received"`
	Currency         string        `json:"currency"`
	ClientSecret     string        `json:"client_secret"`
	LastPaymentError *paymentError `json:"last_payment_error"`
}

func (a *Adapter) Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error) {
	cur := money.Normalize(req.Currency)
	if !a.collects(cur) {
		return nil, fmt.Errorf("%w: card intent does not collect %s", gateway.ErrInvalidAmount, cur)
	}
	if req.Amount <= 0 {
		return nil, gateway.ErrInvalidAmount
	}
	if req.Payer != "" && !strings.HasPrefix(req.Payer, "pm_") {
		return nil, fmt.Errorf("%w: payer must be a payment method token", gateway.ErrInvalidPayerContext)
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("currency", strings.ToLower(cur))
	form.Set("metadata[transaction_id]", req.TransactionID)
	form.Set("metadata[merchant_reference]", req.MerchantReference)
	if req.Purpose != "" {
		form.Set("description", req.Purpose)
	}
	if req.Payer != "" {
		form.Set("payment_method", req.Payer)
		form.Set("confirm", "true")
	} else {
		form.Set("automatic_payment_methods[enabled]", "true")
	}
	payload := form.Encode()

	var pi paymentIntent
	raw, err := a.client.Do(ctx, "create_intent", func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/v1/payment_intents", strings.NewReader(payload))
		if err != nil {
			return nil, err
		}
		a.authorize(r)
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		r.Header.Set("Idempotency-Key", req.TransactionID)
		return r, nil
	}, &pi)
	if err != nil {
		return nil, err
	}
	if pi.ID == "" {
		return nil, fmt.Errorf("%w: payment intent without id", gateway.ErrMalformed)
	}

	return &gateway.InitiateResult{
		ExternalReference: pi.ID,
		Instructions:      pi.ClientSecret,
		Raw:               raw,
	}, nil
}

func (a *Adapter) Verify(ctx context.Context, externalReference string) (*gateway.NormalizedStatus, error) {
	var pi paymentIntent
	raw, err := a.client.Do(ctx, "get_intent", func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/v1/payment_intents/"+url.PathEscape(externalReference), nil)
		if err != nil {
			return nil, err
		}
		a.authorize(r)
		return r, nil
	}, &pi)
	if err != nil {
		return nil, err
	}

	st := &gateway.NormalizedStatus{
		ExternalReference: externalReference,
		Kind:              kindForIntent(&pi),
		ResultCode:        pi.Status,
		Currency:          money.Normalize(pi.Currency),
		Raw:               raw,
	}
	if st.Kind == gateway.KindSucceeded {
		st.Amount = pi.AmountReceived
	}
	return st, nil
}

func kindForIntent(pi *paymentIntent) gateway.Kind {
	switch pi.Status {
	case "succeeded":
		return gateway.KindSucceeded
	case "canceled":
		return gateway.KindFailed
	case "requires_payment_method":
		// a fresh intent also sits here; only a recorded decline is final
		if pi.LastPaymentError != nil {
			return gateway.KindFailed
		}
	}
	return gateway.KindPending
}

type webhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// chargeObject covers both the charge of charge.refunded and the dispute
// of charge.dispute.created.
type chargeObject struct {
	ID             string `json:"id"`
	PaymentIntent  string `json:"payment_intent"`
	Amount         int64  `json:"amount"`
	AmountRefunded int64  `json:"amount_refunded"`
	Currency       string `json:"currency"`
}

func (a *Adapter) ParseNotification(ctx context.Context, n gateway.Notification) (*gateway.TransactionEvent, error) {
	if err := VerifySignature(n.Body, n.Header.Get(SignatureHeader), a.cfg.WebhookSecret, a.now()); err != nil {
		return nil, &gateway.AuthenticityError{Gateway: gateway.CardIntent, Reason: err.Error()}
	}

	var ev webhookEvent
	if err := json.Unmarshal(n.Body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformed, err)
	}

	event := &gateway.TransactionEvent{
		Gateway:    gateway.CardIntent,
		EventID:    ev.ID,
		ResultCode: ev.Type,
		Source:     gateway.SourceWebhook,
		Raw:        n.Body,
		ReceivedAt: a.now().UTC(),
	}

	switch ev.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
		var pi paymentIntent
		if err := json.Unmarshal(ev.Data.Object, &pi); err != nil || pi.ID == "" {
			return nil, fmt.Errorf("%w: %s without payment intent", gateway.ErrMalformed, ev.Type)
		}
		event.ExternalReference = pi.ID
		event.Currency = money.Normalize(pi.Currency)
		if ev.Type == "payment_intent.succeeded" {
			event.Kind = gateway.KindSucceeded
			event.Amount = pi.AmountReceived
		} else {
			event.Kind = gateway.KindFailed
		}
		return event, nil

	case "charge.refunded", "charge.dispute.created":
		var ch chargeObject
		if err := json.Unmarshal(ev.Data.Object, &ch); err != nil || ch.PaymentIntent == "" {
			return nil, fmt.Errorf("%w: %s without payment intent", gateway.ErrMalformed, ev.Type)
		}
		event.ExternalReference = ch.PaymentIntent
		event.Kind = gateway.KindRefunded
		event.Currency = money.Normalize(ch.Currency)
		// amount_refunded is cumulative; a dispute reports the disputed amount
		if ev.Type == "charge.refunded" {
			event.Amount = ch.AmountRefunded
		} else {
			event.Amount = ch.Amount
		}
		return event, nil
	}

	return nil, fmt.Errorf("%w: %s", gateway.ErrUnhandledEvent, ev.Type)
}

// VerifySignature checks a "t=<unix>,v1=<hex>" header against
// HMAC-SHA256(secret, t + "." + body). Any v1 entry may match, which lets
// the secret be rolled.
func VerifySignature(body []byte, header, secret string, now time.Time) error {
	if header == "" {
		return fmt.Errorf("missing %s header", SignatureHeader)
	}

	var ts string
	var sigs [][]byte
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			if sig, err := hex.DecodeString(v); err == nil {
				sigs = append(sigs, sig)
			}
		}
	}
	if ts == "" || len(sigs) == 0 {
		return fmt.Errorf("%s header has no timestamp or signature", SignatureHeader)
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("bad signature timestamp %q", ts)
	}
	age := now.Sub(time.Unix(unix, 0))
	if age > Tolerance || age < -Tolerance {
		return fmt.Errorf("signature timestamp outside tolerance")
	}

	expected := Sign(body, ts, secret)
	for _, sig := range sigs {
		if hmac.Equal(sig, expected) {
			return nil
		}
	}
	return fmt.Errorf("signature mismatch")
}

// Sign returns the raw HMAC for a payload and timestamp.
func Sign(body []byte, timestamp, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureHeaderValue builds a header for body signed at t.
func SignatureHeaderValue(body []byte, secret string, t time.Time) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return "t=" + ts + ",v1=" + hex.EncodeToString(Sign(body, ts, secret))
}

func (a *Adapter) authorize(r *http.Request) {
	r.Header.Set("Authorization", "Bearer "+a.cfg.SecretKey)
}

func (a *Adapter) collects(cur string) bool {
	for _, c := range a.Currencies() {
		if c == cur {
			return true
		}
	}
	return false
}
