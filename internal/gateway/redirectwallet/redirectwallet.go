// Package redirectwallet integrates a PayPal style checkout: an order is
// created server side, the customer approves it on the wallet's site, and
// the order is then captured. Capture happens either when the approval
// webhook arrives or when a verify finds the order approved.
package redirectwallet

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/zjoart/go-payment-ledger/internal/gateway"
	"github.com/zjoart/go-payment-ledger/pkg/config"
	"github.com/zjoart/go-payment-ledger/pkg/money"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	eventOrderApproved   = "CHECKOUT.ORDER.APPROVED"
	eventCaptureComplete = "PAYMENT.CAPTURE.COMPLETED"
	eventCaptureDenied   = "PAYMENT.CAPTURE.DENIED"
	eventCaptureRefunded = "PAYMENT.CAPTURE.REFUNDED"
	eventCaptureReversed = "PAYMENT.CAPTURE.REVERSED"

	alreadyCaptured = "ORDER_ALREADY_CAPTURED"
)

var validate = validator.New()

type Adapter struct {
	cfg    config.RedirectWalletConfig
	client *gateway.Client
	tokens oauth2.TokenSource
	now    func() time.Time
}

func New(cfg config.RedirectWalletConfig, timeout time.Duration) *Adapter {
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.BaseURL + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	client := gateway.NewClient(gateway.RedirectWallet, timeout)
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, client.HTTP)

	return &Adapter{
		cfg:    cfg,
		client: client,
		tokens: cc.TokenSource(tokenCtx),
		now:    time.Now,
	}
}

func (a *Adapter) Name() gateway.Name { return gateway.RedirectWallet }

func (a *Adapter) Currencies() []string { return []string{"USD", "EUR", "GBP"} }

func (a *Adapter) AckBody() interface{} { return map[string]string{} }

type amount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type purchaseUnit struct {
	ReferenceID string  `json:"reference_id,omitempty"`
	CustomID    string  `json:"custom_id,omitempty"`
	Description string  `json:"description,omitempty"`
	Amount      *amount `json:"amount,omitempty"`
	Payments    *struct {
		Captures []capture `json:"captures"`
	} `json:"payments,omitempty"`
}

type capture struct {
	ID       string  `json:"id"`
	Status   string  `json:"status"`
	CustomID string  `json:"custom_id"`
	Amount   *amount `json:"amount"`
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type order struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
	Links         []link         `json:"links"`
}

type createOrderRequest struct {
	Intent             string             `json:"intent"`
	PurchaseUnits      []purchaseUnit     `json:"purchase_units"`
	ApplicationContext applicationContext `json:"application_context"`
	Payer              *payer             `json:"payer,omitempty"`
}

type applicationContext struct {
	ReturnURL  string `json:"return_url"`
	CancelURL  string `json:"cancel_url"`
	UserAction string `json:"user_action"`
}

type payer struct {
	EmailAddress string `json:"email_address"`
}

func (a *Adapter) Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error) {
	cur := money.Normalize(req.Currency)
	if !a.collects(cur) {
		return nil, fmt.Errorf("%w: redirect wallet does not collect %s", gateway.ErrInvalidAmount, cur)
	}
	if req.Amount <= 0 {
		return nil, gateway.ErrInvalidAmount
	}
	value, err := money.Format(req.Amount, cur)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrInvalidAmount, err)
	}
	if req.Payer != "" {
		if err := validate.Var(req.Payer, "email"); err != nil {
			return nil, fmt.Errorf("%w: payer must be the wallet account email", gateway.ErrInvalidPayerContext)
		}
	}

	body := createOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{{
			ReferenceID: req.MerchantReference,
			CustomID:    req.TransactionID,
			Description: req.Purpose,
			Amount:      &amount{CurrencyCode: cur, Value: value},
		}},
		ApplicationContext: applicationContext{
			ReturnURL:  a.cfg.ReturnURL,
			CancelURL:  a.cfg.CancelURL,
			UserAction: "PAY_NOW",
		},
	}
	if req.Payer != "" {
		body.Payer = &payer{EmailAddress: req.Payer}
	}

	var o order
	raw, err := a.call(ctx, "create_order", http.MethodPost, "/v2/checkout/orders", req.TransactionID, body, &o)
	if err != nil {
		return nil, err
	}
	if o.ID == "" {
		return nil, fmt.Errorf("%w: order without id", gateway.ErrMalformed)
	}

	approve := ""
	for _, l := range o.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			approve = l.Href
			break
		}
	}
	if approve == "" {
		return nil, fmt.Errorf("%w: order %s has no approval link", gateway.ErrMalformed, o.ID)
	}

	return &gateway.InitiateResult{
		ExternalReference: o.ID,
		Instructions:      "Approve the payment on the wallet page",
		RedirectURL:       approve,
		Raw:               raw,
	}, nil
}

// Verify reads the order and captures it when the customer has approved it.
// Capture carries a request id derived from the order so repeating it
// returns the first result instead of charging again.
func (a *Adapter) Verify(ctx context.Context, externalReference string) (*gateway.NormalizedStatus, error) {
	o, raw, err := a.getOrder(ctx, externalReference)
	if err != nil {
		return nil, err
	}
	if o.Status == "APPROVED" {
		return a.capture(ctx, externalReference)
	}
	return statusFromOrder(o, raw), nil
}

func (a *Adapter) getOrder(ctx context.Context, id string) (*order, []byte, error) {
	var o order
	raw, err := a.call(ctx, "get_order", http.MethodGet, "/v2/checkout/orders/"+id, "", nil, &o)
	if err != nil {
		return nil, nil, err
	}
	return &o, raw, nil
}

func (a *Adapter) capture(ctx context.Context, orderID string) (*gateway.NormalizedStatus, error) {
	var o order
	raw, err := a.call(ctx, "capture", http.MethodPost, "/v2/checkout/orders/"+orderID+"/capture", "capture-"+orderID, struct{}{}, &o)
	if err != nil {
		var se *gateway.StatusError
		if errors.As(err, &se) && bytes.Contains(se.Body, []byte(alreadyCaptured)) {
			current, currentRaw, gerr := a.getOrder(ctx, orderID)
			if gerr != nil {
				return nil, gerr
			}
			return statusFromOrder(current, currentRaw), nil
		}
		return nil, err
	}
	if o.ID == "" {
		o.ID = orderID
	}
	return statusFromOrder(&o, raw), nil
}

func statusFromOrder(o *order, raw []byte) *gateway.NormalizedStatus {
	st := &gateway.NormalizedStatus{
		ExternalReference: o.ID,
		Kind:              gateway.KindPending,
		ResultCode:        o.Status,
		Raw:               raw,
	}

	switch o.Status {
	case "VOIDED":
		st.Kind = gateway.KindFailed
	case "COMPLETED":
		c := firstCapture(o)
		if c == nil {
			st.Kind = gateway.KindSucceeded
			break
		}
		st.ResultCode = c.Status
		switch c.Status {
		case "COMPLETED":
			st.Kind = gateway.KindSucceeded
		case "DECLINED", "FAILED":
			st.Kind = gateway.KindFailed
		case "REFUNDED":
			st.Kind = gateway.KindRefunded
		case "PARTIALLY_REFUNDED":
			st.Kind = gateway.KindRefunded
			st.Partial = true
		}
		if c.Amount != nil {
			if v, err := money.Parse(c.Amount.Value, c.Amount.CurrencyCode); err == nil {
				st.Amount = v
				st.Currency = money.Normalize(c.Amount.CurrencyCode)
			}
		}
	}
	return st
}

func firstCapture(o *order) *capture {
	for _, pu := range o.PurchaseUnits {
		if pu.Payments != nil && len(pu.Payments.Captures) > 0 {
			return &pu.Payments.Captures[0]
		}
	}
	return nil
}

type webhookEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Resource  json.RawMessage `json:"resource"`
}

type captureResource struct {
	ID                string  `json:"id"`
	Status            string  `json:"status"`
	CustomID          string  `json:"custom_id"`
	Amount            *amount `json:"amount"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

// ParseNotification checks the basic auth credentials configured on the
// webhook subscription. Only the bcrypt hash of the password is held.
func (a *Adapter) ParseNotification(ctx context.Context, n gateway.Notification) (*gateway.TransactionEvent, error) {
	if err := a.authenticate(n.Header); err != nil {
		return nil, err
	}

	var ev webhookEvent
	if err := json.Unmarshal(n.Body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformed, err)
	}

	event := &gateway.TransactionEvent{
		Gateway:    gateway.RedirectWallet,
		EventID:    ev.ID,
		ResultCode: ev.EventType,
		Source:     gateway.SourceWebhook,
		Raw:        n.Body,
		ReceivedAt: a.now().UTC(),
	}

	switch ev.EventType {
	case eventOrderApproved:
		var o order
		if err := json.Unmarshal(ev.Resource, &o); err != nil || o.ID == "" {
			return nil, fmt.Errorf("%w: approved order without id", gateway.ErrMalformed)
		}
		// capture happens when the event is reconciled, through Verify
		event.ExternalReference = o.ID
		event.Kind = gateway.KindApproved
		return event, nil

	case eventCaptureComplete, eventCaptureDenied, eventCaptureRefunded, eventCaptureReversed:
		var c captureResource
		if err := json.Unmarshal(ev.Resource, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", gateway.ErrMalformed, err)
		}
		if c.SupplementaryData.RelatedIDs.OrderID == "" {
			return nil, fmt.Errorf("%w: %s without order id", gateway.ErrMalformed, ev.EventType)
		}
		event.ExternalReference = c.SupplementaryData.RelatedIDs.OrderID

		switch ev.EventType {
		case eventCaptureComplete:
			event.Kind = gateway.KindSucceeded
		case eventCaptureDenied:
			event.Kind = gateway.KindFailed
		default:
			event.Kind = gateway.KindRefunded
		}
		// for a refund the resource amount is what was given back
		if c.Amount != nil && event.Kind != gateway.KindFailed {
			v, err := money.Parse(c.Amount.Value, c.Amount.CurrencyCode)
			if err != nil {
				return nil, fmt.Errorf("%w: amount: %v", gateway.ErrMalformed, err)
			}
			event.Amount = v
			event.Currency = money.Normalize(c.Amount.CurrencyCode)
		}
		return event, nil
	}

	return nil, fmt.Errorf("%w: %s", gateway.ErrUnhandledEvent, ev.EventType)
}

func (a *Adapter) authenticate(h http.Header) error {
	user, pass, ok := (&http.Request{Header: h}).BasicAuth()
	if !ok {
		return &gateway.AuthenticityError{Gateway: gateway.RedirectWallet, Reason: "missing basic auth"}
	}
	if subtle.ConstantTimeCompare([]byte(user), []byte(a.cfg.WebhookUser)) != 1 {
		return &gateway.AuthenticityError{Gateway: gateway.RedirectWallet, Reason: "unknown webhook user"}
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.cfg.WebhookPasswordHash), []byte(pass)); err != nil {
		return &gateway.AuthenticityError{Gateway: gateway.RedirectWallet, Reason: "webhook password mismatch"}
	}
	return nil
}

func (a *Adapter) collects(cur string) bool {
	for _, c := range a.Currencies() {
		if c == cur {
			return true
		}
	}
	return false
}

// call sends an authenticated JSON request. requestID, when set, is sent as
// PayPal-Request-Id so retries of the same write are idempotent.
func (a *Adapter) call(ctx context.Context, op, method, path, requestID string, body, out interface{}) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, err
		}
	}

	return a.client.Do(ctx, op, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		tok, err := a.tokens.Token()
		if err != nil {
			return nil, &gateway.UnavailableError{Gateway: gateway.RedirectWallet, Op: "oauth", Err: err}
		}
		tok.SetAuthHeader(req)
		req.Header.Set("Content-Type", "application/json")
		if requestID != "" {
			req.Header.Set("PayPal-Request-Id", requestID)
		}
		return req, nil
	}, out)
}
