// Package mobilemoney talks to an M-Pesa style STK push API: the customer
// gets a PIN prompt on their phone, the result arrives as a callback, and
// the STK query endpoint is the polling fallback.
package mobilemoney

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zjoart/go-payment-ledger/internal/gateway"
	"github.com/zjoart/go-payment-ledger/pkg/config"
	"github.com/zjoart/go-payment-ledger/pkg/money"
)

const currency = "KES"

// still-processing error code returned by the STK query endpoint
const processingCode = "500.001.1001"

var msisdnPattern = regexp.MustCompile(`^254(7|1)\d{8}$`)

type Adapter struct {
	cfg    config.MpesaConfig
	client *gateway.Client
	now    func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func New(cfg config.MpesaConfig, timeout time.Duration) *Adapter {
	client := gateway.NewClient(gateway.MobileMoney, timeout)
	client.Settled = stillProcessing
	return &Adapter{
		cfg:    cfg,
		client: client,
		now:    time.Now,
	}
}

// stillProcessing spots the query reply for a prompt the payer has not
// answered yet, which the API sends as a 500.
func stillProcessing(op string, status int, body []byte) bool {
	return op == "stk_query" && bytes.Contains(body, []byte(processingCode))
}

func (a *Adapter) Name() gateway.Name { return gateway.MobileMoney }

func (a *Adapter) Currencies() []string { return []string{currency} }

func (a *Adapter) AckBody() interface{} {
	return map[string]string{"ResultCode": "0", "ResultDesc": "Accepted"}
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

func (a *Adapter) Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error) {
	phone, err := NormalizePhone(req.Payer)
	if err != nil {
		return nil, err
	}
	if money.Normalize(req.Currency) != currency {
		return nil, fmt.Errorf("%w: mobile money collects %s only", gateway.ErrInvalidAmount, currency)
	}
	whole, err := money.WholeMajor(req.Amount, currency)
	if err != nil || whole <= 0 {
		return nil, fmt.Errorf("%w: mobile money needs a positive whole shilling amount", gateway.ErrInvalidAmount)
	}

	timestamp, password := a.credentials()
	body := stkPushRequest{
		BusinessShortCode: a.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            whole,
		PartyA:            phone,
		PartyB:            a.cfg.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       a.cfg.CallbackURL,
		AccountReference:  accountReference(req.MerchantReference),
		TransactionDesc:   description(req.Purpose),
	}

	var resp stkPushResponse
	raw, err := a.post(ctx, "stk_push", "/mpesa/stkpush/v1/processrequest", body, &resp)
	if err != nil {
		return nil, err
	}
	if resp.ResponseCode != "0" || resp.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: stk push: %s", gateway.ErrRejected, resp.ResponseDescription)
	}

	instructions := resp.CustomerMessage
	if instructions == "" {
		instructions = fmt.Sprintf("Enter your M-Pesa PIN on %s to pay %s %d", phone, currency, whole)
	}

	return &gateway.InitiateResult{
		ExternalReference: resp.CheckoutRequestID,
		Instructions:      instructions,
		Raw:               raw,
	}, nil
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode      string `json:"ResponseCode"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        string `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
}

func (a *Adapter) Verify(ctx context.Context, externalReference string) (*gateway.NormalizedStatus, error) {
	timestamp, password := a.credentials()
	body := stkQueryRequest{
		BusinessShortCode: a.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		CheckoutRequestID: externalReference,
	}

	var resp stkQueryResponse
	raw, err := a.post(ctx, "stk_query", "/mpesa/stkpushquery/v1/query", body, &resp)
	if err != nil {
		var se *gateway.StatusError
		if errors.As(err, &se) && bytes.Contains(se.Body, []byte(processingCode)) {
			return &gateway.NormalizedStatus{ExternalReference: externalReference, Kind: gateway.KindPending, Raw: se.Body}, nil
		}
		return nil, err
	}

	return &gateway.NormalizedStatus{
		ExternalReference: externalReference,
		Kind:              kindForResult(resp.ResultCode),
		ResultCode:        resp.ResultCode,
		Currency:          currency,
		Raw:               raw,
	}, nil
}

type callbackItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value"`
}

type stkCallback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []callbackItem `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseNotification authenticates the callback by the pre-shared token that
// was embedded in the CallBackURL at initiate time.
func (a *Adapter) ParseNotification(ctx context.Context, n gateway.Notification) (*gateway.TransactionEvent, error) {
	token := n.Query.Get("token")
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.CallbackToken)) != 1 {
		return nil, &gateway.AuthenticityError{Gateway: gateway.MobileMoney, Reason: "callback token mismatch"}
	}

	var cb stkCallback
	if err := json.Unmarshal(n.Body, &cb); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformed, err)
	}
	stk := cb.Body.StkCallback
	if stk.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: missing CheckoutRequestID", gateway.ErrMalformed)
	}

	code := strconv.Itoa(stk.ResultCode)
	event := &gateway.TransactionEvent{
		Gateway:           gateway.MobileMoney,
		ExternalReference: stk.CheckoutRequestID,
		Kind:              kindForResult(code),
		ResultCode:        code,
		Currency:          currency,
		EventID:           stk.CheckoutRequestID + ":" + code,
		Source:            gateway.SourceWebhook,
		Raw:               n.Body,
		ReceivedAt:        a.now().UTC(),
	}

	if event.Kind == gateway.KindSucceeded {
		for _, item := range stk.CallbackMetadata.Item {
			if item.Name != "Amount" {
				continue
			}
			amount, err := itemAmount(item.Value)
			if err != nil {
				return nil, fmt.Errorf("%w: amount: %v", gateway.ErrMalformed, err)
			}
			event.Amount = amount
		}
	}

	return event, nil
}

// NormalizePhone accepts 07XXXXXXXX, +2547XXXXXXXX or 2547XXXXXXXX.
func NormalizePhone(raw string) (string, error) {
	p := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(raw))
	p = strings.TrimPrefix(p, "+")
	if strings.HasPrefix(p, "0") {
		p = "254" + p[1:]
	}
	if !msisdnPattern.MatchString(p) {
		return "", fmt.Errorf("%w: %q is not a valid mobile money number", gateway.ErrInvalidPayerContext, raw)
	}
	return p, nil
}

func kindForResult(code string) gateway.Kind {
	switch code {
	case "0":
		return gateway.KindSucceeded
	case "":
		return gateway.KindPending
	default:
		// 1 insufficient funds, 1032 cancelled, 1037 unreachable, 2001 wrong PIN
		return gateway.KindFailed
	}
}

func itemAmount(v interface{}) (int64, error) {
	switch val := v.(type) {
	case float64:
		return money.FromFloat(val, currency)
	case string:
		return money.Parse(val, currency)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func (a *Adapter) credentials() (string, string) {
	timestamp := a.now().Format("20060102150405")
	password := base64.StdEncoding.EncodeToString([]byte(a.cfg.ShortCode + a.cfg.Passkey + timestamp))
	return timestamp, password
}

func (a *Adapter) post(ctx context.Context, op, path string, body, out interface{}) ([]byte, error) {
	token, err := a.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	return a.client.Do(ctx, op, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, out)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// accessToken returns a cached OAuth token, refreshing it a minute before expiry.
func (a *Adapter) accessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && a.now().Before(a.tokenExpiry) {
		return a.token, nil
	}

	var resp tokenResponse
	_, err := a.client.Do(ctx, "oauth", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(a.cfg.ConsumerKey, a.cfg.ConsumerSecret)
		return req, nil
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", gateway.ErrMalformed)
	}

	ttl, _ := strconv.Atoi(resp.ExpiresIn)
	if ttl <= 60 {
		ttl = 3599
	}
	a.token = resp.AccessToken
	a.tokenExpiry = a.now().Add(time.Duration(ttl-60) * time.Second)
	return a.token, nil
}

// AccountReference is limited to 12 characters by the API. The tail is
// kept since that is where references differ.
func accountReference(ref string) string {
	r := []rune(ref)
	if len(r) <= 12 {
		return ref
	}
	return string(r[len(r)-12:])
}

// TransactionDesc is limited to 13 characters.
func description(purpose string) string {
	if purpose == "" {
		purpose = "Payment"
	}
	r := []rune(purpose)
	if len(r) > 13 {
		return string(r[:13])
	}
	return purpose
}
