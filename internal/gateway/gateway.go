package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"time"
)

type Name string

const (
	MobileMoney    Name = "mobile_money"
	RedirectWallet Name = "redirect_wallet"
	CardIntent     Name = "card_intent"
)

func ParseName(s string) (Name, bool) {
	switch Name(s) {
	case MobileMoney, RedirectWallet, CardIntent:
		return Name(s), true
	}
	return "", false
}

// Kind is the normalized outcome a gateway reports for one payment.
type Kind string

const (
	KindPending   Kind = "pending"
	KindSucceeded Kind = "succeeded"
	KindFailed    Kind = "failed"
	KindRefunded  Kind = "refunded"
	// KindApproved means the payer authorised the payment and the gateway
	// still has to be told to collect it.
	KindApproved Kind = "approved"
)

// Source records which path produced an event.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourceVerify  Source = "verify"
	SourceSweep   Source = "sweep"
)

type InitiateRequest struct {
	TransactionID     string
	MerchantReference string
	Amount            int64
	Currency          string
	Payer             string
	Purpose           string
}

type InitiateResult struct {
	ExternalReference string
	Instructions      string
	RedirectURL       string
	Raw               json.RawMessage
}

type NormalizedStatus struct {
	ExternalReference string
	Kind              Kind
	ResultCode        string
	Amount            int64
	Currency          string
	// Partial marks a refund of less than the captured amount when the
	// refunded amount itself is not reported.
	Partial           bool
	Raw               json.RawMessage
}

// TransactionEvent is the canonical, gateway-independent notification that
// the reconciliation engine consumes. It is JSON encoded onto the queue.
type TransactionEvent struct {
	Gateway           Name            `json:"gateway"`
	ExternalReference string          `json:"external_reference"`
	Kind              Kind            `json:"kind"`
	ResultCode        string          `json:"result_code,omitempty"`
	Amount            int64           `json:"amount"`
	Currency          string          `json:"currency,omitempty"`
	Partial           bool            `json:"partial,omitempty"`
	EventID           string          `json:"event_id,omitempty"`
	Source            Source          `json:"source"`
	Raw               json.RawMessage `json:"raw,omitempty"`
	ReceivedAt        time.Time       `json:"received_at"`
}

// Event turns a polled status into the same shape a webhook produces.
func (s NormalizedStatus) Event(gw Name, source Source) TransactionEvent {
	return TransactionEvent{
		Gateway:           gw,
		ExternalReference: s.ExternalReference,
		Kind:              s.Kind,
		ResultCode:        s.ResultCode,
		Amount:            s.Amount,
		Currency:          s.Currency,
		Partial:           s.Partial,
		Source:            source,
		Raw:               s.Raw,
		ReceivedAt:        time.Now().UTC(),
	}
}

// Notification is an inbound webhook exactly as received.
type Notification struct {
	Body   []byte
	Header http.Header
	Query  url.Values
}

// Adapter is implemented once per external payment network. Nothing outside
// an adapter knows how a gateway confirms a payment.
type Adapter interface {
	Name() Name
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	// Verify polls the gateway. It must not change gateway state in a way
	// that reports completion twice.
	Verify(ctx context.Context, externalReference string) (*NormalizedStatus, error)
	// ParseNotification authenticates before reading any field.
	ParseNotification(ctx context.Context, n Notification) (*TransactionEvent, error)
	// Currencies lists the ISO codes the gateway can collect.
	Currencies() []string
	// AckBody is the 200 response body the gateway expects, duplicates included.
	AckBody() interface{}
}

type Registry struct {
	adapters map[Name]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Name]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

func (r *Registry) Get(name Name) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

func (r *Registry) Names() []Name {
	names := make([]Name, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Supports reports whether the named gateway is registered and collects currency.
func (r *Registry) Supports(name Name, currency string) bool {
	a, ok := r.adapters[name]
	if !ok {
		return false
	}
	for _, c := range a.Currencies() {
		if c == currency {
			return true
		}
	}
	return false
}
