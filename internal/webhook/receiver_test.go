package webhook_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zjoart/go-payment-ledger/internal/gateway"
	"github.com/zjoart/go-payment-ledger/internal/gateway/cardintent"
	"github.com/zjoart/go-payment-ledger/internal/gateway/mobilemoney"
	"github.com/zjoart/go-payment-ledger/internal/payment"
	"github.com/zjoart/go-payment-ledger/internal/reconcile"
	"github.com/zjoart/go-payment-ledger/internal/store"
	"github.com/zjoart/go-payment-ledger/internal/wallet"
	"github.com/zjoart/go-payment-ledger/internal/webhook"
	"github.com/zjoart/go-payment-ledger/pkg/config"
	"github.com/zjoart/go-payment-ledger/pkg/id"
)

const cardSecret = "whsec_test"

type countingDispatcher struct {
	next webhook.Dispatcher
	mu   sync.Mutex
	n    int
	err  error
}

func (d *countingDispatcher) Dispatch(ctx context.Context, ev gateway.TransactionEvent) error {
	d.mu.Lock()
	d.n++
	err := d.err
	d.mu.Unlock()
	if err != nil {
		return err
	}
	return d.next.Dispatch(ctx, ev)
}

func (d *countingDispatcher) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}

type memorySeen struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (s *memorySeen) MarkSeen(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys[key] {
		return false, nil
	}
	s.keys[key] = true
	return true, nil
}

func (s *memorySeen) Forget(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}

type harness struct {
	mem        *store.Memory
	mux        *http.ServeMux
	dispatcher *countingDispatcher
	seen       *memorySeen
}

func newHarness() *harness {
	mem := store.NewMemory()
	registry := gateway.NewRegistry(
		cardintent.New(config.CardIntentConfig{BaseURL: "http://127.0.0.1:0", SecretKey: "sk_test", WebhookSecret: cardSecret}, time.Second),
		mobilemoney.New(config.MpesaConfig{BaseURL: "http://127.0.0.1:0", ConsumerKey: "k", ConsumerSecret: "s", ShortCode: "174379", Passkey: "p", CallbackToken: "cb-token"}, time.Second),
	)
	d := &countingDispatcher{next: webhook.EngineDispatcher{Engine: reconcile.NewEngine(mem, nil)}}
	seen := &memorySeen{keys: map[string]bool{}}
	rc := webhook.NewReceiver(registry, mem.Payments(), d, seen)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/webhooks/card-intent", rc.Handler(gateway.CardIntent))
	mux.HandleFunc("POST /api/webhooks/mobile-money", rc.Handler(gateway.MobileMoney))
	mux.HandleFunc("POST /api/webhooks/redirect-wallet", rc.Handler(gateway.RedirectWallet))
	return &harness{mem: mem, mux: mux, dispatcher: d, seen: seen}
}

func (h *harness) pending(t *testing.T, gw gateway.Name, ref string, amount int64, currency string) *payment.Transaction {
	t.Helper()
	txn := &payment.Transaction{
		ID:                id.Generate(),
		UserID:            "user-1",
		Gateway:           gw,
		ExternalReference: ref,
		MerchantReference: id.Reference("PAY"),
		Amount:            amount,
		Currency:          currency,
		Status:            payment.StatusPending,
	}
	require.NoError(t, h.mem.Payments().Create(context.Background(), txn))
	return txn
}

func (h *harness) post(path string, body []byte, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", path, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	h.mux.ServeHTTP(rr, req)
	return rr
}

func (h *harness) card(body string, secret string) *httptest.ResponseRecorder {
	header := http.Header{}
	header.Set(cardintent.SignatureHeader, cardintent.SignatureHeaderValue([]byte(body), secret, time.Now()))
	return h.post("/api/webhooks/card-intent", []byte(body), header)
}

func (h *harness) status(t *testing.T, txn *payment.Transaction) payment.Status {
	t.Helper()
	current, err := h.mem.Payments().FindByID(context.Background(), txn.ID)
	require.NoError(t, err)
	return current.Status
}

func (h *harness) balance(t *testing.T) int64 {
	t.Helper()
	bal, err := wallet.NewService(h.mem.Wallets()).Balance(context.Background(), "user-1")
	require.NoError(t, err)
	return bal.Balance
}

const (
	cardSucceeded = `{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","status":"succeeded","amount":2000,"amount_received":2000,"currency":"usd"}}}`
	cardDisputed  = `{"id":"evt_2","type":"charge.dispute.created","data":{"object":{"id":"dp_1","payment_intent":"pi_1","currency":"usd"}}}`
	stkSucceeded  = `{"Body":{"stkCallback":{"MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_1","ResultCode":0,"ResultDesc":"The service request is processed successfully.","CallbackMetadata":{"Item":[{"Name":"Amount","Value":500},{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"}]}}}}`
)

func TestForgedSignatureWritesNothing(t *testing.T) {
	h := newHarness()
	txn := h.pending(t, gateway.CardIntent, "pi_1", 2000, "USD")

	rr := h.card(cardSucceeded, "whsec_forged")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	header := http.Header{}
	header.Set(cardintent.SignatureHeader, cardintent.SignatureHeaderValue([]byte(cardSucceeded), cardSecret, time.Now()))
	tampered := strings.Replace(cardSucceeded, `"amount_received":2000`, `"amount_received":200000`, 1)
	rr = h.post("/api/webhooks/card-intent", []byte(tampered), header)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	assert.Equal(t, 0, h.dispatcher.calls())
	assert.Equal(t, payment.StatusPending, h.status(t, txn))
	assert.Equal(t, int64(0), h.balance(t))
}

func TestCardSuccessIsAcknowledgedOnce(t *testing.T) {
	h := newHarness()
	txn := h.pending(t, gateway.CardIntent, "pi_1", 2000, "USD")

	rr := h.card(cardSucceeded, cardSecret)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"received":true}`, rr.Body.String())

	rr = h.card(cardSucceeded, cardSecret)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"received":true}`, rr.Body.String())

	assert.Equal(t, 1, h.dispatcher.calls())
	assert.Equal(t, payment.StatusCompleted, h.status(t, txn))
	assert.Equal(t, int64(2000), h.balance(t))
}

func TestMobileMoneyDuplicateCallbacksCreditOnce(t *testing.T) {
	h := newHarness()
	txn := h.pending(t, gateway.MobileMoney, "ws_CO_1", 50000, "KES")

	for i := 0; i < 2; i++ {
		rr := h.post("/api/webhooks/mobile-money?token=cb-token", []byte(stkSucceeded), nil)
		require.Equal(t, http.StatusOK, rr.Code)
	}

	assert.Equal(t, payment.StatusCompleted, h.status(t, txn))
	assert.Equal(t, int64(50000), h.balance(t))
}

func TestMobileMoneyBadTokenIsRejected(t *testing.T) {
	h := newHarness()
	txn := h.pending(t, gateway.MobileMoney, "ws_CO_1", 50000, "KES")

	rr := h.post("/api/webhooks/mobile-money?token=guess", []byte(stkSucceeded), nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, payment.StatusPending, h.status(t, txn))
}

func TestLateSuccessAfterDisputeIsAcknowledgedNotApplied(t *testing.T) {
	h := newHarness()
	txn := h.pending(t, gateway.CardIntent, "pi_1", 2000, "USD")

	require.Equal(t, http.StatusOK, h.card(cardSucceeded, cardSecret).Code)
	require.Equal(t, http.StatusOK, h.card(cardDisputed, cardSecret).Code)
	assert.Equal(t, payment.StatusRefunded, h.status(t, txn))
	assert.Equal(t, int64(0), h.balance(t))

	rr := h.card(cardSucceeded, cardSecret)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 2, h.dispatcher.calls())
	assert.Equal(t, payment.StatusRefunded, h.status(t, txn))
	assert.Equal(t, int64(0), h.balance(t))
}

func TestUnknownReferenceIsAcknowledged(t *testing.T) {
	h := newHarness()

	rr := h.card(cardSucceeded, cardSecret)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 0, h.dispatcher.calls())
}

func TestUnhandledAndMalformedNotifications(t *testing.T) {
	h := newHarness()

	rr := h.card(`{"id":"evt_9","type":"customer.created","data":{"object":{}}}`, cardSecret)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = h.card(`{"id":`, cardSecret)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, 0, h.dispatcher.calls())
}

func TestDispatchFailureAsksForRetry(t *testing.T) {
	h := newHarness()
	txn := h.pending(t, gateway.CardIntent, "pi_1", 2000, "USD")
	h.dispatcher.err = assert.AnError

	rr := h.card(cardSucceeded, cardSecret)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, payment.StatusPending, h.status(t, txn))

	h.dispatcher.err = nil
	rr = h.card(cardSucceeded, cardSecret)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, payment.StatusCompleted, h.status(t, txn))
	assert.Equal(t, 2, h.dispatcher.calls())
}

func TestSeenEventIsNotDispatchedAgain(t *testing.T) {
	h := newHarness()
	h.pending(t, gateway.CardIntent, "pi_1", 2000, "USD")
	// a sibling instance already took this delivery and has not finished it
	h.seen.keys["card_intent:evt_1"] = true

	rr := h.card(cardSucceeded, cardSecret)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 0, h.dispatcher.calls())
}

func TestReceiverLimits(t *testing.T) {
	h := newHarness()

	rr := h.post("/api/webhooks/redirect-wallet", []byte(`{}`), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	huge := bytes.Repeat([]byte("a"), (1<<20)+1)
	rr = h.post("/api/webhooks/card-intent", huge, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestEngineDispatcherAcknowledgesPermanentErrors(t *testing.T) {
	mem := store.NewMemory()
	d := webhook.EngineDispatcher{Engine: reconcile.NewEngine(mem, nil)}

	err := d.Dispatch(context.Background(), gateway.TransactionEvent{Gateway: gateway.CardIntent, ExternalReference: "pi_none", Kind: gateway.KindSucceeded})
	assert.NoError(t, err)
}

func TestPartialRefundKeepsCredit(t *testing.T) {
	h := newHarness()
	txn := h.pending(t, gateway.CardIntent, "pi_1", 2000, "USD")
	require.Equal(t, http.StatusOK, h.card(cardSucceeded, cardSecret).Code)

	partial := `{"id":"evt_3","type":"charge.refunded","data":{"object":{"id":"ch_1","payment_intent":"pi_1","amount":2000,"amount_refunded":500,"currency":"usd"}}}`
	rr := h.card(partial, cardSecret)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, payment.StatusCompleted, h.status(t, txn))
	assert.Equal(t, int64(2000), h.balance(t))

	reviews, err := h.mem.Payments().Reviews(context.Background(), txn.ID)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, payment.ReviewAmountMismatch, reviews[0].Reason)
}

// unreachableAdapter fails every notification as if its API were down.
type unreachableAdapter struct{}

func (unreachableAdapter) Name() gateway.Name { return gateway.RedirectWallet }

func (unreachableAdapter) Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error) {
	return nil, gateway.ErrGatewayUnavailable
}

func (unreachableAdapter) Verify(ctx context.Context, ref string) (*gateway.NormalizedStatus, error) {
	return nil, gateway.ErrGatewayUnavailable
}

func (unreachableAdapter) ParseNotification(ctx context.Context, n gateway.Notification) (*gateway.TransactionEvent, error) {
	return nil, &gateway.UnavailableError{Gateway: gateway.RedirectWallet, Op: "read order", Err: assert.AnError}
}

func (unreachableAdapter) Currencies() []string { return []string{"EUR"} }

func (unreachableAdapter) AckBody() interface{} { return map[string]string{} }

func TestUnavailableGatewayAsksForRedelivery(t *testing.T) {
	mem := store.NewMemory()
	d := &countingDispatcher{next: webhook.EngineDispatcher{Engine: reconcile.NewEngine(mem, nil)}}
	rc := webhook.NewReceiver(gateway.NewRegistry(unreachableAdapter{}), mem.Payments(), d, nil)

	req := httptest.NewRequest("POST", "/api/webhooks/redirect-wallet", strings.NewReader(`{"id":"WH-1"}`))
	rr := httptest.NewRecorder()
	rc.Handler(gateway.RedirectWallet)(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, 0, d.calls())
}
