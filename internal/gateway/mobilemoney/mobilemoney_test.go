package mobilemoney

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zjoart/go-payment-ledger/internal/gateway"
	"github.com/zjoart/go-payment-ledger/pkg/config"
)

func newTestAdapter(t *testing.T, handler http.Handler) (*Adapter, *atomic.Int32) {
	t.Helper()

	var tokenCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "key", user)
		assert.Equal(t, "secret", pass)
		w.Write([]byte(`{"access_token":"tok-1","expires_in":"3599"}`))
	})
	mux.Handle("/", handler)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	a := New(config.MpesaConfig{
		BaseURL:        srv.URL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "174379",
		Passkey:        "passkey",
		CallbackToken:  "cb-token",
		CallbackURL:    "https://pay.example.com/api/webhooks/mobile-money?token=cb-token",
	}, time.Second)
	a.client.Backoff = gateway.Backoff{Initial: time.Millisecond, Max: time.Millisecond, Attempts: 2}
	a.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return a, &tokenCalls
}

func TestInitiateSendsSTKPush(t *testing.T) {
	a, tokenCalls := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/mpesa/stkpush/v1/processrequest", r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		var body stkPushRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, int64(500), body.Amount)
		assert.Equal(t, "254712345678", body.PhoneNumber)
		assert.Equal(t, "20260102030405", body.Timestamp)
		assert.Len(t, body.AccountReference, 12)

		w.Write([]byte(`{"MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_1","ResponseCode":"0","CustomerMessage":"Success. Request accepted for processing"}`))
	}))

	req := gateway.InitiateRequest{
		TransactionID:     "tx-1",
		MerchantReference: "PAY-01J9Z3ABCDEFGHJKMNPQRSTVWX",
		Amount:            50000,
		Currency:          "KES",
		Payer:             "0712 345 678",
		Purpose:           "Course fee",
	}
	res, err := a.Initiate(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, "ws_CO_1", res.ExternalReference)
	assert.Contains(t, res.Instructions, "accepted")

	// token is cached for the next call
	_, err = a.Initiate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(1), tokenCalls.Load())
}

func TestInitiateValidation(t *testing.T) {
	a, _ := newTestAdapter(t, http.NotFoundHandler())

	_, err := a.Initiate(context.Background(), gateway.InitiateRequest{Amount: 50000, Currency: "KES", Payer: "12345"})
	assert.ErrorIs(t, err, gateway.ErrInvalidPayerContext)

	_, err = a.Initiate(context.Background(), gateway.InitiateRequest{Amount: 50050, Currency: "KES", Payer: "0712345678"})
	assert.ErrorIs(t, err, gateway.ErrInvalidAmount)

	_, err = a.Initiate(context.Background(), gateway.InitiateRequest{Amount: 2000, Currency: "USD", Payer: "0712345678"})
	assert.ErrorIs(t, err, gateway.ErrInvalidAmount)
}

func TestInitiateUnavailable(t *testing.T) {
	a, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := a.Initiate(context.Background(), gateway.InitiateRequest{Amount: 50000, Currency: "KES", Payer: "0712345678"})
	assert.ErrorIs(t, err, gateway.ErrGatewayUnavailable)
	assert.True(t, gateway.IsRetryable(err))
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind gateway.Kind
	}{
		{name: "paid", status: 200, body: `{"ResponseCode":"0","ResultCode":"0","ResultDesc":"The service request is processed successfully."}`, wantKind: gateway.KindSucceeded},
		{name: "cancelled", status: 200, body: `{"ResponseCode":"0","ResultCode":"1032","ResultDesc":"Request cancelled by user"}`, wantKind: gateway.KindFailed},
		{name: "still processing", status: 500, body: `{"errorCode":"500.001.1001","errorMessage":"The transaction is being processed"}`, wantKind: gateway.KindPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/mpesa/stkpushquery/v1/query", r.URL.Path)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))

			st, err := a.Verify(context.Background(), "ws_CO_1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, st.Kind)
			assert.Equal(t, "ws_CO_1", st.ExternalReference)
		})
	}
}

func TestVerifyStillProcessingIsNotRetried(t *testing.T) {
	var queries atomic.Int32
	a, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"errorCode":"500.001.1001","errorMessage":"The transaction is being processed"}`))
	}))
	a.client.Backoff = gateway.Backoff{Initial: time.Millisecond, Max: time.Millisecond, Attempts: 4}

	st, err := a.Verify(context.Background(), "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, gateway.KindPending, st.Kind)
	assert.Equal(t, int32(1), queries.Load())
}

func TestVerifyOutageIsRetried(t *testing.T) {
	var queries atomic.Int32
	a, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"errorCode":"500.003.02","errorMessage":"System is busy"}`))
	}))

	_, err := a.Verify(context.Background(), "ws_CO_1")
	assert.ErrorIs(t, err, gateway.ErrGatewayUnavailable)
	assert.Equal(t, int32(2), queries.Load())
}

const successCallback = `{"Body":{"stkCallback":{"MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_1","ResultCode":0,"ResultDesc":"The service request is processed successfully.","CallbackMetadata":{"Item":[{"Name":"Amount","Value":500},{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"},{"Name":"PhoneNumber","Value":254712345678}]}}}}`

func TestParseNotification(t *testing.T) {
	a, _ := newTestAdapter(t, http.NotFoundHandler())

	ev, err := a.ParseNotification(context.Background(), gateway.Notification{
		Body:  []byte(successCallback),
		Query: url.Values{"token": {"cb-token"}},
	})
	require.NoError(t, err)
	assert.Equal(t, gateway.KindSucceeded, ev.Kind)
	assert.Equal(t, "ws_CO_1", ev.ExternalReference)
	assert.Equal(t, int64(50000), ev.Amount)
	assert.Equal(t, "KES", ev.Currency)

	failed := `{"Body":{"stkCallback":{"MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_2","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`
	ev, err = a.ParseNotification(context.Background(), gateway.Notification{
		Body:  []byte(failed),
		Query: url.Values{"token": {"cb-token"}},
	})
	require.NoError(t, err)
	assert.Equal(t, gateway.KindFailed, ev.Kind)
	assert.Equal(t, "1032", ev.ResultCode)
}

func TestParseNotificationRejectsForgedToken(t *testing.T) {
	a, _ := newTestAdapter(t, http.NotFoundHandler())

	for _, q := range []url.Values{{}, {"token": {"guess"}}} {
		_, err := a.ParseNotification(context.Background(), gateway.Notification{Body: []byte(successCallback), Query: q})
		assert.ErrorIs(t, err, gateway.ErrAuthenticity)
		assert.False(t, gateway.IsRetryable(err))
	}
}

func TestNormalizePhone(t *testing.T) {
	for in, want := range map[string]string{
		"0712345678":    "254712345678",
		"+254712345678": "254712345678",
		"254112345678":  "254112345678",
	} {
		got, err := NormalizePhone(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := NormalizePhone("0812345678")
	assert.ErrorIs(t, err, gateway.ErrInvalidPayerContext)
}

func TestFieldLimitsCountCharacters(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{name: "short description", got: description("Course"), want: "Course"},
		{name: "empty description", got: description(""), want: "Payment"},
		{name: "long description", got: description("Advanced Go for teams"), want: "Advanced Go f"},
		{name: "multi-byte description", got: description("Café für Anfänger"), want: "Café für Anfä"},
		{name: "long reference keeps tail", got: accountReference("PAY-01J8ZC3Q4M"), want: "Y-01J8ZC3Q4M"},
		{name: "multi-byte reference", got: accountReference("Zahlung-für-Kürs"), want: "ung-für-Kürs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
			assert.True(t, utf8.ValidString(tt.got))
		})
	}
}
