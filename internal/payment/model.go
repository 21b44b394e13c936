package payment

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zjoart/go-payment-ledger/internal/gateway"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusRefunded  Status = "REFUNDED"
)

// Transition sources. Gateway-driven changes use the gateway.Source values.
const (
	SourceInitiate = "initiate"
	SourceWebhook  = string(gateway.SourceWebhook)
	SourceVerify   = string(gateway.SourceVerify)
	SourceSweep    = string(gateway.SourceSweep)
)

type Transaction struct {
	ID                uuid.UUID    `gorm:"type:uuid;primary_key" json:"id"`
	UserID            string       `gorm:"type:varchar(64);not null;index" json:"user_id"`
	Gateway           gateway.Name `gorm:"type:varchar(32);not null;uniqueIndex:idx_transactions_gateway_reference" json:"gateway"`
	ExternalReference string       `gorm:"type:varchar(128);not null;uniqueIndex:idx_transactions_gateway_reference" json:"external_reference"`
	MerchantReference string       `gorm:"type:varchar(64);not null;uniqueIndex" json:"merchant_reference"`
	Amount            int64        `gorm:"not null;check:chk_transactions_amount,amount > 0" json:"amount"`
	Currency          string       `gorm:"type:char(3);not null" json:"currency"`
	Status            Status       `gorm:"type:varchar(16);not null;index" json:"status"`
	Purpose           string       `json:"purpose"`
	PayerContext      string       `json:"-"`
	RawGatewayState   RawJSON      `gorm:"type:jsonb" json:"-"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

func (t *Transaction) Terminal() bool {
	return t.Status != StatusPending
}

// Transition is one row of the append-only status history.
type Transition struct {
	ID            uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	TransactionID uuid.UUID `gorm:"type:uuid;not null;index" json:"transaction_id"`
	FromStatus    Status    `gorm:"type:varchar(16)" json:"from_status"`
	ToStatus      Status    `gorm:"type:varchar(16);not null" json:"to_status"`
	Source        string    `gorm:"type:varchar(16);not null" json:"source"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (Transition) TableName() string { return "transaction_transitions" }

type ReviewReason string

const (
	ReviewAmountMismatch   ReviewReason = "amount_mismatch"
	ReviewCurrencyMismatch ReviewReason = "currency_mismatch"
	ReviewRefundUncovered  ReviewReason = "refund_uncovered"
)

// Review flags a transaction for manual attention. One row per reason.
type Review struct {
	ID               uuid.UUID    `gorm:"type:uuid;primary_key" json:"id"`
	TransactionID    uuid.UUID    `gorm:"type:uuid;not null;uniqueIndex:idx_payment_reviews_transaction_reason" json:"transaction_id"`
	Reason           ReviewReason `gorm:"type:varchar(32);not null;uniqueIndex:idx_payment_reviews_transaction_reason" json:"reason"`
	ExpectedAmount   int64        `json:"expected_amount"`
	ReportedAmount   int64        `json:"reported_amount"`
	ExpectedCurrency string       `gorm:"type:char(3)" json:"expected_currency"`
	ReportedCurrency string       `gorm:"type:varchar(3)" json:"reported_currency"`
	Payload          RawJSON      `gorm:"type:jsonb" json:"-"`
	CreatedAt        time.Time    `json:"created_at"`
}

func (Review) TableName() string { return "payment_reviews" }

// Change describes why a status moves.
type Change struct {
	Source            string
	Reason            string
	ExternalReference string
	Raw               json.RawMessage
}

// RawJSON stores a gateway payload in a jsonb column. Empty values are NULL.
type RawJSON json.RawMessage

func (j RawJSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	if !json.Valid(j) {
		return nil, fmt.Errorf("raw gateway state is not valid json")
	}
	return string(j), nil
}

func (j *RawJSON) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = RawJSON(v)
	default:
		return fmt.Errorf("cannot scan %T into RawJSON", src)
	}
	return nil
}
