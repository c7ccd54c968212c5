package notify

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/pool-ledger/ledger"
)

// Message kinds carried in Envelope.Kind.
const (
	KindInvitation      = "invitation"
	KindPaymentReminder = "payment_reminder"
)

// PaymentReminder asks a guest who has not paid to settle their share
// before the event's payment date.
type PaymentReminder struct {
	RecipientEmail string          `json:"recipientEmail"`
	EventID        ledger.EventID  `json:"eventId"`
	EventName      string          `json:"eventName"`
	PaymentDate    time.Time       `json:"paymentDate"`
	AmountDue      decimal.Decimal `json:"amountDue"`
	JoinLink       string          `json:"joinLink"`
}

// Envelope is the JSON body published for every notification.
type Envelope struct {
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload as a message of the given kind.
func NewEnvelope(kind string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Kind: kind, Timestamp: time.Now().UTC(), Payload: raw}, nil
}

// ToJSON converts the envelope to JSON bytes.
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// EnvelopeFromJSON decodes an envelope.
func EnvelopeFromJSON(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
