package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ayo6706/token-ledger/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrInvalidSignature = errors.New("invalid signature")

const (
	PaymentEventSucceeded = "payment.succeeded"
	PaymentEventRefunded  = "payment.refunded"
)

// PurchaseService credits token purchases confirmed by the card processor.
type PurchaseService struct {
	ledger  *Ledger
	hmacKey []byte
	skipSig bool
}

func NewPurchaseService(ledger *Ledger, hmacKey string, skipSignature bool) *PurchaseService {
	return &PurchaseService{ledger: ledger, hmacKey: []byte(hmacKey), skipSig: skipSignature}
}

// PaymentEvent is the processor's webhook body. Amount is in minor units of Unit.
type PaymentEvent struct {
	EventID         string `json:"event_id"`
	Type            string `json:"type"`
	AccountID       string `json:"account_id"`
	Amount          int64  `json:"amount"`
	Unit            string `json:"unit"`
	OriginalEventID string `json:"original_event_id,omitempty"`
}

type PaymentWebhookResponse struct {
	JournalID uuid.UUID `json:"journal_id"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
}

// HandlePaymentWebhook verifies and applies a processor event. Redelivered events replay
// the journal they produced the first time.
func (s *PurchaseService) HandlePaymentWebhook(ctx context.Context, payload []byte, signature string) (*PaymentWebhookResponse, error) {
	if !s.verifyHMAC(payload, signature) {
		return nil, ErrInvalidSignature
	}

	var ev PaymentEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: invalid payload: %v", domain.ErrInvalidRequest, err)
	}
	ev.EventID = strings.TrimSpace(ev.EventID)
	if ev.EventID == "" {
		return nil, fmt.Errorf("%w: event_id is required", domain.ErrInvalidRequest)
	}

	ctx = WithActor(ctx, "processor:"+ev.EventID)
	switch ev.Type {
	case PaymentEventSucceeded, "":
		return s.credit(ctx, ev)
	case PaymentEventRefunded:
		return s.refund(ctx, ev)
	default:
		return nil, fmt.Errorf("%w: unsupported event type %q", domain.ErrInvalidRequest, ev.Type)
	}
}

func (s *PurchaseService) credit(ctx context.Context, ev PaymentEvent) (*PaymentWebhookResponse, error) {
	accountID, err := uuid.Parse(strings.TrimSpace(ev.AccountID))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid account_id", domain.ErrInvalidRequest)
	}
	acct, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if unit := strings.ToUpper(strings.TrimSpace(ev.Unit)); unit != "" && unit != acct.Unit {
		return nil, fmt.Errorf("%w: account holds %s, event is %s", domain.ErrUnitMismatch, acct.Unit, unit)
	}
	treasury, err := s.ledger.SystemAccount(ctx, domain.AccountTypeTreasury, acct.Unit)
	if err != nil {
		return nil, fmt.Errorf("treasury for %s: %w", acct.Unit, err)
	}

	res, err := s.ledger.transfer(ctx, TransferRequest{
		FromAccountID:  treasury.ID,
		ToAccountID:    accountID,
		Amount:         ev.Amount,
		RefType:        domain.RefTypePurchase,
		RefID:          ev.EventID,
		IdempotencyKey: paymentKey(ev.EventID),
		Description:    "token purchase",
	})
	if err != nil {
		return nil, err
	}
	if res.Replayed {
		if !isPurchaseJournal(res.Journal, ev.EventID) {
			return nil, fmt.Errorf("%w: %s names journal %s (%s %s)", domain.ErrIdempotencyKeyCollision,
				paymentKey(ev.EventID), res.JournalID, res.Journal.RefType, res.Journal.RefID)
		}
		return &PaymentWebhookResponse{JournalID: res.JournalID, Status: "duplicate", Message: "Payment already processed"}, nil
	}
	return &PaymentWebhookResponse{JournalID: res.JournalID, Status: "completed", Message: "Purchase credited"}, nil
}

func (s *PurchaseService) refund(ctx context.Context, ev PaymentEvent) (*PaymentWebhookResponse, error) {
	original := strings.TrimSpace(ev.OriginalEventID)
	if original == "" {
		return nil, fmt.Errorf("%w: original_event_id is required for refunds", domain.ErrInvalidRequest)
	}
	j, err := s.ledger.store.Queries().GetJournalByIdempotencyKey(ctx, paymentKey(original))
	if err != nil {
		return nil, notFoundAs(err, domain.ErrJournalNotFound)
	}
	if !isPurchaseJournal(j, original) {
		return nil, fmt.Errorf("%w: %s names journal %s (%s %s)", domain.ErrIdempotencyKeyCollision,
			paymentKey(original), j.ID, j.RefType, j.RefID)
	}

	res, err := s.ledger.Reverse(ctx, ReverseRequest{
		JournalID: j.ID,
		Reason:    "refund " + ev.EventID,
		RefType:   domain.RefTypeRefund,
	})
	if err != nil {
		return nil, err
	}
	zap.L().Info("purchase refunded",
		zap.String("event_id", ev.EventID),
		zap.String("original_event_id", original),
		zap.String("journal_id", res.Journal.ID.String()))
	status := "completed"
	if res.Replayed {
		status = "duplicate"
	}
	return &PaymentWebhookResponse{JournalID: res.Journal.ID, Status: status, Message: "Purchase reversed"}, nil
}

func paymentKey(eventID string) string {
	return domain.KeyPrefixPayment + eventID
}

// isPurchaseJournal reports whether j is the credit posted for eventID.
func isPurchaseJournal(j domain.Journal, eventID string) bool {
	return j.RefType == domain.RefTypePurchase && j.RefID == eventID && j.ReversalOf == nil
}

// verifyHMAC checks a "sha256=<hex>" signature over the raw payload.
func (s *PurchaseService) verifyHMAC(payload []byte, signature string) bool {
	if s.skipSig {
		return true
	}
	if len(s.hmacKey) == 0 {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(Sign(s.hmacKey, payload)))
}

// Sign produces the signature header value for payload.
func Sign(key, payload []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}
