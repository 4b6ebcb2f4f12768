package memory

import (
	"context"
	"slices"

	"kasseledger/backend/internal/domain"
)

type memTx struct {
	st *state
}

func (st *state) getStoreProfile(storeID string) (*domain.StoreProfile, error) {
	profile, ok := st.profiles[storeID]
	if !ok {
		return nil, domain.NewNotFound("store", storeID)
	}
	return &profile, nil
}

func (st *state) getPaymentMethod(storeID string, methodID string) (*domain.PaymentMethod, error) {
	method, ok := st.methods[methodKey(storeID, methodID)]
	if !ok {
		return nil, domain.NewNotFound("payment method", methodID)
	}
	return &method, nil
}

func (st *state) listSessionCharges(storeID string, sessionID string) []domain.Charge {
	result := make([]domain.Charge, 0, 16)
	for _, c := range st.charges {
		if c.StoreID == storeID && c.SessionID == sessionID {
			result = append(result, cloneCharge(c))
		}
	}
	return result
}

func (st *state) listSessionFiscalEvents(storeID string, sessionID string) []domain.FiscalEvent {
	result := make([]domain.FiscalEvent, 0, 16)
	for _, ev := range st.fiscalEvents {
		if ev.StoreID == storeID && ev.SessionID == sessionID {
			result = append(result, ev)
		}
	}
	return result
}

func (st *state) getReceipt(storeID string, receiptID string) (*domain.Receipt, error) {
	r, ok := st.receipts[receiptID]
	if !ok || r.StoreID != storeID {
		return nil, domain.NewNotFound("receipt", receiptID)
	}
	r.ChargeIDs = slices.Clone(r.ChargeIDs)
	return &r, nil
}

func (st *state) findReceiptByIdempotency(storeID string, key string) (*domain.Receipt, error) {
	for _, r := range st.receipts {
		if r.StoreID == storeID && key != "" && r.IdempotencyKey == key {
			r.ChargeIDs = slices.Clone(r.ChargeIDs)
			return &r, nil
		}
	}
	return nil, domain.NewNotFound("receipt", key)
}

func (st *state) getSession(storeID string, sessionID string) (*domain.Session, error) {
	session, ok := st.sessions[sessionID]
	if !ok || session.StoreID != storeID {
		return nil, domain.NewNotFound("session", sessionID)
	}
	return &session, nil
}

func (st *state) findOpenSession(storeID string, deviceID string) (*domain.Session, error) {
	for _, session := range st.sessions {
		if session.StoreID == storeID && session.DeviceID == deviceID && session.IsOpen() {
			found := session
			return &found, nil
		}
	}
	return nil, domain.NewNotFound("open session", deviceID)
}

func (st *state) getGiftCard(storeID string, cardID string) (*domain.GiftCard, error) {
	card, ok := st.giftCards[cardID]
	if !ok || card.StoreID != storeID {
		return nil, domain.NewNotFound("gift card", cardID)
	}
	return &card, nil
}

func (st *state) findGiftCardByCode(storeID string, code string) (*domain.GiftCard, error) {
	id, ok := st.giftCardByCode[codeKey(storeID, code)]
	if !ok {
		return nil, domain.NewNotFound("gift card", code)
	}
	return st.getGiftCard(storeID, id)
}

func (t *memTx) GetStoreProfile(_ context.Context, storeID string) (*domain.StoreProfile, error) {
	return t.st.getStoreProfile(storeID)
}

func (t *memTx) GetPaymentMethod(_ context.Context, storeID string, methodID string) (*domain.PaymentMethod, error) {
	return t.st.getPaymentMethod(storeID, methodID)
}

func (t *memTx) ListSessionCharges(_ context.Context, storeID string, sessionID string) ([]domain.Charge, error) {
	return t.st.listSessionCharges(storeID, sessionID), nil
}

func (t *memTx) ListSessionFiscalEvents(_ context.Context, storeID string, sessionID string) ([]domain.FiscalEvent, error) {
	return t.st.listSessionFiscalEvents(storeID, sessionID), nil
}

func (t *memTx) GetReceipt(_ context.Context, storeID string, receiptID string) (*domain.Receipt, error) {
	return t.st.getReceipt(storeID, receiptID)
}

func (t *memTx) FindReceiptByIdempotency(_ context.Context, storeID string, key string) (*domain.Receipt, error) {
	return t.st.findReceiptByIdempotency(storeID, key)
}

func (t *memTx) NextSessionSequence(_ context.Context, storeID string) (int64, error) {
	next := t.st.sessionSeq[storeID] + 1
	t.st.sessionSeq[storeID] = next
	return next, nil
}

func (t *memTx) FindOpenSession(_ context.Context, storeID string, deviceID string) (*domain.Session, error) {
	return t.st.findOpenSession(storeID, deviceID)
}

func (t *memTx) CreateSession(_ context.Context, session domain.Session) error {
	if _, err := t.st.findOpenSession(session.StoreID, session.DeviceID); err == nil {
		return &domain.ConflictError{Resource: "session", Reason: "device already has an open session"}
	}
	for _, existing := range t.st.sessions {
		if existing.StoreID == session.StoreID && existing.SequenceNumber == session.SequenceNumber {
			return &domain.ConflictError{Resource: "session", Reason: "duplicate sequence number"}
		}
	}
	t.st.sessions[session.ID] = session
	return nil
}

func (t *memTx) LockSession(_ context.Context, storeID string, sessionID string) (*domain.Session, error) {
	return t.st.getSession(storeID, sessionID)
}

func (t *memTx) UpdateSession(_ context.Context, session domain.Session) error {
	if _, err := t.st.getSession(session.StoreID, session.ID); err != nil {
		return err
	}
	t.st.sessions[session.ID] = session
	return nil
}

func (t *memTx) CreateCharge(_ context.Context, charge domain.Charge) error {
	t.st.charges = append(t.st.charges, cloneCharge(charge))
	return nil
}

func (t *memTx) LockCharge(_ context.Context, storeID string, chargeID string) (*domain.Charge, error) {
	for _, c := range t.st.charges {
		if c.ID == chargeID && c.StoreID == storeID {
			found := cloneCharge(c)
			return &found, nil
		}
	}
	return nil, domain.NewNotFound("charge", chargeID)
}

// UpdateCharge copies the charge slice before writing so the published
// state keeps its own backing array.
func (t *memTx) UpdateCharge(_ context.Context, charge domain.Charge) error {
	i := slices.IndexFunc(t.st.charges, func(c domain.Charge) bool {
		return c.ID == charge.ID && c.StoreID == charge.StoreID
	})
	if i < 0 {
		return domain.NewNotFound("charge", charge.ID)
	}
	t.st.charges = slices.Clone(t.st.charges)
	t.st.charges[i] = cloneCharge(charge)
	return nil
}

func (t *memTx) NextReceiptNumber(_ context.Context, storeID string) (int64, error) {
	next := t.st.receiptSeq[storeID] + 1
	t.st.receiptSeq[storeID] = next
	return next, nil
}

func (t *memTx) CreateReceipt(_ context.Context, receipt domain.Receipt) error {
	if receipt.IdempotencyKey != "" {
		if _, err := t.st.findReceiptByIdempotency(receipt.StoreID, receipt.IdempotencyKey); err == nil {
			return &domain.ConflictError{Resource: "receipt", Reason: "idempotency key already used"}
		}
	}
	receipt.ChargeIDs = slices.Clone(receipt.ChargeIDs)
	t.st.receipts[receipt.ID] = receipt
	return nil
}

func (t *memTx) GiftCardCodeExists(_ context.Context, storeID string, code string) (bool, error) {
	_, exists := t.st.giftCardByCode[codeKey(storeID, code)]
	return exists, nil
}

func (t *memTx) CreateGiftCard(_ context.Context, card domain.GiftCard) error {
	key := codeKey(card.StoreID, card.Code)
	if _, exists := t.st.giftCardByCode[key]; exists {
		return &domain.ConflictError{Resource: "gift card", Reason: "code already issued"}
	}
	t.st.giftCards[card.ID] = card
	t.st.giftCardByCode[key] = card.ID
	return nil
}

func (t *memTx) LockGiftCard(_ context.Context, storeID string, cardID string) (*domain.GiftCard, error) {
	return t.st.getGiftCard(storeID, cardID)
}

func (t *memTx) LockGiftCardByCode(_ context.Context, storeID string, code string) (*domain.GiftCard, error) {
	return t.st.findGiftCardByCode(storeID, code)
}

func (t *memTx) UpdateGiftCard(_ context.Context, card domain.GiftCard) error {
	if _, err := t.st.getGiftCard(card.StoreID, card.ID); err != nil {
		return err
	}
	t.st.giftCards[card.ID] = card
	return nil
}

func (t *memTx) CreateGiftCardTransaction(_ context.Context, txn domain.GiftCardTransaction) error {
	t.st.giftCardTxns = append(t.st.giftCardTxns, txn)
	return nil
}

func (t *memTx) AppendFiscalEvent(_ context.Context, event domain.FiscalEvent) error {
	t.st.fiscalEvents = append(t.st.fiscalEvents, event)
	return nil
}

func cloneCharge(src domain.Charge) domain.Charge {
	dst := src
	dst.Metadata = slices.Clone(src.Metadata)
	return dst
}
