package fiscal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"kasseledger/backend/internal/cache"
	"kasseledger/backend/internal/domain"
	"kasseledger/backend/internal/metrics"
	"kasseledger/backend/internal/store"
	"kasseledger/backend/internal/xid"
)

// Entry describes one occurrence to append. Description defaults to the
// catalog text for Code and OccurredAt defaults to now.
type Entry struct {
	StoreID         string
	DeviceID        string
	SessionID       string
	OperatorID      string
	Code            domain.FiscalCode
	Description     string
	RelatedChargeID string
	Payload         any
	OccurredAt      time.Time
}

// Log is the append-only fiscal event recorder. It has no update or delete
// path.
type Log struct {
	repo   store.Repository
	gate   cache.EventGate
	window time.Duration
	now    func() time.Time
}

func NewLog(repo store.Repository, gate cache.EventGate, dedupeWindow time.Duration) *Log {
	if gate == nil {
		gate = cache.NoopEventGate{}
	}
	return &Log{
		repo:   repo,
		gate:   gate,
		window: dedupeWindow,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Record appends an event inside tx. A failed append fails the unit of work.
func (l *Log) Record(ctx context.Context, tx store.Tx, entry Entry) (domain.FiscalEvent, error) {
	event, err := l.build(entry)
	if err != nil {
		return domain.FiscalEvent{}, err
	}
	if err := tx.AppendFiscalEvent(ctx, event); err != nil {
		return domain.FiscalEvent{}, err
	}
	return event, nil
}

// RecordStandalone appends a non-financial event on its own. Suppressible
// codes already seen for the same store and device inside the dedupe window
// are dropped; recorded reports whether a new row was written. The check is
// best effort and takes no lock.
func (l *Log) RecordStandalone(ctx context.Context, entry Entry) (event domain.FiscalEvent, recorded bool, err error) {
	event, err = l.build(entry)
	if err != nil {
		return domain.FiscalEvent{}, false, err
	}

	if event.Code.Suppressible() && l.window > 0 {
		if existing, dup := l.duplicate(ctx, event); dup {
			metrics.FiscalEventsTotal.WithLabelValues(string(event.Code), "suppressed").Inc()
			log.Debug().
				Str("component", "fiscal").
				Str("store_id", event.StoreID).
				Str("device_id", event.DeviceID).
				Str("code", string(event.Code)).
				Msg("suppressed duplicate fiscal event")
			return existing, false, nil
		}
	}

	if err := l.repo.AppendFiscalEvent(ctx, event); err != nil {
		return domain.FiscalEvent{}, false, err
	}
	metrics.FiscalEventsTotal.WithLabelValues(string(event.Code), "recorded").Inc()
	return event, true, nil
}

func (l *Log) duplicate(ctx context.Context, event domain.FiscalEvent) (domain.FiscalEvent, bool) {
	key := event.StoreID + ":" + event.DeviceID + ":" + string(event.Code)
	claimed, err := l.gate.Claim(ctx, key, l.window)
	if err != nil {
		log.Warn().Err(err).Str("component", "fiscal").Str("key", key).Msg("event gate unavailable, falling back to store lookup")
		claimed = true
	}

	latest, err := l.repo.LatestFiscalEvent(ctx, event.StoreID, event.DeviceID, event.Code, event.OccurredAt.Add(-l.window))
	switch {
	case err == nil:
		return *latest, true
	case errors.Is(err, domain.ErrNotFound):
	default:
		log.Warn().Err(err).Str("component", "fiscal").Str("code", string(event.Code)).Msg("duplicate lookup failed")
	}
	if !claimed {
		return domain.FiscalEvent{}, true
	}
	return domain.FiscalEvent{}, false
}

func (l *Log) build(entry Entry) (domain.FiscalEvent, error) {
	if !entry.Code.Valid() {
		return domain.FiscalEvent{}, domain.NewValidation("code", "unknown fiscal code %q", entry.Code)
	}
	if entry.StoreID == "" {
		return domain.FiscalEvent{}, domain.NewValidation("store_id", "is required")
	}

	payload, err := encodePayload(entry.Payload)
	if err != nil {
		return domain.FiscalEvent{}, domain.NewValidation("payload", "%v", err)
	}

	occurredAt := entry.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = l.now()
	}
	description := entry.Description
	if description == "" {
		description = entry.Code.Description()
	}

	return domain.FiscalEvent{
		ID:              xid.New("fe"),
		StoreID:         entry.StoreID,
		DeviceID:        entry.DeviceID,
		SessionID:       entry.SessionID,
		OperatorID:      entry.OperatorID,
		Code:            entry.Code,
		Category:        entry.Code.Category(),
		Description:     description,
		RelatedChargeID: entry.RelatedChargeID,
		Payload:         payload,
		OccurredAt:      occurredAt,
	}, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) == 0 {
			return nil, nil
		}
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return p, nil
	default:
		return json.Marshal(p)
	}
}
