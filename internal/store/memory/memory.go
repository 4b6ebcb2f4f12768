package memory

import (
	"context"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"kasseledger/backend/internal/domain"
	"kasseledger/backend/internal/store"
)

const defaultLockTimeout = 5 * time.Second

// Store keeps the ledger in process memory. Units of work are serialized
// through a single writer slot and operate on a private copy of the state,
// which replaces the published state only on commit.
type Store struct {
	mu          sync.RWMutex
	current     *state
	writer      chan struct{}
	lockTimeout time.Duration
}

type Option func(*Store)

// WithLockTimeout bounds how long a unit of work waits for the writer slot.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

type state struct {
	profiles       map[string]domain.StoreProfile
	methods        map[string]domain.PaymentMethod
	sessions       map[string]domain.Session
	sessionSeq     map[string]int64
	receiptSeq     map[string]int64
	receipts       map[string]domain.Receipt
	charges        []domain.Charge
	giftCards      map[string]domain.GiftCard
	giftCardByCode map[string]string
	giftCardTxns   []domain.GiftCardTransaction
	fiscalEvents   []domain.FiscalEvent
	users          map[string]domain.UserAccount
}

func newState() *state {
	return &state{
		profiles:       make(map[string]domain.StoreProfile),
		methods:        make(map[string]domain.PaymentMethod),
		sessions:       make(map[string]domain.Session),
		sessionSeq:     make(map[string]int64),
		receiptSeq:     make(map[string]int64),
		receipts:       make(map[string]domain.Receipt),
		charges:        make([]domain.Charge, 0, 128),
		giftCards:      make(map[string]domain.GiftCard),
		giftCardByCode: make(map[string]string),
		giftCardTxns:   make([]domain.GiftCardTransaction, 0, 64),
		fiscalEvents:   make([]domain.FiscalEvent, 0, 128),
		users:          make(map[string]domain.UserAccount),
	}
}

// clone copies every map and clips every slice so appends made by a unit of
// work never write into the published backing arrays.
func (st *state) clone() *state {
	return &state{
		profiles:       maps.Clone(st.profiles),
		methods:        maps.Clone(st.methods),
		sessions:       maps.Clone(st.sessions),
		sessionSeq:     maps.Clone(st.sessionSeq),
		receiptSeq:     maps.Clone(st.receiptSeq),
		receipts:       maps.Clone(st.receipts),
		charges:        slices.Clip(st.charges),
		giftCards:      maps.Clone(st.giftCards),
		giftCardByCode: maps.Clone(st.giftCardByCode),
		giftCardTxns:   slices.Clip(st.giftCardTxns),
		fiscalEvents:   slices.Clip(st.fiscalEvents),
		users:          maps.Clone(st.users),
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		current:     newState(),
		writer:      make(chan struct{}, 1),
		lockTimeout: defaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewSeeded returns a store with a demo tenant, its payment methods and the
// dev operator accounts.
func NewSeeded(opts ...Option) *Store {
	s := New(opts...)
	st := s.current

	st.profiles["main-store"] = domain.StoreProfile{
		ID:                "main-store",
		Name:              "Hovedbutikken",
		Currency:          "NOK",
		VATRate:           "0.25",
		GiftCardMinAmount: 10000,
		GiftCardMaxAmount: 1000000,
		AutoPrint:         true,
	}
	for _, m := range []domain.PaymentMethod{
		{ID: "cash", Name: "Kontant", Provider: domain.ProviderCash, Enabled: true},
		{ID: "card", Name: "Bankkort", Provider: domain.ProviderCard, Enabled: true},
		{ID: "vipps", Name: "Vipps", Provider: domain.ProviderOther, Enabled: true},
		{ID: "gift-card", Name: "Gavekort", Provider: domain.ProviderGiftCard, Enabled: true},
		{ID: "invoice", Name: "Faktura", Provider: domain.ProviderOther, Enabled: false},
	} {
		m.StoreID = "main-store"
		m.FiscalPaymentCode = domain.PaymentFiscalCode(m.Provider)
		st.methods[methodKey(m.StoreID, m.ID)] = m
	}
	st.users = seedUsers("main-store")
	return s
}

// seedUsers builds the initial in-memory operator accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD, with
// dev defaults and a warning when unset.
func seedUsers(storeID string) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Warn().Str("component", "memory-store").Msg("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.MinCost)
		if err != nil {
			log.Fatal().Err(err).Str("username", u.username).Msg("failed to hash seed password")
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			StoreID:   storeID,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// PutStoreProfile and PutPaymentMethod register tenant configuration.
func (s *Store) PutStoreProfile(profile domain.StoreProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.current.clone()
	next.profiles[profile.ID] = profile
	s.current = next
}

func (s *Store) PutPaymentMethod(method domain.PaymentMethod) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.current.clone()
	if method.FiscalPaymentCode == "" {
		method.FiscalPaymentCode = domain.PaymentFiscalCode(method.Provider)
	}
	next.methods[methodKey(method.StoreID, method.ID)] = method
	s.current = next
}

func (s *Store) snapshot() *state {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer func() { <-s.writer }()

	work := s.snapshot().clone()
	if err := fn(ctx, &memTx{st: work}); err != nil {
		return err
	}

	s.mu.Lock()
	s.current = work
	s.mu.Unlock()
	return nil
}

func (s *Store) acquire(ctx context.Context) error {
	select {
	case s.writer <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()
	select {
	case s.writer <- struct{}{}:
		return nil
	case <-timer.C:
		return &domain.LockTimeoutError{Resource: "ledger", Waited: s.lockTimeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) GetStoreProfile(ctx context.Context, storeID string) (*domain.StoreProfile, error) {
	return s.snapshot().getStoreProfile(storeID)
}

func (s *Store) GetPaymentMethod(ctx context.Context, storeID string, methodID string) (*domain.PaymentMethod, error) {
	return s.snapshot().getPaymentMethod(storeID, methodID)
}

func (s *Store) ListSessionCharges(ctx context.Context, storeID string, sessionID string) ([]domain.Charge, error) {
	return s.snapshot().listSessionCharges(storeID, sessionID), nil
}

func (s *Store) ListSessionFiscalEvents(ctx context.Context, storeID string, sessionID string) ([]domain.FiscalEvent, error) {
	return s.snapshot().listSessionFiscalEvents(storeID, sessionID), nil
}

func (s *Store) GetReceipt(ctx context.Context, storeID string, receiptID string) (*domain.Receipt, error) {
	return s.snapshot().getReceipt(storeID, receiptID)
}

func (s *Store) FindReceiptByIdempotency(ctx context.Context, storeID string, key string) (*domain.Receipt, error) {
	return s.snapshot().findReceiptByIdempotency(storeID, key)
}

func (s *Store) GetSession(ctx context.Context, storeID string, sessionID string) (*domain.Session, error) {
	return s.snapshot().getSession(storeID, sessionID)
}

func (s *Store) FindOpenSession(ctx context.Context, storeID string, deviceID string) (*domain.Session, error) {
	return s.snapshot().findOpenSession(storeID, deviceID)
}

func (s *Store) GetGiftCard(ctx context.Context, storeID string, cardID string) (*domain.GiftCard, error) {
	return s.snapshot().getGiftCard(storeID, cardID)
}

func (s *Store) FindGiftCardByCode(ctx context.Context, storeID string, code string) (*domain.GiftCard, error) {
	return s.snapshot().findGiftCardByCode(storeID, code)
}

func (s *Store) ListGiftCardTransactions(ctx context.Context, storeID string, cardID string) ([]domain.GiftCardTransaction, error) {
	st := s.snapshot()
	if _, err := st.getGiftCard(storeID, cardID); err != nil {
		return nil, err
	}
	result := make([]domain.GiftCardTransaction, 0, 8)
	for _, txn := range st.giftCardTxns {
		if txn.GiftCardID == cardID {
			result = append(result, txn)
		}
	}
	return result, nil
}

func (s *Store) AppendFiscalEvent(ctx context.Context, event domain.FiscalEvent) error {
	return s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.AppendFiscalEvent(ctx, event)
	})
}

func (s *Store) LatestFiscalEvent(ctx context.Context, storeID string, deviceID string, code domain.FiscalCode, since time.Time) (*domain.FiscalEvent, error) {
	events := s.snapshot().fiscalEvents
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.OccurredAt.Before(since) {
			continue
		}
		if ev.StoreID == storeID && ev.DeviceID == deviceID && ev.Code == code {
			found := ev
			return &found, nil
		}
	}
	return nil, domain.NewNotFound("fiscal event", string(code))
}

func (s *Store) ListFiscalEvents(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.FiscalEvent, error) {
	result := make([]domain.FiscalEvent, 0, 64)
	for _, ev := range s.snapshot().fiscalEvents {
		if ev.StoreID != storeID || ev.OccurredAt.Before(from) || !ev.OccurredAt.Before(to) {
			continue
		}
		result = append(result, ev)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) ListCharges(ctx context.Context, storeID string, from time.Time, to time.Time) ([]domain.Charge, error) {
	result := make([]domain.Charge, 0, 64)
	for _, c := range s.snapshot().charges {
		if c.StoreID != storeID || c.CreatedAt.Before(from) || !c.CreatedAt.Before(to) {
			continue
		}
		result = append(result, c)
	}
	return result, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	return s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		st := tx.(*memTx).st
		if _, exists := st.users[user.Username]; exists {
			return &domain.ConflictError{Resource: "user", Reason: "username already exists"}
		}
		st.users[user.Username] = user
		return nil
	})
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	users := s.snapshot().users
	result := make([]domain.UserAccount, 0, len(users))
	for _, u := range users {
		result = append(result, u)
	}
	slices.SortFunc(result, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return result, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	return s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		st := tx.(*memTx).st
		user, ok := st.users[username]
		if !ok {
			return domain.NewNotFound("user", username)
		}
		user.Password = password
		st.users[username] = user
		return nil
	})
}

func methodKey(storeID string, methodID string) string {
	return storeID + "|" + methodID
}

func codeKey(storeID string, code string) string {
	return storeID + "|" + strings.ToUpper(code)
}
