package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lnurl-bridge/backend/internal/events"
	"github.com/lnurl-bridge/backend/internal/mint"
	"github.com/lnurl-bridge/backend/internal/models"
	"github.com/lnurl-bridge/backend/internal/repositories"
)

// --- transactions ---

type fakeTxStore struct {
	mu       sync.Mutex
	txs      map[uuid.UUID]*models.LnurlTransaction
	conflict map[uuid.UUID]bool
	updates  int
}

func newFakeTxStore() *fakeTxStore {
	return &fakeTxStore{txs: map[uuid.UUID]*models.LnurlTransaction{}, conflict: map[uuid.UUID]bool{}}
}

func cloneTx(t *models.LnurlTransaction) *models.LnurlTransaction {
	c := *t
	if t.ProtocolData.Withdraw != nil {
		w := *t.ProtocolData.Withdraw
		c.ProtocolData.Withdraw = &w
	}
	if t.ProtocolData.Address != nil {
		a := *t.ProtocolData.Address
		c.ProtocolData.Address = &a
	}
	if t.ProtocolData.External != nil {
		e := *t.ProtocolData.External
		c.ProtocolData.External = &e
	}
	if t.Lightning != nil {
		l := *t.Lightning
		c.Lightning = &l
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func (s *fakeTxStore) Create(_ context.Context, t *models.LnurlTransaction) error {
	if err := t.ProtocolData.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if w := t.ProtocolData.Withdraw; w != nil && w.K1 != "" {
		for _, existing := range s.txs {
			if ew := existing.ProtocolData.Withdraw; ew != nil && ew.K1 == w.K1 {
				return repositories.ErrDuplicate
			}
		}
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	t.Version = 1
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	s.txs[t.ID] = cloneTx(t)
	return nil
}

// put stores a record as-is, for seeding.
func (s *fakeTxStore) put(t *models.LnurlTransaction) *models.LnurlTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Version == 0 {
		t.Version = 1
	}
	s.txs[t.ID] = cloneTx(t)
	return t
}

func (s *fakeTxStore) get(id uuid.UUID) *models.LnurlTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.txs[id]; ok {
		return cloneTx(t)
	}
	return nil
}

func (s *fakeTxStore) all() []*models.LnurlTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.LnurlTransaction
	for _, t := range s.txs {
		out = append(out, cloneTx(t))
	}
	return out
}

func (s *fakeTxStore) GetByID(_ context.Context, id uuid.UUID) (*models.LnurlTransaction, error) {
	if t := s.get(id); t != nil {
		return t, nil
	}
	return nil, repositories.ErrNotFound
}

func (s *fakeTxStore) GetByK1(_ context.Context, k1 string) (*models.LnurlTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.txs {
		if w := t.ProtocolData.Withdraw; w != nil && w.K1 == k1 {
			return cloneTx(t), nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (s *fakeTxStore) GetByOperationID(_ context.Context, operationID string) (*models.LnurlTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.txs {
		if t.OperationID() == operationID {
			return cloneTx(t), nil
		}
	}
	return nil, repositories.ErrNotFound
}

// Update honours the version CAS like the SQL repository.
func (s *fakeTxStore) Update(_ context.Context, t *models.LnurlTransaction) error {
	if err := t.ProtocolData.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.txs[t.ID]
	if !ok || cur.Version != t.Version || s.conflict[t.ID] {
		return repositories.ErrVersionConflict
	}
	t.Version++
	t.UpdatedAt = time.Now()
	s.txs[t.ID] = cloneTx(t)
	s.updates++
	return nil
}

func (s *fakeTxStore) ListStuck(_ context.Context, walletKind string, now time.Time, limit int) ([]models.LnurlTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LnurlTransaction
	for _, t := range s.txs {
		if t.WalletKind != walletKind || t.TimeoutAt == nil || t.TimeoutAt.After(now) {
			continue
		}
		if t.Status != models.TxStatusPending && t.Status != models.TxStatusProcessing {
			continue
		}
		out = append(out, *cloneTx(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimeoutAt.Before(*out[j].TimeoutAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeTxStore) List(_ context.Context, f models.TxFilter) ([]models.LnurlTransaction, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LnurlTransaction
	for _, t := range s.txs {
		if f.UserID != uuid.Nil && t.UserID != f.UserID {
			continue
		}
		if f.GroupID != nil && (t.GroupID == nil || *t.GroupID != *f.GroupID) {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, *cloneTx(t))
	}
	return out, len(out), nil
}

func (s *fakeTxStore) ListWithdrawLinks(_ context.Context, userID uuid.UUID, _, _ int) ([]models.LnurlTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LnurlTransaction
	for _, t := range s.txs {
		if w := t.ProtocolData.Withdraw; w != nil && w.K1 != "" && t.UserID == userID {
			out = append(out, *cloneTx(t))
		}
	}
	return out, nil
}

// --- addresses ---

type fakeAddrStore struct {
	mu       sync.Mutex
	addrs    map[uuid.UUID]*models.Address
	payments []uuid.UUID
}

func newFakeAddrStore() *fakeAddrStore {
	return &fakeAddrStore{addrs: map[uuid.UUID]*models.Address{}}
}

func (s *fakeAddrStore) Create(_ context.Context, a *models.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.addrs {
		if strings.EqualFold(e.LocalPart, a.LocalPart) && e.Domain == a.Domain {
			return repositories.ErrDuplicate
		}
		if a.Type == models.AddressPersonal && e.Type == models.AddressPersonal && e.OwnerID == a.OwnerID {
			return repositories.ErrDuplicate
		}
		if a.Type == models.AddressGroup && e.Type == models.AddressGroup && *e.GroupID == *a.GroupID {
			return repositories.ErrDuplicate
		}
	}
	a.ID = uuid.New()
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	c := *a
	s.addrs[a.ID] = &c
	return nil
}

func (s *fakeAddrStore) find(match func(*models.Address) bool) (*models.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.addrs {
		if match(a) {
			c := *a
			return &c, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (s *fakeAddrStore) GetByID(_ context.Context, id uuid.UUID) (*models.Address, error) {
	return s.find(func(a *models.Address) bool { return a.ID == id })
}

func (s *fakeAddrStore) GetByLocalPart(_ context.Context, localPart, domain string) (*models.Address, error) {
	return s.find(func(a *models.Address) bool { return strings.EqualFold(a.LocalPart, localPart) && a.Domain == domain })
}

func (s *fakeAddrStore) GetPersonalByOwner(_ context.Context, ownerID uuid.UUID) (*models.Address, error) {
	return s.find(func(a *models.Address) bool { return a.OwnerID == ownerID && a.Type == models.AddressPersonal })
}

func (s *fakeAddrStore) GetGroupAddress(_ context.Context, groupID uuid.UUID) (*models.Address, error) {
	return s.find(func(a *models.Address) bool {
		return a.Type == models.AddressGroup && a.GroupID != nil && *a.GroupID == groupID
	})
}

func (s *fakeAddrStore) ListByOwner(_ context.Context, ownerID uuid.UUID) ([]models.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Address
	for _, a := range s.addrs {
		if a.OwnerID == ownerID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *fakeAddrStore) Update(_ context.Context, a *models.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.addrs[a.ID]; !ok {
		return repositories.ErrNotFound
	}
	c := *a
	s.addrs[a.ID] = &c
	return nil
}

func (s *fakeAddrStore) RecordPayment(_ context.Context, id uuid.UUID, amountMsats int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.addrs[id]
	if !ok {
		return repositories.ErrNotFound
	}
	a.Stats.TotalReceivedMsats += amountMsats
	a.Stats.PaymentCount++
	a.Stats.LastPaymentAt = &at
	s.payments = append(s.payments, id)
	return nil
}

func (s *fakeAddrStore) LocalPartTaken(ctx context.Context, localPart, domain string) (bool, error) {
	_, err := s.GetByLocalPart(ctx, localPart, domain)
	return err == nil, nil
}

// --- payment targets ---

type fakeTargetStore struct {
	mu      sync.Mutex
	targets map[uuid.UUID]*models.ExternalPaymentTarget
	uses    int
}

func newFakeTargetStore() *fakeTargetStore {
	return &fakeTargetStore{targets: map[uuid.UUID]*models.ExternalPaymentTarget{}}
}

func (s *fakeTargetStore) Upsert(_ context.Context, t *models.ExternalPaymentTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.targets {
		if e.UserID == t.UserID && e.Address == t.Address {
			e.Metadata = t.Metadata
			*t = *e
			return nil
		}
	}
	t.ID = uuid.New()
	c := *t
	s.targets[t.ID] = &c
	return nil
}

func (s *fakeTargetStore) RecordUse(_ context.Context, id uuid.UUID, amountMsats int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	if !ok {
		return repositories.ErrNotFound
	}
	t.Stats.TotalSentMsats += amountMsats
	t.Stats.PaymentCount++
	t.Stats.LastUsedAt = &at
	s.uses++
	return nil
}

func (s *fakeTargetStore) GetByID(_ context.Context, id uuid.UUID) (*models.ExternalPaymentTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	c := *t
	return &c, nil
}

func (s *fakeTargetStore) ListByUser(_ context.Context, userID uuid.UUID, _, _ int) ([]models.ExternalPaymentTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ExternalPaymentTarget
	for _, t := range s.targets {
		if t.UserID == userID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *fakeTargetStore) UpdatePreferences(_ context.Context, t *models.ExternalPaymentTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.targets[t.ID]
	if !ok {
		return repositories.ErrNotFound
	}
	e.Preferences = t.Preferences
	return nil
}

func (s *fakeTargetStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[id]; !ok {
		return repositories.ErrNotFound
	}
	delete(s.targets, id)
	return nil
}

// --- audit and events ---

type fakeAudit struct {
	mu      sync.Mutex
	entries []models.AuditLog
}

func (a *fakeAudit) Log(_ context.Context, entry models.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *fakeAudit) GetByEntity(_ context.Context, entityType string, entityID uuid.UUID, limit, offset int) ([]models.AuditLog, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []models.AuditLog
	for i := len(a.entries) - 1; i >= 0; i-- {
		e := a.entries[i]
		if e.EntityType == entityType && e.EntityID != nil && *e.EntityID == entityID {
			out = append(out, e)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	return out[offset:min(len(out), offset+limit)], nil
}

func (a *fakeAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

type published struct {
	stream string
	event  events.Event
}

type capturePublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *capturePublisher) Publish(_ context.Context, stream string, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{stream: stream, event: event})
	return nil
}

func (p *capturePublisher) ofType(eventType string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, e := range p.events {
		if e.event.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fakeSubscriber struct {
	mu       sync.Mutex
	handlers map[string]func(events.Event)
	err      error
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{handlers: map[string]func(events.Event){}}
}

func (s *fakeSubscriber) Subscribe(_ context.Context, stream string, handler func(events.Event)) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[stream] = handler
	return nil
}

func (s *fakeSubscriber) deliver(stream string, ev events.Event) bool {
	s.mu.Lock()
	h, ok := s.handlers[stream]
	s.mu.Unlock()
	if ok {
		h(ev)
	}
	return ok
}

// --- gateway ---

type fakeGateway struct {
	mu        sync.Mutex
	n         int
	payErr    error
	payStatus string
	statuses  map[string]string
	statusErr error
	decoded   map[string]*mint.DecodedInvoice
	paid      []string
	awaited   []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{statuses: map[string]string{}, decoded: map[string]*mint.DecodedInvoice{}}
}

func (g *fakeGateway) CreateInvoice(_ context.Context, req mint.InvoiceRequest) (*mint.Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	inv := &mint.Invoice{OperationID: fmt.Sprintf("op-%d", g.n), Invoice: fmt.Sprintf("lnbc%dn1test%d", req.AmountMsats/100, g.n)}
	g.decoded[inv.Invoice] = &mint.DecodedInvoice{AmountMsats: req.AmountMsats, PaymentHash: fmt.Sprintf("hash-%d", g.n), Timestamp: time.Now(), Expiry: time.Hour}
	return inv, nil
}

func (g *fakeGateway) Pay(_ context.Context, invoice string) (*mint.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paid = append(g.paid, invoice)
	if g.payErr != nil {
		return nil, g.payErr
	}
	status := g.payStatus
	if status == "" {
		status = mint.StatusCompleted
	}
	return &mint.Payment{OperationID: fmt.Sprintf("pay-%d", len(g.paid)), Status: status, FeeMsats: 10}, nil
}

func (g *fakeGateway) AwaitInvoice(_ context.Context, operationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.awaited = append(g.awaited, operationID)
}

func (g *fakeGateway) OperationStatus(_ context.Context, operationID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.statusErr != nil {
		return mint.StatusUnknown, g.statusErr
	}
	if s, ok := g.statuses[operationID]; ok {
		return s, nil
	}
	return mint.StatusUnknown, nil
}

func (g *fakeGateway) DecodeInvoice(invoice string) (*mint.DecodedInvoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d, ok := g.decoded[invoice]; ok {
		c := *d
		return &c, nil
	}
	return nil, mint.ErrInvalidInvoice
}

func (g *fakeGateway) CreateWithdrawPoint(req mint.WithdrawPointRequest) (*mint.WithdrawPoint, error) {
	return mint.BuildWithdrawPoint("https://api.example.com", req)
}

func (g *fakeGateway) addInvoice(invoice string, amountMsats int64, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.decoded[invoice] = &mint.DecodedInvoice{AmountMsats: amountMsats, PaymentHash: "h-" + invoice, Timestamp: at, Expiry: time.Hour, Payee: "02payee"}
}

func (g *fakeGateway) paidCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.paid)
}

// --- collaborators ---

type fakeWallets struct {
	mu          sync.Mutex
	deposits    []DepositRequest
	withdrawals []WalletWithdrawRequest
	depositErr  error
	withdrawRes *WalletResult
	withdrawErr error

	// When set, Deposit signals entered and waits for release.
	entered chan struct{}
	release chan struct{}
}

func (w *fakeWallets) Deposit(_ context.Context, req DepositRequest) (*WalletResult, error) {
	if w.entered != nil {
		w.entered <- struct{}{}
		<-w.release
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.depositErr != nil {
		return nil, w.depositErr
	}
	w.deposits = append(w.deposits, req)
	return &WalletResult{TxID: "wallet-" + req.TxID.String(), Status: WalletStatusComplete}, nil
}

func (w *fakeWallets) Withdraw(_ context.Context, req WalletWithdrawRequest) (*WalletResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.withdrawals = append(w.withdrawals, req)
	if w.withdrawErr != nil {
		return w.withdrawRes, w.withdrawErr
	}
	if w.withdrawRes != nil {
		return w.withdrawRes, nil
	}
	return &WalletResult{TxID: "wallet-out", OperationID: "wallet-op", Status: WalletStatusComplete}, nil
}

func (w *fakeWallets) depositCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.deposits)
}

type fakeGroups struct {
	members map[uuid.UUID]map[uuid.UUID]Membership
	err     error
}

func newFakeGroups() *fakeGroups {
	return &fakeGroups{members: map[uuid.UUID]map[uuid.UUID]Membership{}}
}

func (g *fakeGroups) set(groupID, userID uuid.UUID, role string, active bool) {
	if g.members[groupID] == nil {
		g.members[groupID] = map[uuid.UUID]Membership{}
	}
	g.members[groupID][userID] = Membership{Role: role, Active: active}
}

func (g *fakeGroups) Membership(_ context.Context, groupID, userID uuid.UUID) (*Membership, error) {
	if g.err != nil {
		return nil, g.err
	}
	m := g.members[groupID][userID]
	return &m, nil
}

type fixedRate struct {
	rate decimal.Decimal
	err  error
}

func (r fixedRate) Rate(context.Context, string) (decimal.Decimal, error) {
	return r.rate, r.err
}

var errBoom = errors.New("boom")

func testLogger() *zap.Logger {
	return zap.NewNop()
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
