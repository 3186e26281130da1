package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"saf-broker/internal/artifact"
	"saf-broker/internal/domain"
	"saf-broker/internal/infrastructure/notify"
	"saf-broker/internal/infrastructure/payment"
	"saf-broker/internal/infrastructure/registry"
	"saf-broker/internal/lock"
	"saf-broker/internal/repo"
)

// memDB backs the in-memory repositories. Values are copied in and out so
// callers never share pointers with the store.
type memDB struct {
	mu       sync.Mutex
	nextID   int64
	orders   map[int64]domain.Order
	payments map[int64]domain.Payment
	certs    map[int64]domain.Certificate

	failCertInsert error
}

func newMemDB() *memDB {
	return &memDB{
		nextID:   1000,
		orders:   make(map[int64]domain.Order),
		payments: make(map[int64]domain.Payment),
		certs:    make(map[int64]domain.Certificate),
	}
}

func (m *memDB) id() int64 {
	m.nextID++
	return m.nextID
}

type memTx struct{}

func (memTx) WithinTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return fn(nil)
}

type memOrders struct{ db *memDB }

func (r memOrders) CreateOrder(ctx context.Context, tx *sqlx.Tx, order *domain.Order) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if order.ID == 0 {
		order.ID = r.db.id()
	}
	r.db.orders[order.ID] = *order
	return nil
}

func (r memOrders) FindById(ctx context.Context, id int64) (*domain.Order, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	o, ok := r.db.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (r memOrders) UpdateOrderStatus(ctx context.Context, tx *sqlx.Tx, order *domain.Order) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	o, ok := r.db.orders[order.ID]
	if !ok {
		return domain.ErrNotFound
	}
	o.Status = order.Status
	o.CompletedAt = order.CompletedAt
	o.Notes = order.Notes
	o.UpdatedAt = order.UpdatedAt
	r.db.orders[order.ID] = o
	return nil
}

func (r memOrders) FindAwaitingFulfillment(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Order, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var out []domain.Order
	for _, o := range r.db.orders {
		if _, hasCert := r.db.certs[o.ID]; o.Status == domain.OrderPaid && !hasCert && o.UpdatedAt.Before(cutoff) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memPayments struct{ db *memDB }

func (r memPayments) CreatePayment(ctx context.Context, tx *sqlx.Tx, p *domain.Payment) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if p.ID == 0 {
		p.ID = r.db.id()
	}
	r.db.payments[p.ID] = *p
	return nil
}

func (r memPayments) FindById(ctx context.Context, id int64) (*domain.Payment, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	p, ok := r.db.payments[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (r memPayments) FindBySessionID(ctx context.Context, sessionID string) (*domain.Payment, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, p := range r.db.payments {
		if p.SessionID != nil && *p.SessionID == sessionID {
			return &p, nil
		}
	}
	return nil, nil
}

func (r memPayments) FindByOrderID(ctx context.Context, orderID int64) ([]domain.Payment, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []domain.Payment
	for _, p := range r.db.payments {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (r memPayments) UpdatePayment(ctx context.Context, tx *sqlx.Tx, p *domain.Payment) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cur, ok := r.db.payments[p.ID]
	if !ok {
		return domain.ErrNotFound
	}
	next := *p
	if next.SessionID == nil {
		next.SessionID = cur.SessionID
	}
	if next.PaymentIntentID == nil {
		next.PaymentIntentID = cur.PaymentIntentID
	}
	r.db.payments[p.ID] = next
	return nil
}

func (r memPayments) FindProcessingBefore(ctx context.Context, before time.Time, limit int) ([]domain.Payment, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []domain.Payment
	for _, p := range r.db.payments {
		if p.Status == domain.PaymentProcessing && p.SessionID != nil && p.CreatedAt.Before(before) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memCerts struct{ db *memDB }

func (r memCerts) CreateCertificate(ctx context.Context, tx *sqlx.Tx, cert *domain.Certificate) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.failCertInsert != nil {
		return r.db.failCertInsert
	}
	if _, dup := r.db.certs[cert.OrderID]; dup {
		return fmt.Errorf("duplicate certificate for order %d", cert.OrderID)
	}
	cert.ID = r.db.id()
	r.db.certs[cert.OrderID] = *cert
	return nil
}

func (r memCerts) FindByOrderID(ctx context.Context, orderID int64) (*domain.Certificate, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.certs[orderID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r memCerts) FindByRegistryPrefix(ctx context.Context, prefix string, limit int) ([]domain.Certificate, error) {
	return nil, nil
}

var (
	_ repo.OrderRepo       = memOrders{}
	_ repo.PaymentRepo     = memPayments{}
	_ repo.CertificateRepo = memCerts{}
)

type memStore struct {
	mu   sync.Mutex
	puts int
	err  error
}

func (s *memStore) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.puts++
	return "https://docs.example.com/" + key, nil
}

func (s *memStore) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *memStore) putCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

type stubRegistrar struct {
	id    string
	err   error
	calls atomic.Int32
}

func (s *stubRegistrar) Name() string { return "stub" }

func (s *stubRegistrar) Register(ctx context.Context, orderID int64, artifactURI string) (string, error) {
	s.calls.Add(1)
	return s.id, s.err
}

// countingGateway wraps the simulator so tests can count and fail refunds.
type countingGateway struct {
	*payment.Simulator
	refunds   atomic.Int32
	refundErr error
	statusErr error
}

func (g *countingGateway) Refund(ctx context.Context, paymentIntentID string, amount decimal.Decimal) (string, error) {
	g.refunds.Add(1)
	if g.refundErr != nil {
		return "", g.refundErr
	}
	return g.Simulator.Refund(ctx, paymentIntentID, amount)
}

func (g *countingGateway) SessionStatus(ctx context.Context, sessionID string) (*payment.SessionStatus, error) {
	if g.statusErr != nil {
		return nil, g.statusErr
	}
	return g.Simulator.SessionStatus(ctx, sessionID)
}

type sentNotification struct {
	kind    notify.Kind
	order   domain.Order
	payload notify.Payload
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) Notify(kind notify.Kind, order domain.Order, payload notify.Payload) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{kind: kind, order: order, payload: payload})
}

func (n *recordingNotifier) kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Kind, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.kind)
	}
	return out
}

type harness struct {
	db        *memDB
	store     *memStore
	registrar *stubRegistrar
	gateway   *countingGateway
	notifier  *recordingNotifier
	svc       FulfillmentService
	orders    OrderService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		db:        newMemDB(),
		store:     &memStore{},
		registrar: &stubRegistrar{id: "SAFR-000001"},
		gateway:   &countingGateway{Simulator: payment.NewSimulator("http://sim.local")},
		notifier:  &recordingNotifier{},
	}
	locker := lock.NewKeyedMutex()
	h.svc = NewFulfillmentService(FulfillmentDeps{
		Tx:              memTx{},
		OrderRepo:       memOrders{h.db},
		PaymentRepo:     memPayments{h.db},
		CertificateRepo: memCerts{h.db},
		Locker:          locker,
		Artifacts:       artifact.NewGenerator(h.store),
		Registry:        registry.NewClient(time.Second, h.registrar),
		Gateway:         h.gateway,
		Notifier:        h.notifier,
	})
	h.orders = NewOrderService(OrderDeps{
		Tx:              memTx{},
		OrderRepo:       memOrders{h.db},
		PaymentRepo:     memPayments{h.db},
		CertificateRepo: memCerts{h.db},
		Locker:          locker,
		Gateway:         h.gateway,
		Notifier:        h.notifier,
		GatewayConfig:   testGatewayConfig,
	})
	return h
}

// seedOrder stores a priced order with the given id and status.
func (h *harness) seedOrder(id int64, status domain.OrderStatus) domain.Order {
	now := time.Now().UTC().Add(-time.Hour)
	price := decimal.NewFromInt(100)
	o := domain.Order{
		ID:          id,
		BuyerEmail:  "buyer@example.com",
		Flight:      domain.Flight{Number: "UA100", DepartureAirport: "SFO", ArrivalAirport: "JFK"},
		EmissionsKg: 512.5,
		SAFVolume:   120,
		Price:       price,
		PlatformFee: domain.PlatformFee(price),
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	h.db.mu.Lock()
	h.db.orders[id] = o
	h.db.mu.Unlock()
	return o
}

// seedPayment opens a simulator session for the order and stores a PROCESSING payment.
func (h *harness) seedPayment(t *testing.T, orderID, paymentID int64) domain.Payment {
	t.Helper()
	h.db.mu.Lock()
	o := h.db.orders[orderID]
	h.db.mu.Unlock()

	sess, err := h.gateway.CreateCheckoutSession(context.Background(), payment.SessionRequest{
		OrderID: orderID, PaymentID: paymentID, Amount: o.Total(), Currency: domain.DefaultCurrency,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	now := time.Now().UTC().Add(-time.Hour)
	p := domain.Payment{
		ID:        paymentID,
		OrderID:   orderID,
		SessionID: &sess.ID,
		Amount:    o.Total(),
		Currency:  domain.DefaultCurrency,
		Status:    domain.PaymentProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	h.db.mu.Lock()
	h.db.payments[paymentID] = p
	h.db.mu.Unlock()
	return p
}

func (h *harness) order(id int64) domain.Order {
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	return h.db.orders[id]
}

func (h *harness) payment(id int64) domain.Payment {
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	return h.db.payments[id]
}

func (h *harness) certificate(orderID int64) (domain.Certificate, bool) {
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	c, ok := h.db.certs[orderID]
	return c, ok
}

var errStoreDown = errors.New("document store unavailable")
