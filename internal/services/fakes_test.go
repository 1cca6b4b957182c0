package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/mirasi-app/go-mirasi-backend/internal/domain"
	"github.com/mirasi-app/go-mirasi-backend/internal/falqueue"
	"github.com/mirasi-app/go-mirasi-backend/internal/repo"
)

// ----- In-memory generation repo -----
//
// memGenRepo mirrors the real repository's guarded-update semantics so the
// state-machine behavior of the services can be exercised without a
// database: every transition checks the current status and reports
// repo.ErrStaleTransition when the guard does not match.

type memGenRepo struct {
	mu   sync.Mutex
	rows map[string]*domain.Generation

	createErr error
	getErr    error

	markProcessingCalls int
	markCompletedCalls  int
	markFailedCalls     int
}

func newMemGenRepo(rows ...*domain.Generation) *memGenRepo {
	m := &memGenRepo{rows: map[string]*domain.Generation{}}
	for _, g := range rows {
		cp := *g
		m.rows[g.ID] = &cp
	}
	return m
}

func (m *memGenRepo) row(id string) *domain.Generation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id]
}

func (m *memGenRepo) CreateGeneration(ctx context.Context, db *gorm.DB, g *domain.Generation) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	m.rows[g.ID] = &cp
	return nil
}

func (m *memGenRepo) GetGeneration(ctx context.Context, db *gorm.DB, id string) (*domain.Generation, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.rows[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *memGenRepo) MarkProcessing(ctx context.Context, db *gorm.DB, id, falRequestID, prompt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markProcessingCalls++
	g, ok := m.rows[id]
	if !ok || g.Status != domain.StatusPending {
		return repo.ErrStaleTransition
	}
	g.Status = domain.StatusProcessing
	g.FalRequestID = &falRequestID
	g.PromptUsed = &prompt
	return nil
}

func (m *memGenRepo) MarkCompleted(ctx context.Context, db *gorm.DB, id, hdPath, previewPath string, took time.Duration, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markCompletedCalls++
	g, ok := m.rows[id]
	if !ok || g.Status != domain.StatusProcessing {
		return repo.ErrStaleTransition
	}
	ms := took.Milliseconds()
	g.Status = domain.StatusCompleted
	g.GeneratedImagePath = &hdPath
	g.PreviewImagePath = &previewPath
	g.DurationMS = &ms
	g.CompletedAt = &completedAt
	g.ErrorMessage = nil
	return nil
}

func (m *memGenRepo) MarkFailed(ctx context.Context, db *gorm.DB, id, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markFailedCalls++
	g, ok := m.rows[id]
	if !ok || g.Status != domain.StatusProcessing {
		return repo.ErrStaleTransition
	}
	g.Status = domain.StatusFailed
	g.ErrorMessage = &message
	return nil
}

func (m *memGenRepo) CountUploadsSince(ctx context.Context, db *gorm.DB, userID string, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, g := range m.rows {
		if g.UserID == userID && !g.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memGenRepo) CountNonFailedSince(ctx context.Context, db *gorm.DB, userID string, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, g := range m.rows {
		if g.UserID == userID && !g.CreatedAt.Before(since) && g.Status != domain.StatusFailed {
			n++
		}
	}
	return n, nil
}

func (m *memGenRepo) CountActiveGenerations(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, g := range m.rows {
		if g.UserID == userID && (g.Status == domain.StatusProcessing || g.Status == domain.StatusCompleted) {
			n++
		}
	}
	return n, nil
}

func (m *memGenRepo) CountGenerations(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, g := range m.rows {
		if g.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (m *memGenRepo) ListGenerationsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Generation
	for _, g := range m.rows {
		if g.UserID == userID {
			out = append(out, *g)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *memGenRepo) FailStaleProcessing(ctx context.Context, db *gorm.DB, cutoff time.Time, message string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, g := range m.rows {
		if g.Status == domain.StatusProcessing && g.UpdatedAt.Before(cutoff) {
			g.Status = domain.StatusFailed
			msg := message
			g.ErrorMessage = &msg
			n++
		}
	}
	return n, nil
}

func (m *memGenRepo) RedactGeneration(ctx context.Context, db *gorm.DB, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.rows[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	g.SourceImagePath = ""
	g.GeneratedImagePath = nil
	g.PreviewImagePath = nil
	return nil
}

// ----- Payment counter -----

type fakePayCounter struct {
	n   int64
	err error
}

func (f *fakePayCounter) CountPaymentsForUser(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	return f.n, f.err
}

// ----- Object store -----

type fakeStore struct {
	mu               sync.Mutex
	objects          map[string][]byte // "bucket/path"
	removed          []string
	signed           []string
	failUploadBucket string
	signErr          error
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}}
}

func (f *fakeStore) Upload(ctx context.Context, bucket, path string, data []byte, contentType string) error {
	if bucket == f.failUploadBucket && f.failUploadBucket != "" {
		return errors.New("upload refused")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+path] = data
	return nil
}

func (f *fakeStore) Remove(ctx context.Context, bucket, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, bucket+"/"+path)
	delete(f.objects, bucket+"/"+path)
	return nil
}

func (f *fakeStore) SignedURL(ctx context.Context, bucket, path string, expiresIn time.Duration) (string, error) {
	if f.signErr != nil {
		return "", f.signErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signed = append(f.signed, bucket+"/"+path)
	return "https://signed.example/" + bucket + "/" + path, nil
}

func (f *fakeStore) PublicURL(bucket, path string) string {
	return "https://public.example/" + bucket + "/" + path
}

func (f *fakeStore) has(bucket, path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[bucket+"/"+path]
	return ok
}

// ----- Generation queue -----

type fakeQueue struct {
	submitModel string
	submitInput falqueue.SubmitInput
	submitID    string
	submitErr   error

	status      falqueue.JobStatus
	statusErr   error
	statusCalls int

	result      *falqueue.JobResult
	resultErr   error
	resultCalls int

	image     []byte
	fetchErr  error
	fetchHook func()
}

func (f *fakeQueue) Submit(ctx context.Context, model string, input falqueue.SubmitInput) (string, error) {
	f.submitModel, f.submitInput = model, input
	return f.submitID, f.submitErr
}

func (f *fakeQueue) Status(ctx context.Context, model, requestID string) (falqueue.JobStatus, error) {
	f.statusCalls++
	return f.status, f.statusErr
}

func (f *fakeQueue) Result(ctx context.Context, model, requestID string) (*falqueue.JobResult, error) {
	f.resultCalls++
	return f.result, f.resultErr
}

func (f *fakeQueue) FetchImage(ctx context.Context, url string) ([]byte, error) {
	if f.fetchHook != nil {
		f.fetchHook()
	}
	return f.image, f.fetchErr
}

// ----- Watermarker -----

type fakeMarker struct {
	err error
}

func (f *fakeMarker) Apply(src []byte) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return append([]byte("wm:"), src...), nil
}

// ----- Terminal cache -----

type fakeCache struct {
	mu   sync.Mutex
	data map[string][]byte
	hits int
	puts int
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: map[string][]byte{}}
}

func (f *fakeCache) Get(ctx context.Context, generationID string, dest any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.data[generationID]
	if !ok {
		return false
	}
	if json.Unmarshal(raw, dest) != nil {
		return false
	}
	f.hits++
	return true
}

func (f *fakeCache) Put(ctx context.Context, generationID string, v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	f.data[generationID] = raw
	f.puts++
}

func (f *fakeCache) Invalidate(ctx context.Context, generationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, generationID)
}

// ----- Order / payment repos -----

type memOrderRepo struct {
	mu   sync.Mutex
	rows map[string]*domain.Order
	seq  int

	createErr error
}

func newMemOrderRepo(rows ...*domain.Order) *memOrderRepo {
	m := &memOrderRepo{rows: map[string]*domain.Order{}}
	for _, o := range rows {
		cp := *o
		m.rows[o.ID] = &cp
	}
	return m
}

func (m *memOrderRepo) CreateOrder(ctx context.Context, db *gorm.DB, userID, generationID, gatewayOrderID string, amountPaise int64, currency string) (*domain.Order, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	o := &domain.Order{
		ID:             "o" + string(rune('0'+m.seq)),
		UserID:         userID,
		GenerationID:   generationID,
		GatewayOrderID: gatewayOrderID,
		AmountPaise:    amountPaise,
		Currency:       currency,
		Status:         domain.OrderCreated,
	}
	m.rows[o.ID] = o
	cp := *o
	return &cp, nil
}

func (m *memOrderRepo) GetOrder(ctx context.Context, db *gorm.DB, id string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.rows[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memOrderRepo) GetOrderByGatewayID(ctx context.Context, db *gorm.DB, gatewayOrderID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.rows {
		if o.GatewayOrderID == gatewayOrderID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *memOrderRepo) GetPaidOrder(ctx context.Context, db *gorm.DB, generationID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.rows {
		if o.GenerationID == generationID && o.Status == domain.OrderPaid {
			cp := *o
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *memOrderRepo) HasPaidOrder(ctx context.Context, db *gorm.DB, generationID string) (bool, error) {
	_, err := m.GetPaidOrder(ctx, db, generationID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (m *memOrderRepo) MarkOrderPaid(ctx context.Context, db *gorm.DB, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.rows[id]
	if !ok || (o.Status != domain.OrderCreated && o.Status != domain.OrderFailed) {
		return repo.ErrStaleTransition
	}
	for _, other := range m.rows {
		if other.ID != id && other.GenerationID == o.GenerationID && other.Status == domain.OrderPaid {
			return repo.ErrStaleTransition
		}
	}
	o.Status = domain.OrderPaid
	return nil
}

func (m *memOrderRepo) MarkOrderFailed(ctx context.Context, db *gorm.DB, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.rows[id]
	if !ok || o.Status == domain.OrderPaid || o.Status == domain.OrderRefunded {
		return repo.ErrStaleTransition
	}
	o.Status = domain.OrderFailed
	return nil
}

type memPaymentRepo struct {
	mu    sync.Mutex
	byGID map[string]*domain.Payment
}

func newMemPaymentRepo() *memPaymentRepo {
	return &memPaymentRepo{byGID: map[string]*domain.Payment{}}
}

func (m *memPaymentRepo) CreatePayment(ctx context.Context, db *gorm.DB, orderID, gatewayPaymentID, gatewaySignature string, amountPaise int64) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.byGID[gatewayPaymentID]; dup {
		return nil, repo.ErrDuplicate
	}
	p := &domain.Payment{
		ID:               "p-" + gatewayPaymentID,
		OrderID:          orderID,
		GatewayPaymentID: gatewayPaymentID,
		GatewaySignature: gatewaySignature,
		AmountPaise:      amountPaise,
	}
	m.byGID[gatewayPaymentID] = p
	cp := *p
	return &cp, nil
}

func (m *memPaymentRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byGID)
}

type memReceiptRepo struct {
	mu   sync.Mutex
	rows map[string]*domain.PurchaseReceipt // userID|generationID|key
}

func newMemReceiptRepo() *memReceiptRepo {
	return &memReceiptRepo{rows: map[string]*domain.PurchaseReceipt{}}
}

func receiptKey(userID, generationID, key string) string {
	return userID + "|" + generationID + "|" + key
}

func (m *memReceiptRepo) GetPurchaseReceipt(ctx context.Context, db *gorm.DB, userID, generationID, key string, now time.Time) (*domain.PurchaseReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[receiptKey(userID, generationID, key)]
	if !ok || !rec.ExpiresAt.After(now) {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memReceiptRepo) CreatePurchaseReceipt(ctx context.Context, db *gorm.DB, userID, generationID, key, orderID string, status int, ttl time.Duration) (*domain.PurchaseReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := receiptKey(userID, generationID, key)
	if _, dup := m.rows[k]; dup {
		return nil, repo.ErrDuplicate
	}
	now := time.Now().UTC()
	rec := &domain.PurchaseReceipt{
		ID: "r-" + key, UserID: userID, GenerationID: generationID,
		Key: key, OrderID: orderID, Status: status,
		CreatedAt: now, ExpiresAt: now.Add(ttl),
	}
	m.rows[k] = rec
	cp := *rec
	return &cp, nil
}

// ----- Payment gateway -----

type fakeGateway struct {
	createID  string
	createErr error
	notes     map[string]string

	paymentSigOK bool
	webhookSigOK bool
}

func (f *fakeGateway) CreateOrder(ctx context.Context, amountPaise int64, currency, receipt string, notes map[string]string) (string, error) {
	f.notes = notes
	return f.createID, f.createErr
}

func (f *fakeGateway) VerifyPaymentSignature(gatewayOrderID, gatewayPaymentID, signature string) bool {
	return f.paymentSigOK
}

func (f *fakeGateway) VerifyWebhookSignature(body []byte, signature string) bool {
	return f.webhookSigOK
}
