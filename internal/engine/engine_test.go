package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"dcaengine/internal/config"
	"dcaengine/internal/ledger"
	"dcaengine/internal/lock"
	"dcaengine/internal/models"
	"dcaengine/internal/notify"
	"dcaengine/internal/oracle"
	"dcaengine/internal/repository"
)

// --- fakes ------------------------------------------------------------------

type fakeRepo struct {
	mu        sync.Mutex
	plans     map[uint64]models.Plan
	records   map[uint64]map[int]models.ExecutionRecord
	nextRecID uint64
}

func newFakeRepo(plans ...models.Plan) *fakeRepo {
	r := &fakeRepo{
		plans:   map[uint64]models.Plan{},
		records: map[uint64]map[int]models.ExecutionRecord{},
	}
	for _, p := range plans {
		r.plans[p.ID] = p
	}
	return r
}

func (r *fakeRepo) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(nil)
}

func (r *fakeRepo) GetPlanTx(ctx context.Context, tx *gorm.DB, id uint64) (*models.Plan, error) {
	p, ok := r.plans[id]
	if !ok {
		return nil, nil
	}
	cp := p
	return &cp, nil
}

func (r *fakeRepo) UpdatePlanTx(ctx context.Context, tx *gorm.DB, plan *models.Plan) error {
	r.plans[plan.ID] = *plan
	return nil
}

func (r *fakeRepo) SaveExecutionRecordTx(ctx context.Context, tx *gorm.DB, rec *models.ExecutionRecord) error {
	if rec.ID == 0 {
		r.nextRecID++
		rec.ID = r.nextRecID
	}
	if r.records[rec.PlanID] == nil {
		r.records[rec.PlanID] = map[int]models.ExecutionRecord{}
	}
	r.records[rec.PlanID][rec.ExecutionNumber] = *rec
	return nil
}

func (r *fakeRepo) FindExecutionRecordTx(ctx context.Context, tx *gorm.DB, planID uint64, executionNumber int) (*models.ExecutionRecord, error) {
	rec, ok := r.records[planID][executionNumber]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

func (r *fakeRepo) FindDuePlans(ctx context.Context, now time.Time, limit int) ([]repository.PlanRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var refs []repository.PlanRef
	for _, p := range r.plans {
		if p.Status != models.PlanStatusActive {
			continue
		}
		if p.NextExecutionAt.After(now) || p.ExecutionsCompleted >= p.TotalExecutions {
			continue
		}
		refs = append(refs, repository.PlanRef{ID: p.ID, OwnerID: p.OwnerID, NextExecutionAt: p.NextExecutionAt})
	}
	return refs, nil
}

func (r *fakeRepo) GetPlan(ctx context.Context, id uint64) (*models.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.GetPlanTx(ctx, nil, id)
}

func (r *fakeRepo) ListPlans(ctx context.Context, params repository.ListPlansParams) ([]models.Plan, error) {
	return nil, nil
}

func (r *fakeRepo) CountPlans(ctx context.Context, params repository.ListPlansParams) (int64, error) {
	return 0, nil
}

func (r *fakeRepo) ListExecutionRecords(ctx context.Context, planID uint64, limit, offset int) ([]models.ExecutionRecord, error) {
	return nil, nil
}

func (r *fakeRepo) plan(t *testing.T, id uint64) models.Plan {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plans[id]
	if !ok {
		t.Fatalf("plan %d missing from fake repo", id)
	}
	return p
}

func (r *fakeRepo) recordCount(planID uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records[planID])
}

func (r *fakeRepo) record(t *testing.T, planID uint64, number int) models.ExecutionRecord {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[planID][number]
	if !ok {
		t.Fatalf("record (%d, %d) missing from fake repo", planID, number)
	}
	return rec
}

type fakeLocker struct {
	mu      sync.Mutex
	held    map[string]bool
	denyAll bool
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]bool{}}
}

func (l *fakeLocker) Acquire(ctx context.Context, key string, lease time.Duration) lock.Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.denyAll || l.held[key] {
		return nil
	}
	l.held[key] = true
	return &fakeHandle{locker: l, key: key}
}

type fakeHandle struct {
	locker *fakeLocker
	key    string
}

func (h *fakeHandle) Key() string { return h.key }

func (h *fakeHandle) Release(ctx context.Context) bool {
	h.locker.mu.Lock()
	defer h.locker.mu.Unlock()
	delete(h.locker.held, h.key)
	return true
}

type fakeOracle struct {
	mu    sync.Mutex
	price decimal.Decimal
	err   error
	calls int
}

func (o *fakeOracle) CurrentPrice(ctx context.Context, pair string) (oracle.Quote, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.err != nil {
		return oracle.Quote{}, o.err
	}
	return oracle.Quote{Pair: pair, Price: o.price, Timestamp: time.Now().UTC(), Source: oracle.SourceLive}, nil
}

type fakeLedger struct {
	mu      sync.Mutex
	err     error
	calls   int
	lastReq ledger.SubmitRequest
}

func (l *fakeLedger) Submit(ctx context.Context, req ledger.SubmitRequest) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	l.lastReq = req
	if l.err != nil {
		return "", l.err
	}
	return fmt.Sprintf("0xtx-%d-%d", req.PlanID, req.ExecutionNumber), nil
}

type captureNotifier struct {
	ch chan notify.Event
}

func (n *captureNotifier) Notify(ctx context.Context, evt notify.Event) {
	select {
	case n.ch <- evt:
	default:
	}
}

type captureInvalidator struct {
	ch chan uint64
}

func (i *captureInvalidator) InvalidatePlan(ctx context.Context, planID uint64, ownerID string) {
	select {
	case i.ch <- planID:
	default:
	}
}

type testEnv struct {
	engine      *Engine
	repo        *fakeRepo
	locks       *fakeLocker
	oracle      *fakeOracle
	ledger      *fakeLedger
	events      chan notify.Event
	invalidated chan uint64
}

func newTestEnv(plans ...models.Plan) *testEnv {
	env := &testEnv{
		repo:        newFakeRepo(plans...),
		locks:       newFakeLocker(),
		oracle:      &fakeOracle{price: decimal.RequireFromString("65000.00")},
		ledger:      &fakeLedger{},
		events:      make(chan notify.Event, 8),
		invalidated: make(chan uint64, 8),
	}
	env.engine = &Engine{
		Repo:     env.repo,
		Locks:    env.locks,
		Oracle:   env.oracle,
		Ledger:   env.ledger,
		Cache:    &captureInvalidator{ch: env.invalidated},
		Notifier: &captureNotifier{ch: env.events},
		Logger:   zap.NewNop(),
		Config:   config.EngineConfig{PlanLockLease: 30 * time.Second},
	}
	return env
}

func testPlan() models.Plan {
	return models.Plan{
		ID:                  1,
		OwnerID:             "owner-1",
		DepositAsset:        "USDC",
		TargetAsset:         "BTC",
		DepositDecimals:     6,
		AmountPerExecution:  decimal.RequireFromString("100000000"),
		TotalExecutions:     12,
		ExecutionsCompleted: 3,
		Interval:            models.IntervalDaily,
		NextExecutionAt:     time.Now().UTC().Add(-time.Minute),
		Status:              models.PlanStatusActive,
	}
}

func waitEvent(t *testing.T, ch chan notify.Event) notify.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for notification")
		return notify.Event{}
	}
}

// --- tests ------------------------------------------------------------------

func TestExecutePlanHappyPath(t *testing.T) {
	env := newTestEnv(testPlan())

	res, err := env.engine.ExecutePlan(context.Background(), 1)
	if err != nil {
		t.Fatalf("ExecutePlan error: %v", err)
	}
	if res == nil {
		t.Fatalf("ExecutePlan returned nil result")
	}
	if !res.Success() {
		t.Fatalf("result = %+v, want success", res)
	}
	if res.ExecutionNumber != 4 {
		t.Fatalf("execution number = %d, want 4", res.ExecutionNumber)
	}
	if res.AmountOut == nil || res.AmountOut.StringFixed(8) != "0.00153846" {
		t.Fatalf("amount out = %v, want 0.00153846", res.AmountOut)
	}
	if res.LedgerTxID == nil || *res.LedgerTxID != "0xtx-1-4" {
		t.Fatalf("ledger tx id = %v", res.LedgerTxID)
	}

	plan := env.repo.plan(t, 1)
	if plan.ExecutionsCompleted != 4 {
		t.Fatalf("executions completed = %d, want 4", plan.ExecutionsCompleted)
	}
	if plan.Status != models.PlanStatusActive {
		t.Fatalf("status = %q, want active", plan.Status)
	}
	if !plan.NextExecutionAt.After(time.Now().UTC().Add(23 * time.Hour)) {
		t.Fatalf("next execution at = %v, want ~24h in the future", plan.NextExecutionAt)
	}

	rec := env.repo.record(t, 1, 4)
	if rec.Status != models.ExecutionStatusSuccess || rec.LedgerTxID == nil {
		t.Fatalf("stored record = %+v", rec)
	}

	if env.ledger.calls != 1 {
		t.Fatalf("ledger calls = %d, want 1", env.ledger.calls)
	}
	evt := waitEvent(t, env.events)
	if evt.Type != notify.EventPlanExecuted {
		t.Fatalf("event type = %q, want plan_executed", evt.Type)
	}
	select {
	case id := <-env.invalidated:
		if id != 1 {
			t.Fatalf("invalidated plan %d, want 1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for cache invalidation")
	}
}

func TestExecutePlanFinalExecutionCompletes(t *testing.T) {
	plan := testPlan()
	plan.ExecutionsCompleted = 11
	env := newTestEnv(plan)

	res, err := env.engine.ExecutePlan(context.Background(), 1)
	if err != nil {
		t.Fatalf("ExecutePlan error: %v", err)
	}
	if !res.Success() || res.ExecutionNumber != 12 {
		t.Fatalf("result = %+v, want success for slot 12", res)
	}
	if !res.PlanCompleted {
		t.Fatalf("PlanCompleted = false, want true")
	}

	stored := env.repo.plan(t, 1)
	if stored.ExecutionsCompleted != 12 || stored.Status != models.PlanStatusCompleted {
		t.Fatalf("plan = completed %d status %q, want 12/completed", stored.ExecutionsCompleted, stored.Status)
	}

	// A completed plan no longer satisfies the due predicate.
	refs, err := env.repo.FindDuePlans(context.Background(), time.Now().UTC().Add(time.Hour), 100)
	if err != nil {
		t.Fatalf("FindDuePlans error: %v", err)
	}
	if len(refs) != 0 {
		t.Fatalf("due plans = %v, want none", refs)
	}

	evt := waitEvent(t, env.events)
	if evt.Type != notify.EventPlanCompleted {
		t.Fatalf("event type = %q, want plan_completed", evt.Type)
	}
}

func TestExecutePlanLockContention(t *testing.T) {
	env := newTestEnv(testPlan())
	env.locks.denyAll = true

	res, err := env.engine.ExecutePlan(context.Background(), 1)
	if err != nil {
		t.Fatalf("ExecutePlan error: %v", err)
	}
	if res != nil {
		t.Fatalf("result = %+v, want nil under lock contention", res)
	}
	if env.ledger.calls != 0 || env.oracle.calls != 0 {
		t.Fatalf("collaborators called despite lock contention")
	}
}

func TestExecutePlanConcurrentDuplicateTick(t *testing.T) {
	env := newTestEnv(testPlan())

	type outcome struct {
		res *Result
		err error
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.engine.ExecutePlan(context.Background(), 1)
			results <- outcome{res, err}
		}()
	}
	wg.Wait()
	close(results)

	var executed, skipped int
	for out := range results {
		if out.err != nil {
			t.Fatalf("ExecutePlan error: %v", out.err)
		}
		if out.res == nil {
			skipped++
		} else {
			executed++
		}
	}
	// Exactly one invocation may win the per-plan lock in the same attempt
	// window; timing can let the loser run after release, where the
	// dueness guard stops it.
	if executed+skipped != 2 || executed < 1 {
		t.Fatalf("executed=%d skipped=%d", executed, skipped)
	}
	if env.repo.recordCount(1) != 1 {
		t.Fatalf("record count = %d, want 1", env.repo.recordCount(1))
	}
	if env.repo.plan(t, 1).ExecutionsCompleted != 4 {
		t.Fatalf("executions completed = %d, want 4", env.repo.plan(t, 1).ExecutionsCompleted)
	}
}

func TestExecutePlanNotActive(t *testing.T) {
	plan := testPlan()
	plan.Status = models.PlanStatusCancelled
	env := newTestEnv(plan)

	res, err := env.engine.ExecutePlan(context.Background(), 1)
	if err != nil {
		t.Fatalf("ExecutePlan error: %v", err)
	}
	if res == nil || res.Success() || res.Reason != ReasonNotActive {
		t.Fatalf("result = %+v, want failed with %q", res, ReasonNotActive)
	}
	if env.repo.recordCount(1) != 0 {
		t.Fatalf("record written for inactive plan")
	}
	if env.repo.plan(t, 1).ExecutionsCompleted != 3 {
		t.Fatalf("counters mutated for inactive plan")
	}
}

func TestExecutePlanAllCompletedDefensiveCheck(t *testing.T) {
	plan := testPlan()
	plan.ExecutionsCompleted = plan.TotalExecutions
	env := newTestEnv(plan)

	res, err := env.engine.ExecutePlan(context.Background(), 1)
	if err != nil {
		t.Fatalf("ExecutePlan error: %v", err)
	}
	if res == nil || res.Reason != ReasonAllCompleted {
		t.Fatalf("result = %+v, want %q", res, ReasonAllCompleted)
	}
	if env.repo.recordCount(1) != 0 {
		t.Fatalf("record written for finished plan")
	}
}

func TestExecutePlanNotDueAfterSuccess(t *testing.T) {
	env := newTestEnv(testPlan())

	if _, err := env.engine.ExecutePlan(context.Background(), 1); err != nil {
		t.Fatalf("first ExecutePlan error: %v", err)
	}
	res, err := env.engine.ExecutePlan(context.Background(), 1)
	if err != nil {
		t.Fatalf("second ExecutePlan error: %v", err)
	}
	if res == nil || res.Reason != ReasonNotDue {
		t.Fatalf("result = %+v, want %q", res, ReasonNotDue)
	}
	if env.repo.recordCount(1) != 1 {
		t.Fatalf("record count = %d, want 1", env.repo.recordCount(1))
	}
	if env.repo.plan(t, 1).ExecutionsCompleted != 4 {
		t.Fatalf("counters advanced twice")
	}
}

func TestExecutePlanPricingFailureKeepsSlot(t *testing.T) {
	env := newTestEnv(testPlan())
	env.oracle.err = errors.New("all price sources down")

	res, err := env.engine.ExecutePlan(context.Background(), 1)
	if err != nil {
		t.Fatalf("ExecutePlan error: %v", err)
	}
	if res == nil || res.Success() || res.ExecutionNumber != 4 {
		t.Fatalf("result = %+v, want failed slot 4", res)
	}

	plan := env.repo.plan(t, 1)
	if plan.ExecutionsCompleted != 3 {
		t.Fatalf("counters advanced on pricing failure")
	}
	if plan.NextExecutionAt.After(time.Now().UTC()) {
		t.Fatalf("next execution pushed out on pricing failure")
	}
	rec := env.repo.record(t, 1, 4)
	if rec.Status != models.ExecutionStatusFailed || rec.Price != nil {
		t.Fatalf("stored record = %+v", rec)
	}

	// Oracle recovers; the retry lands in the same slot and the failed
	// record is superseded rather than duplicated.
	env.oracle.mu.Lock()
	env.oracle.err = nil
	env.oracle.mu.Unlock()

	res, err = env.engine.ExecutePlan(context.Background(), 1)
	if err != nil {
		t.Fatalf("retry ExecutePlan error: %v", err)
	}
	if !res.Success() || res.ExecutionNumber != 4 {
		t.Fatalf("retry result = %+v, want success for slot 4", res)
	}
	if env.repo.recordCount(1) != 1 {
		t.Fatalf("record count = %d, want 1 after retry", env.repo.recordCount(1))
	}
	rec = env.repo.record(t, 1, 4)
	if rec.Status != models.ExecutionStatusSuccess || rec.LedgerTxID == nil {
		t.Fatalf("retried record = %+v", rec)
	}
	if env.repo.plan(t, 1).ExecutionsCompleted != 4 {
		t.Fatalf("counters not advanced after successful retry")
	}
}

func TestExecutePlanLedgerFailureKeepsSlot(t *testing.T) {
	env := newTestEnv(testPlan())
	env.ledger.err = errors.New("settlement rejected")

	res, err := env.engine.ExecutePlan(context.Background(), 1)
	if err != nil {
		t.Fatalf("ExecutePlan error: %v", err)
	}
	if res == nil || res.Success() {
		t.Fatalf("result = %+v, want failed", res)
	}

	rec := env.repo.record(t, 1, 4)
	if rec.Status != models.ExecutionStatusFailed {
		t.Fatalf("record status = %q, want failed", rec.Status)
	}
	// Price and computed amount were known by the time the ledger write
	// fell over and are captured for the audit trail.
	if rec.Price == nil || rec.AmountOut == nil {
		t.Fatalf("record = %+v, want price and amount out captured", rec)
	}
	if env.repo.plan(t, 1).ExecutionsCompleted != 3 {
		t.Fatalf("counters advanced on ledger failure")
	}
	evt := waitEvent(t, env.events)
	if evt.Type != notify.EventPlanFailed {
		t.Fatalf("event type = %q, want plan_failed", evt.Type)
	}
}

func TestExecutePlanReplaysSuccessRecord(t *testing.T) {
	env := newTestEnv(testPlan())
	amountOut := decimal.RequireFromString("0.00153846")
	price := decimal.RequireFromString("65000")
	txID := "0xseeded"
	seeded := &models.ExecutionRecord{
		PlanID:          1,
		ExecutionNumber: 4,
		AmountIn:        decimal.RequireFromString("100000000"),
		AmountOut:       &amountOut,
		Price:           &price,
		LedgerTxID:      &txID,
		Status:          models.ExecutionStatusSuccess,
		CreatedAt:       time.Now().UTC(),
	}
	if err := env.repo.SaveExecutionRecordTx(context.Background(), nil, seeded); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	res, err := env.engine.ExecutePlan(context.Background(), 1)
	if err != nil {
		t.Fatalf("ExecutePlan error: %v", err)
	}
	if !res.Replayed {
		t.Fatalf("Replayed = false, want true")
	}
	if !res.Success() || res.LedgerTxID == nil || *res.LedgerTxID != "0xseeded" {
		t.Fatalf("result = %+v, want seeded outcome", res)
	}
	if env.oracle.calls != 0 || env.ledger.calls != 0 {
		t.Fatalf("collaborators called during replay")
	}
	if env.repo.plan(t, 1).ExecutionsCompleted != 3 {
		t.Fatalf("counters mutated during replay")
	}
	if env.repo.recordCount(1) != 1 {
		t.Fatalf("record count = %d, want 1", env.repo.recordCount(1))
	}
}

func TestExecutePlanMissingPlanIsError(t *testing.T) {
	env := newTestEnv()
	if _, err := env.engine.ExecutePlan(context.Background(), 99); err == nil {
		t.Fatalf("expected error for missing plan")
	}
}

func TestComputeAmountOut(t *testing.T) {
	tests := []struct {
		amountIn string
		decimals int
		price    string
		want     string
	}{
		// 100 USDC at 65000 -> floored at 8 digits.
		{"100000000", 6, "65000.00", "0.00153846"},
		// Exact division.
		{"100000000", 6, "50", "2"},
		// Repeating decimal truncates toward zero.
		{"100000000", 6, "3", "33.33333333"},
		// 8-decimal deposit asset.
		{"100000000", 8, "2", "0.5"},
		{"1", 6, "65000", "0"},
	}
	for _, tt := range tests {
		got, err := ComputeAmountOut(decimal.RequireFromString(tt.amountIn), tt.decimals, decimal.RequireFromString(tt.price))
		if err != nil {
			t.Fatalf("ComputeAmountOut(%s, %d, %s) error: %v", tt.amountIn, tt.decimals, tt.price, err)
		}
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Fatalf("ComputeAmountOut(%s, %d, %s) = %s, want %s", tt.amountIn, tt.decimals, tt.price, got, tt.want)
		}
	}
}

func TestComputeAmountOutRejectsBadInput(t *testing.T) {
	if _, err := ComputeAmountOut(decimal.NewFromInt(100), 6, decimal.Zero); err == nil {
		t.Fatalf("expected error for zero price")
	}
	if _, err := ComputeAmountOut(decimal.NewFromInt(100), -1, decimal.NewFromInt(10)); err == nil {
		t.Fatalf("expected error for negative decimals")
	}
}
