package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/akozyrev/printhub-system/internal/costing"
	"github.com/akozyrev/printhub-system/internal/ledger"
	"github.com/akozyrev/printhub-system/internal/model"
	"github.com/akozyrev/printhub-system/internal/outbox"
	"github.com/akozyrev/printhub-system/internal/repository"
)

type stubRepo struct {
	users    map[string]*model.User
	accounts map[int64]*model.Account
	trxs     map[int64][]model.AccountTrx
	records  map[int64][]model.SpoolerJobRecord
	nextID   int64
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		users:    make(map[string]*model.User),
		accounts: make(map[int64]*model.Account),
		trxs:     make(map[int64][]model.AccountTrx),
		records:  make(map[int64][]model.SpoolerJobRecord),
	}
}

func (r *stubRepo) Close() error { return nil }

func (r *stubRepo) CreateUser(_ context.Context, login string, passwordHash []byte) (int64, error) {
	if _, ok := r.users[login]; ok {
		return 0, repository.ErrUserExists
	}
	r.nextID++
	id := r.nextID
	r.users[login] = &model.User{ID: id, Login: login, PasswordHash: passwordHash}
	r.accounts[id] = &model.Account{
		ID:         id,
		Type:       model.AccountTypePersonal,
		UserID:     &id,
		Restricted: true,
	}
	return id, nil
}

func (r *stubRepo) GetUserByLogin(_ context.Context, login string) (*model.User, error) {
	u, ok := r.users[login]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return u, nil
}

func (r *stubRepo) AccountByUser(_ context.Context, userID int64) (*model.Account, error) {
	a, ok := r.accounts[userID]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	return a, nil
}

func (r *stubRepo) TrxByAccount(_ context.Context, accountID int64) ([]model.AccountTrx, error) {
	return r.trxs[accountID], nil
}

func (r *stubRepo) RecordsByUser(_ context.Context, userID int64) ([]model.SpoolerJobRecord, error) {
	return r.records[userID], nil
}

type stubLedgerStore struct {
	posted   []model.AccountTrx
	batches  [][]model.AccountTrx
	currency string
	postErr  error
}

func (s *stubLedgerStore) PostTrx(_ context.Context, trx model.AccountTrx) (*model.AccountTrx, error) {
	if s.postErr != nil {
		return nil, s.postErr
	}
	trx.ID = int64(len(s.posted) + 1)
	s.posted = append(s.posted, trx)
	return &trx, nil
}

func (s *stubLedgerStore) PostBatch(_ context.Context, trxs []model.AccountTrx) error {
	if s.postErr != nil {
		return s.postErr
	}
	s.batches = append(s.batches, trxs)
	return nil
}

func (s *stubLedgerStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	return nil, nil
}

func (s *stubLedgerStore) ApplyCurrencyChange(_ context.Context, _ []ledger.CurrencyChange, _ string) error {
	return nil
}

func (s *stubLedgerStore) BaseCurrency(_ context.Context) (string, error) {
	if s.currency == "" {
		return "EUR", nil
	}
	return s.currency, nil
}

func (s *stubLedgerStore) DeleteTrxBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

type memOutboxStore struct {
	jobs map[string]model.OutboxJob
}

func newMemOutboxStore() *memOutboxStore {
	return &memOutboxStore{jobs: make(map[string]model.OutboxJob)}
}

func (s *memOutboxStore) InsertJob(_ context.Context, job model.OutboxJob) (bool, error) {
	if _, ok := s.jobs[job.FileToken]; ok {
		return false, nil
	}
	s.jobs[job.FileToken] = job
	return true, nil
}

func (s *memOutboxStore) DeleteExpired(_ context.Context, ref time.Time) ([]model.OutboxJob, error) {
	var pruned []model.OutboxJob
	for token, job := range s.jobs {
		if !job.ExpiryTime.After(ref) {
			pruned = append(pruned, job)
			delete(s.jobs, token)
		}
	}
	return pruned, nil
}

func (s *memOutboxStore) ExtendUserJobs(_ context.Context, userID int64, delta time.Duration) (int64, error) {
	var affected int64
	for token, job := range s.jobs {
		if job.UserID != userID {
			continue
		}
		job.ExpiryTime = job.ExpiryTime.Add(delta)
		s.jobs[token] = job
		affected++
	}
	return affected, nil
}

func (s *memOutboxStore) JobsByUser(_ context.Context, userID int64) ([]model.OutboxJob, error) {
	var jobs []model.OutboxJob
	for _, job := range s.jobs {
		if job.UserID == userID {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (s *memOutboxStore) AllJobs(_ context.Context) ([]model.OutboxJob, error) {
	var jobs []model.OutboxJob
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *memOutboxStore) DeleteJob(_ context.Context, userID int64, fileToken string) (bool, error) {
	job, ok := s.jobs[fileToken]
	if !ok || job.UserID != userID {
		return false, nil
	}
	delete(s.jobs, fileToken)
	return true, nil
}

func testTariff() costing.Tariff {
	return costing.Tariff{
		CurrencyCode:     "EUR",
		DefaultSheetCost: decimal.RequireFromString("0.05"),
	}
}

func newTestService(repo *stubRepo, store *stubLedgerStore, mem *memOutboxStore) *Service {
	ldg := ledger.NewService(store)
	queue := outbox.NewQueue(mem, time.Hour)
	return NewService(repo, ldg, queue, nil, testTariff())
}

func TestRegisterAndAuthenticate(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(repo, &stubLedgerStore{}, newMemOutboxStore())
	ctx := context.Background()

	id, err := svc.RegisterUser(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}

	got, err := svc.AuthenticateUser(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("AuthenticateUser: %v", err)
	}
	if got != id {
		t.Errorf("authenticated id = %d, want %d", got, id)
	}

	if _, err := svc.AuthenticateUser(ctx, "alice", "wrong"); err == nil {
		t.Error("expected error for wrong password")
	}

	if _, err := svc.RegisterUser(ctx, "alice", "other"); !errors.Is(err, repository.ErrUserExists) {
		t.Errorf("duplicate register error = %v, want ErrUserExists", err)
	}
}

func TestSubmitPrintJobPostsCostAndEnqueues(t *testing.T) {
	repo := newStubRepo()
	store := &stubLedgerStore{}
	mem := newMemOutboxStore()
	svc := newTestService(repo, store, mem)
	ctx := context.Background()

	userID, err := svc.RegisterUser(ctx, "bob", "secret")
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}

	job, err := svc.SubmitPrintJob(ctx, userID, SubmitRequest{
		PrinterName: "office-1",
		Pages:       10,
		Copies:      2,
	})
	if err != nil {
		t.Fatalf("SubmitPrintJob: %v", err)
	}

	if job.Sheets != 20 {
		t.Errorf("sheets = %d, want 20", job.Sheets)
	}
	wantCost := decimal.RequireFromString("1")
	if !job.Cost.Equal(wantCost) {
		t.Errorf("cost = %s, want %s", job.Cost, wantCost)
	}

	if len(store.posted) != 1 {
		t.Fatalf("posted trx count = %d, want 1", len(store.posted))
	}
	trx := store.posted[0]
	if !trx.Amount.Equal(wantCost.Neg()) {
		t.Errorf("trx amount = %s, want %s", trx.Amount, wantCost.Neg())
	}
	if trx.Type != model.TrxTypePrintOut {
		t.Errorf("trx type = %s, want %s", trx.Type, model.TrxTypePrintOut)
	}
	if trx.CorrelationID != job.CorrelationID {
		t.Error("trx and job must share a correlation id")
	}

	stored, ok := mem.jobs[job.FileToken]
	if !ok {
		t.Fatal("job not found in outbox store")
	}
	if stored.ExpiryTime.Sub(stored.SubmitTime) != time.Hour {
		t.Errorf("expiry horizon = %s, want 1h", stored.ExpiryTime.Sub(stored.SubmitTime))
	}
}

func TestSubmitPrintJobInsufficientFunds(t *testing.T) {
	repo := newStubRepo()
	store := &stubLedgerStore{postErr: ledger.ErrInsufficientFunds}
	mem := newMemOutboxStore()
	svc := newTestService(repo, store, mem)
	ctx := context.Background()

	userID, err := svc.RegisterUser(ctx, "carol", "secret")
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}

	_, err = svc.SubmitPrintJob(ctx, userID, SubmitRequest{PrinterName: "office-1", Pages: 1})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if len(mem.jobs) != 0 {
		t.Error("rejected job must not reach the outbox")
	}
}

func TestSubmitPrintJobDelegated(t *testing.T) {
	repo := newStubRepo()
	store := &stubLedgerStore{}
	mem := newMemOutboxStore()
	svc := newTestService(repo, store, mem)
	ctx := context.Background()

	userID, err := svc.RegisterUser(ctx, "dave", "secret")
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}

	job, err := svc.SubmitPrintJob(ctx, userID, SubmitRequest{
		PrinterName: "office-1",
		Pages:       4,
		Delegated: []WeightedShare{
			{AccountID: 10, Weight: 3},
			{AccountID: 11, Weight: 1},
		},
	})
	if err != nil {
		t.Fatalf("SubmitPrintJob: %v", err)
	}

	if len(store.posted) != 0 {
		t.Errorf("single posts = %d, want 0", len(store.posted))
	}
	if len(store.batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(store.batches))
	}

	batch := store.batches[0]
	if len(batch) != 2 {
		t.Fatalf("batch size = %d, want 2", len(batch))
	}
	sum := decimal.Zero
	for _, trx := range batch {
		sum = sum.Add(trx.Amount)
	}
	if !sum.Equal(job.Cost.Neg()) {
		t.Errorf("batch sum = %s, want %s", sum, job.Cost.Neg())
	}
}

func TestGetBalance(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(repo, &stubLedgerStore{currency: "USD"}, newMemOutboxStore())
	ctx := context.Background()

	userID, err := svc.RegisterUser(ctx, "erin", "secret")
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	repo.accounts[userID].Balance = decimal.RequireFromString("12.5")

	balance, err := svc.GetBalance(ctx, userID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !balance.Amount.Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("amount = %s, want 12.5", balance.Amount)
	}
	if balance.Currency != "USD" {
		t.Errorf("currency = %s, want USD", balance.Currency)
	}
}

func TestCancelJob(t *testing.T) {
	repo := newStubRepo()
	mem := newMemOutboxStore()
	svc := newTestService(repo, &stubLedgerStore{}, mem)
	ctx := context.Background()

	userID, err := svc.RegisterUser(ctx, "frank", "secret")
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}

	job, err := svc.SubmitPrintJob(ctx, userID, SubmitRequest{PrinterName: "office-1", Pages: 1})
	if err != nil {
		t.Fatalf("SubmitPrintJob: %v", err)
	}

	found, err := svc.CancelJob(ctx, userID, job.FileToken)
	if err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if !found {
		t.Error("existing job must be cancellable")
	}

	found, err = svc.CancelJob(ctx, userID, job.FileToken)
	if err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if found {
		t.Error("second cancel must report job as missing")
	}
}
