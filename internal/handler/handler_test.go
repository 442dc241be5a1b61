package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/akozyrev/printhub-system/internal/ledger"
	"github.com/akozyrev/printhub-system/internal/middleware"
	"github.com/akozyrev/printhub-system/internal/model"
	"github.com/akozyrev/printhub-system/internal/repository"
	"github.com/akozyrev/printhub-system/internal/service"
)

type stubService struct {
	registerUserID int64
	registerErr    error

	authUserID int64
	authErr    error

	submitJob *model.OutboxJob
	submitErr error

	cancelFound bool
	cancelErr   error

	extendAffected int64
	extendErr      error

	outboxResp []model.OutboxJob
	outboxErr  error

	historyResp []model.SpoolerJobRecord
	historyErr  error

	balanceResp *service.Balance
	balanceErr  error

	trxResp []model.AccountTrx
	trxErr  error

	currencyResp []ledger.CurrencyChangeReport
	currencyErr  error
}

func (s *stubService) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	return s.registerUserID, s.registerErr
}

func (s *stubService) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	return s.authUserID, s.authErr
}

func (s *stubService) SubmitPrintJob(ctx context.Context, userID int64, req service.SubmitRequest) (*model.OutboxJob, error) {
	return s.submitJob, s.submitErr
}

func (s *stubService) CancelJob(ctx context.Context, userID int64, fileToken string) (bool, error) {
	return s.cancelFound, s.cancelErr
}

func (s *stubService) ExtendOutbox(ctx context.Context, userID int64, minutes int) (int64, error) {
	return s.extendAffected, s.extendErr
}

func (s *stubService) GetOutboxJobs(ctx context.Context, userID int64) ([]model.OutboxJob, error) {
	return s.outboxResp, s.outboxErr
}

func (s *stubService) GetJobHistory(ctx context.Context, userID int64) ([]model.SpoolerJobRecord, error) {
	return s.historyResp, s.historyErr
}

func (s *stubService) GetBalance(ctx context.Context, userID int64) (*service.Balance, error) {
	return s.balanceResp, s.balanceErr
}

func (s *stubService) GetTransactions(ctx context.Context, userID int64) ([]model.AccountTrx, error) {
	return s.trxResp, s.trxErr
}

func (s *stubService) ChangeBaseCurrency(ctx context.Context, fromCode, toCode string, exchangeRate decimal.Decimal, dryRun bool) ([]ledger.CurrencyChangeReport, error) {
	return s.currencyResp, s.currencyErr
}

type testEnv struct {
	handler *Handler
	auth    *middleware.AuthMiddleware
	router  http.Handler
}

func newTestEnv(t *testing.T, svc Service) *testEnv {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")
	h := NewHandler(svc, logger, auth)

	return &testEnv{
		handler: h,
		auth:    auth,
		router:  h.SetupRouter(),
	}
}

func (e *testEnv) authedRequest(method, target string, body []byte) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))

	rec := httptest.NewRecorder()
	e.auth.SetAuthCookie(rec, 42)
	req.AddCookie(rec.Result().Cookies()[0])

	return req
}

func TestRegister_Success(t *testing.T) {
	env := newTestEnv(t, &stubService{registerUserID: 42})

	body, _ := json.Marshal(credentialsRequest{Login: "user", Password: "pass"})
	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	env.router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if len(res.Cookies()) == 0 {
		t.Fatal("auth cookie not set")
	}
}

func TestRegister_Conflict(t *testing.T) {
	env := newTestEnv(t, &stubService{registerErr: repository.ErrUserExists})

	body, _ := json.Marshal(credentialsRequest{Login: "user", Password: "pass"})
	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	env.router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusConflict)
	}
}

func TestSubmitPrintJob_Accepted(t *testing.T) {
	env := newTestEnv(t, &stubService{
		submitJob: &model.OutboxJob{
			FileToken:   "3b6f2e04-9b3b-4a68-a860-6e4902f6e788",
			PrinterName: "office-1",
			Sheets:      4,
			Cost:        decimal.RequireFromString("0.2"),
		},
	})

	body, _ := json.Marshal(submitJobRequest{Printer: "office-1", Pages: 4, Copies: 1})
	req := env.authedRequest(http.MethodPost, "/api/user/printjobs", body)
	rec := httptest.NewRecorder()

	env.router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusAccepted)
	}

	var resp printJobResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.FileToken != "3b6f2e04-9b3b-4a68-a860-6e4902f6e788" {
		t.Errorf("file token = %q", resp.FileToken)
	}
	if resp.Sheets != 4 {
		t.Errorf("sheets = %d, want 4", resp.Sheets)
	}
}

func TestSubmitPrintJob_InsufficientFunds(t *testing.T) {
	env := newTestEnv(t, &stubService{submitErr: ledger.ErrInsufficientFunds})

	body, _ := json.Marshal(submitJobRequest{Printer: "office-1", Pages: 1})
	req := env.authedRequest(http.MethodPost, "/api/user/printjobs", body)
	rec := httptest.NewRecorder()

	env.router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusPaymentRequired)
	}
}

func TestSubmitPrintJob_InvalidPrinter(t *testing.T) {
	env := newTestEnv(t, &stubService{})

	body, _ := json.Marshal(submitJobRequest{Printer: "bad printer!", Pages: 1})
	req := env.authedRequest(http.MethodPost, "/api/user/printjobs", body)
	rec := httptest.NewRecorder()

	env.router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnprocessableEntity)
	}
}

func TestSubmitPrintJob_Unauthorized(t *testing.T) {
	env := newTestEnv(t, &stubService{})

	body, _ := json.Marshal(submitJobRequest{Printer: "office-1", Pages: 1})
	req := httptest.NewRequest(http.MethodPost, "/api/user/printjobs", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	env.router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestGetPrintJobs_Empty(t *testing.T) {
	env := newTestEnv(t, &stubService{})

	req := env.authedRequest(http.MethodGet, "/api/user/printjobs", nil)
	rec := httptest.NewRecorder()

	env.router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusNoContent)
	}
}

func TestCancelPrintJob(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		found      bool
		wantStatus int
	}{
		{
			name:       "found",
			token:      "3b6f2e04-9b3b-4a68-a860-6e4902f6e788",
			found:      true,
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "not found",
			token:      "3b6f2e04-9b3b-4a68-a860-6e4902f6e788",
			found:      false,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "invalid token",
			token:      "not-a-token",
			found:      true,
			wantStatus: http.StatusUnprocessableEntity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, &stubService{cancelFound: tt.found})

			req := env.authedRequest(http.MethodDelete, "/api/user/printjobs/"+tt.token, nil)
			rec := httptest.NewRecorder()

			env.router.ServeHTTP(rec, req)

			if rec.Result().StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Result().StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestExtendOutbox_BadMinutes(t *testing.T) {
	env := newTestEnv(t, &stubService{})

	body, _ := json.Marshal(extendRequest{Minutes: 0})
	req := env.authedRequest(http.MethodPost, "/api/user/outbox/extend", body)
	rec := httptest.NewRecorder()

	env.router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestGetBalance(t *testing.T) {
	env := newTestEnv(t, &stubService{
		balanceResp: &service.Balance{
			Amount:   decimal.RequireFromString("7.25"),
			Currency: "EUR",
		},
	})

	req := env.authedRequest(http.MethodGet, "/api/user/balance", nil)
	rec := httptest.NewRecorder()

	env.router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var balance service.Balance
	if err := json.NewDecoder(res.Body).Decode(&balance); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if balance.Currency != "EUR" {
		t.Errorf("currency = %q, want EUR", balance.Currency)
	}
	if !balance.Amount.Equal(decimal.RequireFromString("7.25")) {
		t.Errorf("amount = %s, want 7.25", balance.Amount)
	}
}

func TestChangeCurrency(t *testing.T) {
	env := newTestEnv(t, &stubService{
		currencyResp: []ledger.CurrencyChangeReport{
			{
				AccountID:  1,
				OldBalance: decimal.RequireFromString("10"),
				NewBalance: decimal.RequireFromString("11"),
			},
		},
	})

	body, _ := json.Marshal(currencyChangeRequest{From: "EUR", To: "USD", Rate: "1.1"})
	req := env.authedRequest(http.MethodPost, "/api/admin/currency-change", body)
	rec := httptest.NewRecorder()

	env.router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp []currencyChangeItem
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 1 || resp[0].AccountID != 1 {
		t.Errorf("unexpected report: %+v", resp)
	}
}

func TestChangeCurrency_Mismatch(t *testing.T) {
	env := newTestEnv(t, &stubService{currencyErr: ledger.ErrCurrencyMismatch})

	body, _ := json.Marshal(currencyChangeRequest{From: "USD", To: "GBP", Rate: "0.9"})
	req := env.authedRequest(http.MethodPost, "/api/admin/currency-change", body)
	rec := httptest.NewRecorder()

	env.router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusConflict)
	}
}

func TestChangeCurrency_BadRate(t *testing.T) {
	env := newTestEnv(t, &stubService{})

	body, _ := json.Marshal(currencyChangeRequest{From: "EUR", To: "USD", Rate: "-1"})
	req := env.authedRequest(http.MethodPost, "/api/admin/currency-change", body)
	rec := httptest.NewRecorder()

	env.router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusBadRequest)
	}
}
