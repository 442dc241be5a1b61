// Package handler содержит HTTP-обработчики API сервиса printhub.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/akozyrev/printhub-system/internal/ledger"
	"github.com/akozyrev/printhub-system/internal/middleware"
	"github.com/akozyrev/printhub-system/internal/model"
	"github.com/akozyrev/printhub-system/internal/repository"
	"github.com/akozyrev/printhub-system/internal/service"
	"github.com/akozyrev/printhub-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	SubmitPrintJob(ctx context.Context, userID int64, req service.SubmitRequest) (*model.OutboxJob, error)
	CancelJob(ctx context.Context, userID int64, fileToken string) (bool, error)
	ExtendOutbox(ctx context.Context, userID int64, minutes int) (int64, error)
	GetOutboxJobs(ctx context.Context, userID int64) ([]model.OutboxJob, error)
	GetJobHistory(ctx context.Context, userID int64) ([]model.SpoolerJobRecord, error)
	GetBalance(ctx context.Context, userID int64) (*service.Balance, error)
	GetTransactions(ctx context.Context, userID int64) ([]model.AccountTrx, error)
	ChangeBaseCurrency(ctx context.Context, fromCode, toCode string, exchangeRate decimal.Decimal, dryRun bool) ([]ledger.CurrencyChangeReport, error)
}

// Handler реализует HTTP-обработчики API сервиса printhub.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || err.Error() == "invalid credentials" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type delegatedShare struct {
	AccountID int64 `json:"account_id"`
	Weight    int   `json:"weight"`
}

type submitJobRequest struct {
	Printer    string           `json:"printer"`
	Pages      int              `json:"pages"`
	Copies     int              `json:"copies"`
	NUp        int              `json:"n_up"`
	Duplex     bool             `json:"duplex"`
	Color      bool             `json:"color"`
	Media      string           `json:"media"`
	Finishings []string         `json:"finishings,omitempty"`
	Options    string           `json:"options,omitempty"`
	Delegated  []delegatedShare `json:"delegated,omitempty"`
}

type printJobResponse struct {
	FileToken  string          `json:"file_token"`
	Printer    string          `json:"printer"`
	Sheets     int             `json:"sheets"`
	Cost       decimal.Decimal `json:"cost"`
	SubmitTime string          `json:"submit_time,omitempty"`
	ExpiryTime string          `json:"expiry_time,omitempty"`
}

// SubmitPrintJob принимает новое задание печати от текущего пользователя.
func (h *Handler) SubmitPrintJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidPrinterName(req.Printer) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}
	if req.Pages <= 0 {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	delegated := make([]service.WeightedShare, 0, len(req.Delegated))
	for _, d := range req.Delegated {
		delegated = append(delegated, service.WeightedShare{AccountID: d.AccountID, Weight: d.Weight})
	}

	job, err := h.service.SubmitPrintJob(r.Context(), userID, service.SubmitRequest{
		PrinterName: req.Printer,
		Pages:       req.Pages,
		Copies:      req.Copies,
		NUp:         req.NUp,
		Duplex:      req.Duplex,
		Color:       req.Color,
		MediaName:   req.Media,
		Finishings:  req.Finishings,
		Options:     req.Options,
		Delegated:   delegated,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
			return
		}
		h.logger.Error("submit print job error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(printJobResponse{
		FileToken: job.FileToken,
		Printer:   job.PrinterName,
		Sheets:    job.Sheets,
		Cost:      job.Cost,
	}); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

// GetPrintJobs возвращает непросроченные задания текущего пользователя в очереди.
func (h *Handler) GetPrintJobs(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	jobs, err := h.service.GetOutboxJobs(r.Context(), userID)
	if err != nil {
		h.logger.Error("get print jobs error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(jobs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]printJobResponse, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, printJobResponse{
			FileToken:  job.FileToken,
			Printer:    job.PrinterName,
			Sheets:     job.Sheets,
			Cost:       job.Cost,
			SubmitTime: job.SubmitTime.Format(time.RFC3339),
			ExpiryTime: job.ExpiryTime.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// CancelPrintJob удаляет ещё не отправленное задание текущего пользователя.
func (h *Handler) CancelPrintJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	fileToken := chi.URLParam(r, "fileToken")
	if !validation.IsValidFileToken(fileToken) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	found, err := h.service.CancelJob(r.Context(), userID, fileToken)
	if err != nil {
		h.logger.Error("cancel print job error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if !found {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type extendRequest struct {
	Minutes int `json:"minutes"`
}

type extendResponse struct {
	Affected int64 `json:"affected"`
}

// ExtendOutbox продлевает срок всех заданий текущего пользователя в очереди.
func (h *Handler) ExtendOutbox(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req extendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Minutes <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	affected, err := h.service.ExtendOutbox(r.Context(), userID, req.Minutes)
	if err != nil {
		h.logger.Error("extend outbox error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(extendResponse{Affected: affected}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// GetBalance возвращает баланс личного счёта текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.logger.Error("get balance error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(balance); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type trxResponse struct {
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Type          string          `json:"type"`
	Comment       string          `json:"comment,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	TrxDate       string          `json:"trx_date"`
}

// GetTransactions возвращает историю проводок личного счёта текущего пользователя.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	trxs, err := h.service.GetTransactions(r.Context(), userID)
	if err != nil {
		h.logger.Error("get transactions error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(trxs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]trxResponse, 0, len(trxs))
	for _, trx := range trxs {
		resp = append(resp, trxResponse{
			Amount:        trx.Amount,
			Currency:      trx.CurrencyCode,
			Type:          string(trx.Type),
			Comment:       trx.Comment,
			CorrelationID: trx.CorrelationID,
			TrxDate:       trx.TrxDate.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type jobRecordResponse struct {
	FileToken     string `json:"file_token"`
	Printer       string `json:"printer"`
	State         string `json:"state"`
	CompletedTime string `json:"completed_time,omitempty"`
}

// GetJobHistory возвращает записи о заданиях текущего пользователя,
// переданных спулеру.
func (h *Handler) GetJobHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	records, err := h.service.GetJobHistory(r.Context(), userID)
	if err != nil {
		h.logger.Error("get job history error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(records) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]jobRecordResponse, 0, len(records))
	for _, rec := range records {
		item := jobRecordResponse{
			FileToken: rec.FileToken,
			Printer:   rec.PrinterName,
			State:     rec.State.String(),
		}
		if rec.CompletedTime != nil {
			item.CompletedTime = rec.CompletedTime.Format(time.RFC3339)
		}
		resp = append(resp, item)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type currencyChangeRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Rate   string `json:"rate"`
	DryRun bool   `json:"dry_run"`
}

type currencyChangeItem struct {
	AccountID  int64           `json:"account_id"`
	OldBalance decimal.Decimal `json:"old_balance"`
	NewBalance decimal.Decimal `json:"new_balance"`
}

// ChangeCurrency выполняет смену базовой валюты всех счетов системы.
func (h *Handler) ChangeCurrency(w http.ResponseWriter, r *http.Request) {
	var req currencyChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rate, err := decimal.NewFromString(req.Rate)
	if err != nil || !rate.IsPositive() || req.From == "" || req.To == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	reports, err := h.service.ChangeBaseCurrency(r.Context(), req.From, req.To, rate, req.DryRun)
	if err != nil {
		if errors.Is(err, ledger.ErrCurrencyMismatch) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("change currency error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]currencyChangeItem, 0, len(reports))
	for _, rep := range reports {
		resp = append(resp, currencyChangeItem{
			AccountID:  rep.AccountID,
			OldBalance: rep.OldBalance,
			NewBalance: rep.NewBalance,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}
