// Package service реализует бизнес-логику сервиса управления печатью.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/akozyrev/printhub-system/internal/costing"
	"github.com/akozyrev/printhub-system/internal/ledger"
	"github.com/akozyrev/printhub-system/internal/model"
	"github.com/akozyrev/printhub-system/internal/outbox"
	"github.com/akozyrev/printhub-system/internal/repository"
	"github.com/akozyrev/printhub-system/internal/spoolsync"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	AccountByUser(ctx context.Context, userID int64) (*model.Account, error)
	TrxByAccount(ctx context.Context, accountID int64) ([]model.AccountTrx, error)
	RecordsByUser(ctx context.Context, userID int64) ([]model.SpoolerJobRecord, error)
}

// Service содержит бизнес-логику сервиса управления печатью.
type Service struct {
	repo   Repository
	ledger *ledger.Service
	queue  *outbox.Queue
	sync   *spoolsync.Synchronizer
	tariff costing.Tariff
}

// NewService создаёт сервис с указанными зависимостями. Синхронизатор
// может отсутствовать, если адрес спулера не настроен.
func NewService(repo Repository, ldg *ledger.Service, queue *outbox.Queue, sync *spoolsync.Synchronizer, tariff costing.Tariff) *Service {
	return &Service{
		repo:   repo,
		ledger: ldg,
		queue:  queue,
		sync:   sync,
		tariff: tariff,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return 0, repository.ErrUserExists
		}
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, errors.New("invalid credentials")
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// WeightedShare задаёт долю общего счёта при делегированном списании.
type WeightedShare struct {
	AccountID int64
	Weight    int
}

// SubmitRequest описывает запрос на печать.
type SubmitRequest struct {
	PrinterName string
	Pages       int
	Copies      int
	NUp         int
	Duplex      bool
	Color       bool
	MediaName   string
	Finishings  []string
	Options     string
	// Delegated задаёт распределение стоимости по общим счетам.
	// Пустой список означает списание с личного счёта.
	Delegated []WeightedShare
}

// SubmitPrintJob вычисляет стоимость задания, проводит списание и ставит
// задание в очередь отправки. При нехватке средств на ограниченном счёте
// возвращает ledger.ErrInsufficientFunds, не ставя задание в очередь.
func (s *Service) SubmitPrintJob(ctx context.Context, userID int64, req SubmitRequest) (*model.OutboxJob, error) {
	if req.Pages <= 0 {
		return nil, errors.New("page count must be positive")
	}

	res := costing.Calculate(costing.JobOptions{
		Pages:       req.Pages,
		NUp:         req.NUp,
		Copies:      req.Copies,
		Duplex:      req.Duplex,
		Color:       req.Color,
		MediaName:   req.MediaName,
		PrinterName: req.PrinterName,
		Finishings:  req.Finishings,
	}, s.tariff)

	fileToken := uuid.NewString()
	correlationID := uuid.NewString()
	comment := fmt.Sprintf("print job %s on %s", fileToken, req.PrinterName)

	if len(req.Delegated) > 0 {
		weighted := make([]ledger.WeightedAccount, 0, len(req.Delegated))
		for _, share := range req.Delegated {
			weighted = append(weighted, ledger.WeightedAccount{AccountID: share.AccountID, Weight: share.Weight})
		}
		if _, err := s.ledger.SplitDelegatedCost(ctx, res.Cost.Neg(), weighted, model.TrxTypePrintOut, correlationID); err != nil {
			return nil, err
		}
	} else {
		account, err := s.repo.AccountByUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		if _, err := s.ledger.PostPrintCost(ctx, account.ID, res.Cost.Neg(), model.TrxTypePrintOut, correlationID, comment); err != nil {
			return nil, err
		}
	}

	job := model.OutboxJob{
		FileToken:     fileToken,
		UserID:        userID,
		PrinterName:   req.PrinterName,
		Cost:          res.Cost,
		Sheets:        res.Sheets,
		Options:       req.Options,
		CorrelationID: correlationID,
	}

	if _, err := s.queue.Enqueue(ctx, job); err != nil {
		return nil, err
	}

	return &job, nil
}

// CancelJob отменяет ещё не отправленное задание пользователя.
// Возвращает, было ли задание найдено в очереди.
func (s *Service) CancelJob(ctx context.Context, userID int64, fileToken string) (bool, error) {
	return s.queue.Remove(ctx, userID, fileToken)
}

// ExtendOutbox продлевает срок всех заданий пользователя в очереди.
func (s *Service) ExtendOutbox(ctx context.Context, userID int64, minutes int) (int64, error) {
	return s.queue.Extend(ctx, userID, minutes)
}

// GetOutboxJobs возвращает непросроченные задания пользователя в очереди.
func (s *Service) GetOutboxJobs(ctx context.Context, userID int64) ([]model.OutboxJob, error) {
	return s.queue.Jobs(ctx, userID)
}

// GetJobHistory возвращает записи о заданиях пользователя, переданных спулеру.
func (s *Service) GetJobHistory(ctx context.Context, userID int64) ([]model.SpoolerJobRecord, error) {
	return s.repo.RecordsByUser(ctx, userID)
}

// Balance содержит баланс счёта пользователя.
type Balance struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// GetBalance возвращает баланс личного счёта пользователя.
func (s *Service) GetBalance(ctx context.Context, userID int64) (*Balance, error) {
	account, err := s.repo.AccountByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	currency, err := s.ledger.BaseCurrency(ctx)
	if err != nil {
		return nil, err
	}

	return &Balance{
		Amount:   account.Balance,
		Currency: currency,
	}, nil
}

// GetTransactions возвращает проводки личного счёта пользователя.
func (s *Service) GetTransactions(ctx context.Context, userID int64) ([]model.AccountTrx, error) {
	account, err := s.repo.AccountByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.repo.TrxByAccount(ctx, account.ID)
}

// ChangeBaseCurrency выполняет смену базовой валюты системы.
func (s *Service) ChangeBaseCurrency(ctx context.Context, fromCode, toCode string, exchangeRate decimal.Decimal, dryRun bool) ([]ledger.CurrencyChangeReport, error) {
	return s.ledger.ChangeBaseCurrency(ctx, fromCode, toCode, exchangeRate, dryRun)
}

// PruneHistory удаляет проводки старше даты отсечения.
func (s *Service) PruneHistory(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.ledger.PruneHistory(ctx, cutoff)
}

// StartSpoolerSync запускает фоновый цикл сверки с внешним спулером.
func (s *Service) StartSpoolerSync(ctx context.Context) {
	if s.sync == nil {
		return
	}

	go s.sync.Run(ctx)
}
