// Package ledger ведёт журнал финансовых проводок по счетам печати.
// Журнал только пополняется; баланс счёта меняется исключительно
// применением проводок.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/akozyrev/printhub-system/internal/costing"
	"github.com/akozyrev/printhub-system/internal/model"
)

// ErrInsufficientFunds возвращается, когда проводка увела бы баланс
// ограниченного счёта ниже допустимого предела овердрафта.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrCurrencyMismatch возвращается при попытке смены валюты
// с неверно указанной исходной валютой.
var ErrCurrencyMismatch = errors.New("currency code mismatch")

// CurrencyChange описывает атомарную пару проводок одного счёта
// при смене базовой валюты: обнуление старого баланса и зачисление
// эквивалента в новой валюте. NewOverdraft — сконвертированный
// индивидуальный предел овердрафта.
type CurrencyChange struct {
	AccountID    int64
	Debit        model.AccountTrx
	Credit       model.AccountTrx
	NewOverdraft decimal.Decimal
}

// Store описывает контракт хранилища, используемый журналом.
// Реализация обязана обеспечивать атомарность групповых операций.
type Store interface {
	// PostTrx атомарно добавляет проводку и обновляет баланс счёта.
	PostTrx(ctx context.Context, trx model.AccountTrx) (*model.AccountTrx, error)
	// PostBatch применяет набор проводок как единое целое: либо все, либо ни одной.
	PostBatch(ctx context.Context, trxs []model.AccountTrx) error
	// ListAccounts возвращает все счета, включая отключённые.
	ListAccounts(ctx context.Context) ([]model.Account, error)
	// ApplyCurrencyChange применяет пакет смены валюты одной транзакцией
	// и устанавливает новую базовую валюту. Всё или ничего.
	ApplyCurrencyChange(ctx context.Context, changes []CurrencyChange, newCurrency string) error
	// BaseCurrency возвращает текущую базовую валюту системы.
	BaseCurrency(ctx context.Context) (string, error)
	// DeleteTrxBefore удаляет проводки старше даты отсечения целиком.
	DeleteTrxBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Service реализует операции журнала поверх хранилища.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService создаёт журнал поверх указанного хранилища.
func NewService(store Store) *Service {
	return &Service{
		store: store,
		now:   time.Now,
	}
}

// PostPrintCost создаёт одну подписанную проводку по счёту и атомарно
// обновляет его баланс. Для ограниченного счёта возвращает
// ErrInsufficientFunds, если итоговый баланс вышел бы за предел овердрафта.
func (s *Service) PostPrintCost(ctx context.Context, accountID int64, amount decimal.Decimal, trxType model.TrxType, correlationID, comment string) (*model.AccountTrx, error) {
	currency, err := s.store.BaseCurrency(ctx)
	if err != nil {
		return nil, fmt.Errorf("base currency: %w", err)
	}

	trx := model.AccountTrx{
		AccountID:     accountID,
		Amount:        amount.Round(costing.Scale),
		CurrencyCode:  currency,
		Type:          trxType,
		Comment:       comment,
		CorrelationID: correlationID,
		TrxDate:       s.now(),
	}

	posted, err := s.store.PostTrx(ctx, trx)
	if err != nil {
		return nil, fmt.Errorf("post trx: %w", err)
	}
	return posted, nil
}

// WeightedAccount задаёт долю счёта при распределении общей стоимости.
type WeightedAccount struct {
	AccountID int64
	Weight    int
}

// SplitDelegatedCost распределяет totalAmount между счетами пропорционально
// весам. Остаток округления достаётся первому счёту в порядке перечисления,
// поэтому сумма проводок всегда в точности равна totalAmount.
func (s *Service) SplitDelegatedCost(ctx context.Context, totalAmount decimal.Decimal, weighted []WeightedAccount, trxType model.TrxType, correlationID string) ([]model.AccountTrx, error) {
	if len(weighted) == 0 {
		return nil, errors.New("split requires at least one account")
	}

	totalWeight := 0
	for _, wa := range weighted {
		if wa.Weight <= 0 {
			return nil, fmt.Errorf("non-positive weight %d for account %d", wa.Weight, wa.AccountID)
		}
		totalWeight += wa.Weight
	}

	currency, err := s.store.BaseCurrency(ctx)
	if err != nil {
		return nil, fmt.Errorf("base currency: %w", err)
	}

	totalAmount = totalAmount.Round(costing.Scale)
	weightDivisor := decimal.NewFromInt(int64(totalWeight))

	now := s.now()
	trxs := make([]model.AccountTrx, 0, len(weighted))
	assigned := decimal.Zero

	for _, wa := range weighted {
		share := totalAmount.
			Mul(decimal.NewFromInt(int64(wa.Weight))).
			Div(weightDivisor).
			Truncate(costing.Scale)
		assigned = assigned.Add(share)

		trxs = append(trxs, model.AccountTrx{
			AccountID:     wa.AccountID,
			Amount:        share,
			CurrencyCode:  currency,
			Type:          trxType,
			CorrelationID: correlationID,
			TrxDate:       now,
		})
	}

	// Остаток от усечения долей отдаём первому счёту: деньги не создаются
	// и не исчезают.
	remainder := totalAmount.Sub(assigned)
	trxs[0].Amount = trxs[0].Amount.Add(remainder)

	if err := s.store.PostBatch(ctx, trxs); err != nil {
		return nil, fmt.Errorf("post batch: %w", err)
	}

	return trxs, nil
}

// CurrencyChangeReport описывает эффект смены базовой валюты для одного счёта.
type CurrencyChangeReport struct {
	AccountID     int64
	OldBalance    decimal.Decimal
	NewBalance    decimal.Decimal
	CorrelationID string
}

// ChangeBaseCurrency для каждого счёта формирует пару проводок: дебет,
// обнуляющий баланс в старой валюте, и кредит, устанавливающий эквивалент
// в новой валюте по курсу. Пара применяется атомарно, весь пакет — всё или
// ничего. Индивидуальные пределы овердрафта конвертируются по тому же курсу.
// При dryRun эффект вычисляется и возвращается без записи.
func (s *Service) ChangeBaseCurrency(ctx context.Context, fromCode, toCode string, exchangeRate decimal.Decimal, dryRun bool) ([]CurrencyChangeReport, error) {
	if !exchangeRate.IsPositive() {
		return nil, errors.New("exchange rate must be positive")
	}

	current, err := s.store.BaseCurrency(ctx)
	if err != nil {
		return nil, fmt.Errorf("base currency: %w", err)
	}
	if current != fromCode {
		return nil, fmt.Errorf("%w: base currency is %s, not %s", ErrCurrencyMismatch, current, fromCode)
	}
	if fromCode == toCode {
		return nil, fmt.Errorf("%w: source and target are both %s", ErrCurrencyMismatch, toCode)
	}

	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	now := s.now()
	changes := make([]CurrencyChange, 0, len(accounts))
	reports := make([]CurrencyChangeReport, 0, len(accounts))

	for _, acc := range accounts {
		correlationID := uuid.NewString()
		oldBalance := acc.Balance
		newBalance := oldBalance.Mul(exchangeRate).Round(costing.Scale)
		comment := fmt.Sprintf("currency change %s -> %s, rate %s", fromCode, toCode, exchangeRate)

		changes = append(changes, CurrencyChange{
			AccountID: acc.ID,
			Debit: model.AccountTrx{
				AccountID:     acc.ID,
				Amount:        oldBalance.Neg(),
				CurrencyCode:  fromCode,
				Type:          model.TrxTypeAdjust,
				Comment:       comment,
				CorrelationID: correlationID,
				TrxDate:       now,
			},
			Credit: model.AccountTrx{
				AccountID:     acc.ID,
				Amount:        newBalance,
				CurrencyCode:  toCode,
				Type:          model.TrxTypeAdjust,
				Comment:       comment,
				CorrelationID: correlationID,
				TrxDate:       now,
			},
			NewOverdraft: acc.Overdraft.Mul(exchangeRate).Round(costing.Scale),
		})

		reports = append(reports, CurrencyChangeReport{
			AccountID:     acc.ID,
			OldBalance:    oldBalance,
			NewBalance:    newBalance,
			CorrelationID: correlationID,
		})
	}

	if dryRun {
		return reports, nil
	}

	if err := s.store.ApplyCurrencyChange(ctx, changes, toCode); err != nil {
		return nil, fmt.Errorf("apply currency change: %w", err)
	}

	return reports, nil
}

// BaseCurrency возвращает текущий код базовой валюты системы.
func (s *Service) BaseCurrency(ctx context.Context) (string, error) {
	return s.store.BaseCurrency(ctx)
}

// PruneHistory удаляет проводки старше даты отсечения. Проводки удаляются
// только целиком, частичное урезание сумм недопустимо.
func (s *Service) PruneHistory(ctx context.Context, cutoff time.Time) (int64, error) {
	deleted, err := s.store.DeleteTrxBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete trx before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return deleted, nil
}
