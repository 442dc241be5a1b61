// Package model содержит доменные сущности сервиса управления печатью.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User представляет зарегистрированного пользователя сервиса печати.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// AccountType описывает тип счёта.
type AccountType string

const (
	AccountTypePersonal AccountType = "PERSONAL"
	AccountTypeShared   AccountType = "SHARED"
)

// Account представляет счёт, с которого списывается стоимость печати.
// Баланс всегда равен сумме всех проводок счёта с момента его создания.
type Account struct {
	ID       int64
	UserID   *int64
	ParentID *int64
	Type     AccountType
	Balance  decimal.Decimal
	// Overdraft задаёт предел ухода баланса в минус для ограниченных счетов.
	// Неограниченные счета допускают любой отрицательный баланс.
	Overdraft  decimal.Decimal
	Restricted bool
	Disabled   bool
	CreatedAt  time.Time
}

// TrxType описывает тип финансовой проводки.
type TrxType string

const (
	TrxTypeInitial  TrxType = "INITIAL"
	TrxTypeAdjust   TrxType = "ADJUST"
	TrxTypeDeposit  TrxType = "DEPOSIT"
	TrxTypeVoucher  TrxType = "VOUCHER"
	TrxTypePrintIn  TrxType = "PRINT_IN"
	TrxTypePrintOut TrxType = "PRINT_OUT"
	TrxTypePDFOut   TrxType = "PDF_OUT"
)

// AccountTrx представляет одну проводку в журнале счёта.
// Проводки неизменяемы после создания: журнал только пополняется.
type AccountTrx struct {
	ID            int64
	AccountID     int64
	Amount        decimal.Decimal
	CurrencyCode  string
	Type          TrxType
	Comment       string
	CorrelationID string
	TrxDate       time.Time
}

// OutboxJob представляет задание печати, ожидающее отправки в спулер.
type OutboxJob struct {
	FileToken     string
	UserID        int64
	PrinterName   string
	SubmitTime    time.Time
	ExpiryTime    time.Time
	Cost          decimal.Decimal
	Sheets        int
	Options       string
	CorrelationID string
}

// JobState описывает состояние задания во внешнем спулере.
// Порядок значений значим: сверка состояний принимает только обновления
// с не меньшим порядковым номером, а сравнение с JobStateCanceled
// определяет присутствие задания в очереди.
type JobState int

const (
	JobStatePending JobState = iota
	JobStateHeld
	JobStateProcessing
	JobStateStopped
	JobStateCanceled
	JobStateAborted
	JobStateCompleted
)

var jobStateNames = map[JobState]string{
	JobStatePending:    "PENDING",
	JobStateHeld:       "HELD",
	JobStateProcessing: "PROCESSING",
	JobStateStopped:    "STOPPED",
	JobStateCanceled:   "CANCELED",
	JobStateAborted:    "ABORTED",
	JobStateCompleted:  "COMPLETED",
}

func (s JobState) String() string {
	if name, ok := jobStateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseJobState преобразует строковое представление состояния в JobState.
func ParseJobState(name string) (JobState, bool) {
	for state, n := range jobStateNames {
		if n == name {
			return state, true
		}
	}
	return 0, false
}

// IsTerminal сообщает, является ли состояние конечным.
// Конечное состояние фиксируется и больше не меняется опросом спулера.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCanceled, JobStateAborted, JobStateCompleted:
		return true
	}
	return false
}

// PresentOnQueue сообщает, занимает ли задание место в очереди спулера.
func (s JobState) PresentOnQueue() bool {
	return s < JobStateCanceled
}

// SpoolerJobRecord представляет локальную запись о задании, переданном спулеру.
type SpoolerJobRecord struct {
	FileToken     string
	UserID        int64
	PrinterName   string
	ExternalID    *string
	State         JobState
	CompletedTime *time.Time
	CreatedAt     time.Time
}
