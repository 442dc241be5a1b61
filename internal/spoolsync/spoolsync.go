// Package spoolsync сверяет локальные записи о заданиях печати
// с состоянием внешнего спулера: отправляет задания из очереди
// и периодически опрашивает состояние уже отправленных.
package spoolsync

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/akozyrev/printhub-system/internal/breaker"
	"github.com/akozyrev/printhub-system/internal/model"
	"github.com/akozyrev/printhub-system/internal/spooler"
)

// JobQueue описывает контракт очереди отложенных заданий.
type JobQueue interface {
	Prune(ctx context.Context, referenceTime time.Time) ([]model.OutboxJob, error)
	DispatchCandidates(ctx context.Context, printerNames []string, referenceTime time.Time) ([]model.OutboxJob, error)
	Remove(ctx context.Context, userID int64, fileToken string) (bool, error)
}

// SpoolerClient описывает контракт клиента внешнего спулера.
type SpoolerClient interface {
	SubmitJob(ctx context.Context, job model.OutboxJob) (string, error)
	QueryState(ctx context.Context, externalID string) (model.JobState, error)
}

// RecordStore описывает контракт хранилища записей о заданиях спулера.
type RecordStore interface {
	// InsertRecord сохраняет запись о только что отправленном задании.
	InsertRecord(ctx context.Context, rec model.SpoolerJobRecord) error
	// NonTerminalRecords возвращает записи, ещё не достигшие конечного состояния.
	NonTerminalRecords(ctx context.Context) ([]model.SpoolerJobRecord, error)
	// UpdateRecordState обновляет состояние записи. Понижение состояния
	// не допускается.
	UpdateRecordState(ctx context.Context, fileToken string, state model.JobState, completedAt *time.Time) error
}

// Notifier получает уведомления о завершении, отказе и истечении срока
// заданий. Уведомления не влияют на ход сверки.
type Notifier interface {
	JobCompleted(rec model.SpoolerJobRecord)
	JobFailed(fileToken string, userID int64, reason string)
	JobExpired(job model.OutboxJob)
}

// LogNotifier пишет события жизненного цикла заданий в журнал.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier создаёт уведомитель поверх zap-журнала.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) JobCompleted(rec model.SpoolerJobRecord) {
	n.logger.Info("print job completed",
		zap.String("fileToken", rec.FileToken),
		zap.Int64("userID", rec.UserID),
		zap.String("state", rec.State.String()),
	)
}

func (n *LogNotifier) JobFailed(fileToken string, userID int64, reason string) {
	n.logger.Warn("print job failed",
		zap.String("fileToken", fileToken),
		zap.Int64("userID", userID),
		zap.String("reason", reason),
	)
}

func (n *LogNotifier) JobExpired(job model.OutboxJob) {
	n.logger.Info("print job expired",
		zap.String("fileToken", job.FileToken),
		zap.Int64("userID", job.UserID),
	)
}

// Synchronizer выполняет цикл сверки: отправка и опрос.
type Synchronizer struct {
	queue    JobQueue
	records  RecordStore
	client   SpoolerClient
	brk      *breaker.Breaker
	notifier Notifier
	logger   *zap.Logger

	printers []string
	interval time.Duration
	now      func() time.Time
}

// NewSynchronizer создаёт синхронизатор. Все вызовы спулера идут через
// переданный предохранитель.
func NewSynchronizer(queue JobQueue, records RecordStore, client SpoolerClient, brk *breaker.Breaker, notifier Notifier, logger *zap.Logger, printers []string, interval time.Duration) *Synchronizer {
	return &Synchronizer{
		queue:    queue,
		records:  records,
		client:   client,
		brk:      brk,
		notifier: notifier,
		logger:   logger,
		printers: printers,
		interval: interval,
		now:      time.Now,
	}
}

// Run запускает периодическую сверку и блокируется до отмены контекста.
func (s *Synchronizer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SyncOnce(ctx)
		}
	}
}

// SyncOnce выполняет один проход сверки: удаление просроченных заданий,
// отправка кандидатов, опрос незавершённых записей.
func (s *Synchronizer) SyncOnce(ctx context.Context) {
	s.expire(ctx)
	s.dispatch(ctx)
	s.poll(ctx)
}

func (s *Synchronizer) expire(ctx context.Context) {
	expired, err := s.queue.Prune(ctx, s.now())
	if err != nil {
		s.logger.Error("outbox prune error", zap.Error(err))
		return
	}
	for _, job := range expired {
		s.notifier.JobExpired(job)
	}
}

func (s *Synchronizer) dispatch(ctx context.Context) {
	candidates, err := s.queue.DispatchCandidates(ctx, s.printers, s.now())
	if err != nil {
		s.logger.Error("dispatch candidates error", zap.Error(err))
		return
	}

	for _, job := range candidates {
		var externalID string
		err := s.brk.Do(ctx, func(ctx context.Context) error {
			id, submitErr := s.client.SubmitJob(ctx, job)
			if submitErr != nil {
				return submitErr
			}
			externalID = id
			return nil
		})

		switch {
		case errors.Is(err, breaker.ErrOpen):
			// Спулер признан нездоровым: задания остаются в очереди
			// до следующего прохода.
			s.logger.Debug("spooler circuit open, dispatch postponed")
			return
		case errors.Is(err, spooler.ErrRejected):
			// Окончательный отказ: задание удаляется из очереди.
			if _, rmErr := s.queue.Remove(ctx, job.UserID, job.FileToken); rmErr != nil {
				s.logger.Error("remove rejected job error", zap.Error(rmErr), zap.String("fileToken", job.FileToken))
				continue
			}
			s.notifier.JobFailed(job.FileToken, job.UserID, err.Error())
			continue
		case err != nil:
			// Временный сбой: задание остаётся в очереди.
			s.logger.Warn("submit job error", zap.Error(err), zap.String("fileToken", job.FileToken))
			continue
		}

		rec := model.SpoolerJobRecord{
			FileToken:   job.FileToken,
			UserID:      job.UserID,
			PrinterName: job.PrinterName,
			ExternalID:  &externalID,
			State:       model.JobStatePending,
			CreatedAt:   s.now(),
		}
		if err := s.records.InsertRecord(ctx, rec); err != nil {
			s.logger.Error("insert spooler record error", zap.Error(err), zap.String("fileToken", job.FileToken))
			continue
		}
		if _, err := s.queue.Remove(ctx, job.UserID, job.FileToken); err != nil {
			s.logger.Error("remove dispatched job error", zap.Error(err), zap.String("fileToken", job.FileToken))
		}

		s.logger.Info("print job dispatched",
			zap.String("fileToken", job.FileToken),
			zap.String("externalID", externalID),
		)
	}
}

func (s *Synchronizer) poll(ctx context.Context) {
	recs, err := s.records.NonTerminalRecords(ctx)
	if err != nil {
		s.logger.Error("load spooler records error", zap.Error(err))
		return
	}

	for _, rec := range recs {
		if rec.ExternalID == nil {
			continue
		}

		var state model.JobState
		err := s.brk.Do(ctx, func(ctx context.Context) error {
			st, qErr := s.client.QueryState(ctx, *rec.ExternalID)
			if qErr != nil {
				return qErr
			}
			state = st
			return nil
		})

		switch {
		case errors.Is(err, breaker.ErrOpen):
			s.logger.Debug("spooler circuit open, poll postponed")
			return
		case errors.Is(err, spooler.ErrUnknownJob):
			// Задание исчезло из спулера: фиксируем как прерванное.
			s.finalize(ctx, rec, model.JobStateAborted)
			continue
		case err != nil:
			s.logger.Warn("query job state error", zap.Error(err), zap.String("fileToken", rec.FileToken))
			continue
		}

		// Устаревшие ответы опроса игнорируются: состояние меняется
		// только в сторону роста порядкового номера.
		if state < rec.State {
			continue
		}

		if state.IsTerminal() {
			s.finalize(ctx, rec, state)
			continue
		}

		if state == rec.State {
			continue
		}

		if err := s.records.UpdateRecordState(ctx, rec.FileToken, state, nil); err != nil {
			s.logger.Error("update record state error", zap.Error(err), zap.String("fileToken", rec.FileToken))
		}
	}
}

// finalize переводит запись в конечное состояние и рассылает уведомление.
// После этого запись больше не опрашивается.
func (s *Synchronizer) finalize(ctx context.Context, rec model.SpoolerJobRecord, state model.JobState) {
	completed := s.now()
	if err := s.records.UpdateRecordState(ctx, rec.FileToken, state, &completed); err != nil {
		s.logger.Error("finalize record error", zap.Error(err), zap.String("fileToken", rec.FileToken))
		return
	}

	rec.State = state
	rec.CompletedTime = &completed

	if state == model.JobStateCompleted {
		s.notifier.JobCompleted(rec)
	} else {
		s.notifier.JobFailed(rec.FileToken, rec.UserID, state.String())
	}
}
