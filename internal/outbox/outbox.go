// Package outbox реализует очередь отложенных заданий печати: задания
// хранятся по пользователям до отправки в спулер или истечения срока.
package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/akozyrev/printhub-system/internal/model"
)

// Store описывает контракт хранилища очереди.
type Store interface {
	// InsertJob сохраняет задание. Возвращает false, если задание
	// с таким файловым токеном уже существует.
	InsertJob(ctx context.Context, job model.OutboxJob) (bool, error)
	// DeleteExpired удаляет и возвращает задания со сроком ≤ ref.
	DeleteExpired(ctx context.Context, ref time.Time) ([]model.OutboxJob, error)
	// ExtendUserJobs сдвигает срок всех заданий пользователя на delta
	// и возвращает число затронутых заданий.
	ExtendUserJobs(ctx context.Context, userID int64, delta time.Duration) (int64, error)
	// JobsByUser возвращает задания пользователя в порядке поступления.
	JobsByUser(ctx context.Context, userID int64) ([]model.OutboxJob, error)
	// AllJobs возвращает задания всех пользователей в порядке поступления.
	AllJobs(ctx context.Context) ([]model.OutboxJob, error)
	// DeleteJob удаляет задание пользователя по токену.
	DeleteJob(ctx context.Context, userID int64, fileToken string) (bool, error)
}

// Queue хранит отложенные задания и служит единственным источником истины
// о ещё не отправленных заданиях. Операции одного пользователя
// сериализуются, операции разных пользователей независимы.
type Queue struct {
	store   Store
	horizon time.Duration
	now     func() time.Time

	mu        sync.Mutex
	userLocks map[int64]*sync.Mutex
}

// NewQueue создаёт очередь с указанным горизонтом хранения заданий.
func NewQueue(store Store, horizon time.Duration) *Queue {
	return &Queue{
		store:     store,
		horizon:   horizon,
		now:       time.Now,
		userLocks: make(map[int64]*sync.Mutex),
	}
}

func (q *Queue) lockUser(userID int64) func() {
	q.mu.Lock()
	l, ok := q.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		q.userLocks[userID] = l
	}
	q.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Enqueue добавляет задание в очередь. Если срок не задан, он вычисляется
// как время подачи плюс горизонт хранения. Операция идемпотентна по
// файловому токену: повторная вставка возвращает false.
func (q *Queue) Enqueue(ctx context.Context, job model.OutboxJob) (bool, error) {
	if job.SubmitTime.IsZero() {
		job.SubmitTime = q.now()
	}
	if job.ExpiryTime.IsZero() {
		job.ExpiryTime = job.SubmitTime.Add(q.horizon)
	}
	if job.ExpiryTime.Before(job.SubmitTime) {
		return false, fmt.Errorf("expiry %s before submit %s", job.ExpiryTime, job.SubmitTime)
	}

	unlock := q.lockUser(job.UserID)
	defer unlock()

	created, err := q.store.InsertJob(ctx, job)
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}
	return created, nil
}

// Prune удаляет и возвращает все задания со сроком ≤ referenceTime.
// Это единственный путь удаления просроченных заданий; вызывается
// лениво перед каждым чтением очереди.
func (q *Queue) Prune(ctx context.Context, referenceTime time.Time) ([]model.OutboxJob, error) {
	pruned, err := q.store.DeleteExpired(ctx, referenceTime)
	if err != nil {
		return nil, fmt.Errorf("delete expired: %w", err)
	}
	return pruned, nil
}

// Extend сдвигает срок всех заданий пользователя на указанное число минут
// и возвращает число затронутых заданий.
func (q *Queue) Extend(ctx context.Context, userID int64, minutes int) (int64, error) {
	if minutes <= 0 {
		return 0, fmt.Errorf("minutes must be positive, got %d", minutes)
	}

	unlock := q.lockUser(userID)
	defer unlock()

	if _, err := q.Prune(ctx, q.now()); err != nil {
		return 0, err
	}

	affected, err := q.store.ExtendUserJobs(ctx, userID, time.Duration(minutes)*time.Minute)
	if err != nil {
		return 0, fmt.Errorf("extend jobs: %w", err)
	}
	return affected, nil
}

// CandidatesFor возвращает задания пользователя для указанного набора
// принтеров, пригодные к отправке на момент referenceTime. Перед чтением
// выполняется ленивое удаление просроченных заданий. Задания возвращаются
// в порядке поступления: отправка честна по принципу FIFO.
func (q *Queue) CandidatesFor(ctx context.Context, userID int64, printerNames []string, referenceTime time.Time) ([]model.OutboxJob, error) {
	unlock := q.lockUser(userID)
	defer unlock()

	if _, err := q.Prune(ctx, referenceTime); err != nil {
		return nil, err
	}

	jobs, err := q.store.JobsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("jobs by user: %w", err)
	}

	printers := make(map[string]struct{}, len(printerNames))
	for _, p := range printerNames {
		printers[p] = struct{}{}
	}

	candidates := jobs[:0:0]
	for _, job := range jobs {
		if len(printers) > 0 {
			if _, ok := printers[job.PrinterName]; !ok {
				continue
			}
		}
		candidates = append(candidates, job)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].SubmitTime.Before(candidates[j].SubmitTime)
	})

	return candidates, nil
}

// DispatchCandidates возвращает задания всех пользователей для указанного
// набора принтеров, пригодные к отправке на момент referenceTime.
// Просроченные задания предварительно удаляются.
func (q *Queue) DispatchCandidates(ctx context.Context, printerNames []string, referenceTime time.Time) ([]model.OutboxJob, error) {
	if _, err := q.Prune(ctx, referenceTime); err != nil {
		return nil, err
	}

	jobs, err := q.store.AllJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("all jobs: %w", err)
	}

	printers := make(map[string]struct{}, len(printerNames))
	for _, p := range printerNames {
		printers[p] = struct{}{}
	}

	candidates := jobs[:0:0]
	for _, job := range jobs {
		if len(printers) > 0 {
			if _, ok := printers[job.PrinterName]; !ok {
				continue
			}
		}
		candidates = append(candidates, job)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].SubmitTime.Before(candidates[j].SubmitTime)
	})

	return candidates, nil
}

// Jobs возвращает все непросроченные задания пользователя.
func (q *Queue) Jobs(ctx context.Context, userID int64) ([]model.OutboxJob, error) {
	return q.CandidatesFor(ctx, userID, nil, q.now())
}

// Remove удаляет задание пользователя по токену (явная отмена).
// Возвращает, было ли задание найдено.
func (q *Queue) Remove(ctx context.Context, userID int64, fileToken string) (bool, error) {
	unlock := q.lockUser(userID)
	defer unlock()

	found, err := q.store.DeleteJob(ctx, userID, fileToken)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	return found, nil
}
