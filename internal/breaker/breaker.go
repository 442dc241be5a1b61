// Package breaker реализует предохранитель (circuit breaker) для вызовов
// ненадёжных внешних сервисов: спулера печати и конвертеров документов.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen возвращается, когда предохранитель разомкнут и вызов отклонён
// без обращения к внешнему сервису. Вызывающий код должен трактовать эту
// ошибку как временную недоступность, а не как отказ самой операции.
var ErrOpen = errors.New("circuit breaker is open")

// State описывает состояние предохранителя.
type State int

const (
	// StateClosed — нормальный режим, вызовы проходят насквозь.
	StateClosed State = iota
	// StateOpen — вызовы отклоняются без обращения к внешнему сервису.
	StateOpen
	// StateHalfOpen — разрешён ровно один пробный вызов.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

// Breaker защищает вызовы одной именованной внешней зависимости.
// Все переходы состояния сериализуются общим мьютексом экземпляра.
type Breaker struct {
	name      string
	threshold int
	timeout   time.Duration
	now       func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	changedAt     time.Time
	trialInFlight bool
}

// New создаёт предохранитель с указанным порогом последовательных отказов
// и длительностью удержания разомкнутого состояния.
func New(name string, threshold int, timeout time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
	}
}

// Name возвращает имя защищаемой зависимости.
func (b *Breaker) Name() string {
	return b.name
}

// State возвращает текущее состояние предохранителя.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset принудительно возвращает предохранитель в замкнутое состояние.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.trialInFlight = false
	b.changedAt = b.now()
}

// Do выполняет операцию под защитой предохранителя.
// В разомкнутом состоянии возвращает ErrOpen, не вызывая операцию.
// Ошибка самой операции пробрасывается вызывающему и учитывается
// счётчиком отказов.
func (b *Breaker) Do(ctx context.Context, op func(ctx context.Context) error) error {
	trial, err := b.allow()
	if err != nil {
		return err
	}

	opErr := op(ctx)
	b.settle(trial, opErr, ctx)
	return opErr
}

// allow решает, пропускать ли вызов, и сообщает, является ли он пробным.
func (b *Breaker) allow() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if b.now().Sub(b.changedAt) < b.timeout {
			return false, ErrOpen
		}
		// Таймаут истёк: пропускаем один пробный вызов.
		b.state = StateHalfOpen
		b.changedAt = b.now()
		b.trialInFlight = true
		return true, nil
	case StateHalfOpen:
		if b.trialInFlight {
			return false, ErrOpen
		}
		b.trialInFlight = true
		return true, nil
	}
	return false, ErrOpen
}

// settle учитывает результат выполненного вызова.
func (b *Breaker) settle(trial bool, opErr error, ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Прерванный вызывающей стороной вызов не меняет состояние:
	// отмена контекста не говорит о здоровье внешнего сервиса.
	if opErr != nil && ctx.Err() != nil && errors.Is(opErr, ctx.Err()) {
		if trial {
			b.trialInFlight = false
		}
		return
	}

	if trial {
		b.trialInFlight = false
		if opErr == nil {
			b.state = StateClosed
			b.failures = 0
		} else {
			b.state = StateOpen
		}
		b.changedAt = b.now()
		return
	}

	// Состояние могло измениться, пока вызов выполнялся.
	if b.state != StateClosed {
		return
	}

	if opErr == nil {
		b.failures = 0
		return
	}

	b.failures++
	if b.failures >= b.threshold {
		b.state = StateOpen
		b.changedAt = b.now()
	}
}

// Registry хранит предохранители по именам внешних зависимостей.
// Создаётся один раз при старте процесса и передаётся по ссылке.
type Registry struct {
	threshold int
	timeout   time.Duration

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry создаёт реестр с общими настройками для новых предохранителей.
func NewRegistry(threshold int, timeout time.Duration) *Registry {
	return &Registry{
		threshold: threshold,
		timeout:   timeout,
		breakers:  make(map[string]*Breaker),
	}
}

// Get возвращает предохранитель для указанной зависимости, создавая его
// при первом обращении. Повторные обращения возвращают тот же экземпляр.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.threshold, r.timeout)
	r.breakers[name] = b
	return b
}
