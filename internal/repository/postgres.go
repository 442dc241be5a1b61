// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/akozyrev/printhub-system/internal/ledger"
	"github.com/akozyrev/printhub-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrAccountNotFound возвращается, если счёт не найден.
	ErrAccountNotFound = errors.New("account not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при сбоях сериализации, взаимных блокировках
// и сетевых обрывах. Прочие ошибки возвращаются сразу.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewConstant(time.Second))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт пользователя вместе с его личным счётом.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO users (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO accounts (user_id, account_type, restricted) VALUES ($1, $2, TRUE)`,
		id, string(model.AccountTypePersonal),
	)
	if err != nil {
		return 0, fmt.Errorf("create personal account: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

const accountColumns = `id, user_id, parent_id, account_type, balance, overdraft, restricted, disabled, created_at`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var acc model.Account
	var accType string
	err := row.Scan(&acc.ID, &acc.UserID, &acc.ParentID, &accType,
		&acc.Balance, &acc.Overdraft, &acc.Restricted, &acc.Disabled, &acc.CreatedAt)
	if err != nil {
		return nil, err
	}
	acc.Type = model.AccountType(accType)
	return &acc, nil
}

// AccountByUser возвращает личный счёт пользователя.
func (r *PostgresRepository) AccountByUser(ctx context.Context, userID int64) (*model.Account, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 AND account_type = $2`,
		userID, string(model.AccountTypePersonal),
	)

	acc, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return acc, nil
}

// ListAccounts возвращает все счета, включая отключённые.
func (r *PostgresRepository) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select accounts: %w", err)
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, *acc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return accounts, nil
}

// postTrxTx добавляет проводку и обновляет баланс в рамках открытой транзакции.
// Строка счёта блокируется для сериализации конкурентных проводок.
func postTrxTx(ctx context.Context, tx pgx.Tx, trx model.AccountTrx) (*model.AccountTrx, error) {
	var (
		balance    decimal.Decimal
		overdraft  decimal.Decimal
		restricted bool
	)
	err := tx.QueryRow(ctx,
		`SELECT balance, overdraft, restricted FROM accounts WHERE id = $1 FOR UPDATE`,
		trx.AccountID,
	).Scan(&balance, &overdraft, &restricted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ErrAccountNotFound, trx.AccountID)
		}
		return nil, fmt.Errorf("lock account: %w", err)
	}

	newBalance := balance.Add(trx.Amount)
	if restricted && newBalance.LessThan(overdraft.Neg()) {
		return nil, fmt.Errorf("%w: account %d, balance %s, overdraft %s",
			ledger.ErrInsufficientFunds, trx.AccountID, balance, overdraft)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO account_trx (account_id, amount, currency_code, trx_type, comment, correlation_id, trx_date)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		trx.AccountID, trx.Amount, trx.CurrencyCode, string(trx.Type), trx.Comment, trx.CorrelationID, trx.TrxDate,
	).Scan(&trx.ID)
	if err != nil {
		return nil, fmt.Errorf("insert trx: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE accounts SET balance = $2 WHERE id = $1`,
		trx.AccountID, newBalance,
	)
	if err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	return &trx, nil
}

// PostTrx атомарно добавляет проводку и обновляет баланс счёта.
func (r *PostgresRepository) PostTrx(ctx context.Context, trx model.AccountTrx) (*model.AccountTrx, error) {
	var posted *model.AccountTrx

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		posted, err = postTrxTx(ctx, tx, trx)
		if err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}

	return posted, nil
}

// PostBatch применяет набор проводок одной транзакцией: либо все, либо ни одной.
func (r *PostgresRepository) PostBatch(ctx context.Context, trxs []model.AccountTrx) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		for _, trx := range trxs {
			if _, err := postTrxTx(ctx, tx, trx); err != nil {
				return err
			}
		}

		return tx.Commit(ctx)
	})
}

// ApplyCurrencyChange применяет пакет смены базовой валюты одной транзакцией.
// Любой сбой откатывает пакет целиком: частично применённые счета недопустимы.
func (r *PostgresRepository) ApplyCurrencyChange(ctx context.Context, changes []ledger.CurrencyChange, newCurrency string) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		for _, ch := range changes {
			for _, trx := range []model.AccountTrx{ch.Debit, ch.Credit} {
				_, err := tx.Exec(ctx,
					`INSERT INTO account_trx (account_id, amount, currency_code, trx_type, comment, correlation_id, trx_date)
					 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
					trx.AccountID, trx.Amount, trx.CurrencyCode, string(trx.Type), trx.Comment, trx.CorrelationID, trx.TrxDate,
				)
				if err != nil {
					return fmt.Errorf("insert currency trx: %w", err)
				}
			}

			cmdTag, err := tx.Exec(ctx,
				`UPDATE accounts SET balance = $2, overdraft = $3 WHERE id = $1`,
				ch.AccountID, ch.Credit.Amount, ch.NewOverdraft,
			)
			if err != nil {
				return fmt.Errorf("update account %d: %w", ch.AccountID, err)
			}
			if cmdTag.RowsAffected() != 1 {
				return fmt.Errorf("%w: id %d", ErrAccountNotFound, ch.AccountID)
			}
		}

		_, err = tx.Exec(ctx,
			`UPDATE settings SET base_currency = $1 WHERE id = 1`,
			newCurrency,
		)
		if err != nil {
			return fmt.Errorf("update base currency: %w", err)
		}

		return tx.Commit(ctx)
	})
}

// BaseCurrency возвращает текущую базовую валюту системы.
func (r *PostgresRepository) BaseCurrency(ctx context.Context) (string, error) {
	var currency string
	err := r.pool.QueryRow(ctx, `SELECT base_currency FROM settings WHERE id = 1`).Scan(&currency)
	if err != nil {
		return "", fmt.Errorf("get base currency: %w", err)
	}
	return currency, nil
}

// DeleteTrxBefore удаляет проводки старше даты отсечения целиком.
func (r *PostgresRepository) DeleteTrxBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`DELETE FROM account_trx WHERE trx_date < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete trx: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}

// TrxByAccount возвращает проводки счёта, новые первыми.
func (r *PostgresRepository) TrxByAccount(ctx context.Context, accountID int64) ([]model.AccountTrx, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, account_id, amount, currency_code, trx_type, comment, correlation_id, trx_date
		 FROM account_trx
		 WHERE account_id = $1
		 ORDER BY trx_date DESC, id DESC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("select trx: %w", err)
	}
	defer rows.Close()

	var res []model.AccountTrx
	for rows.Next() {
		var trx model.AccountTrx
		var trxType string
		if err := rows.Scan(&trx.ID, &trx.AccountID, &trx.Amount, &trx.CurrencyCode,
			&trxType, &trx.Comment, &trx.CorrelationID, &trx.TrxDate); err != nil {
			return nil, fmt.Errorf("scan trx: %w", err)
		}
		trx.Type = model.TrxType(trxType)
		res = append(res, trx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

const outboxColumns = `file_token, user_id, printer_name, submit_time, expiry_time, cost, sheets, options, correlation_id`

func scanOutboxJob(row pgx.Row) (*model.OutboxJob, error) {
	var job model.OutboxJob
	err := row.Scan(&job.FileToken, &job.UserID, &job.PrinterName, &job.SubmitTime,
		&job.ExpiryTime, &job.Cost, &job.Sheets, &job.Options, &job.CorrelationID)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func collectOutboxJobs(rows pgx.Rows) ([]model.OutboxJob, error) {
	defer rows.Close()

	var res []model.OutboxJob
	for rows.Next() {
		job, err := scanOutboxJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox job: %w", err)
		}
		res = append(res, *job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// InsertJob сохраняет задание очереди. Возвращает false, если задание
// с таким файловым токеном уже существует.
func (r *PostgresRepository) InsertJob(ctx context.Context, job model.OutboxJob) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`INSERT INTO outbox_jobs (`+outboxColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (file_token) DO NOTHING`,
		job.FileToken, job.UserID, job.PrinterName, job.SubmitTime,
		job.ExpiryTime, job.Cost, job.Sheets, job.Options, job.CorrelationID,
	)
	if err != nil {
		return false, fmt.Errorf("insert outbox job: %w", err)
	}

	return cmdTag.RowsAffected() == 1, nil
}

// DeleteExpired удаляет и возвращает задания со сроком ≤ ref.
func (r *PostgresRepository) DeleteExpired(ctx context.Context, ref time.Time) ([]model.OutboxJob, error) {
	rows, err := r.pool.Query(ctx,
		`DELETE FROM outbox_jobs WHERE expiry_time <= $1 RETURNING `+outboxColumns,
		ref,
	)
	if err != nil {
		return nil, fmt.Errorf("delete expired jobs: %w", err)
	}

	return collectOutboxJobs(rows)
}

// ExtendUserJobs сдвигает срок всех заданий пользователя и возвращает их число.
func (r *PostgresRepository) ExtendUserJobs(ctx context.Context, userID int64, delta time.Duration) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE outbox_jobs SET expiry_time = expiry_time + $2 WHERE user_id = $1`,
		userID, delta,
	)
	if err != nil {
		return 0, fmt.Errorf("extend jobs: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}

// JobsByUser возвращает задания пользователя в порядке поступления.
func (r *PostgresRepository) JobsByUser(ctx context.Context, userID int64) ([]model.OutboxJob, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+outboxColumns+` FROM outbox_jobs WHERE user_id = $1 ORDER BY submit_time`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select outbox jobs: %w", err)
	}

	return collectOutboxJobs(rows)
}

// AllJobs возвращает задания всех пользователей в порядке поступления.
func (r *PostgresRepository) AllJobs(ctx context.Context) ([]model.OutboxJob, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT ` + outboxColumns + ` FROM outbox_jobs ORDER BY submit_time`,
	)
	if err != nil {
		return nil, fmt.Errorf("select outbox jobs: %w", err)
	}

	return collectOutboxJobs(rows)
}

// DeleteJob удаляет задание пользователя по токену.
func (r *PostgresRepository) DeleteJob(ctx context.Context, userID int64, fileToken string) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`DELETE FROM outbox_jobs WHERE user_id = $1 AND file_token = $2`,
		userID, fileToken,
	)
	if err != nil {
		return false, fmt.Errorf("delete outbox job: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// InsertRecord сохраняет запись о задании, отправленном в спулер.
func (r *PostgresRepository) InsertRecord(ctx context.Context, rec model.SpoolerJobRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO spooler_jobs (file_token, user_id, printer_name, external_id, state, completed_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (file_token) DO NOTHING`,
		rec.FileToken, rec.UserID, rec.PrinterName, rec.ExternalID,
		int(rec.State), rec.CompletedTime, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert spooler record: %w", err)
	}
	return nil
}

const spoolerColumns = `file_token, user_id, printer_name, external_id, state, completed_at, created_at`

func collectSpoolerRecords(rows pgx.Rows) ([]model.SpoolerJobRecord, error) {
	defer rows.Close()

	var res []model.SpoolerJobRecord
	for rows.Next() {
		var rec model.SpoolerJobRecord
		var state int
		if err := rows.Scan(&rec.FileToken, &rec.UserID, &rec.PrinterName,
			&rec.ExternalID, &state, &rec.CompletedTime, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan spooler record: %w", err)
		}
		rec.State = model.JobState(state)
		res = append(res, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// NonTerminalRecords возвращает записи, ещё не достигшие конечного состояния.
func (r *PostgresRepository) NonTerminalRecords(ctx context.Context) ([]model.SpoolerJobRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+spoolerColumns+` FROM spooler_jobs WHERE state < $1 ORDER BY created_at`,
		int(model.JobStateCanceled),
	)
	if err != nil {
		return nil, fmt.Errorf("select spooler records: %w", err)
	}

	return collectSpoolerRecords(rows)
}

// RecordsByUser возвращает записи о заданиях пользователя, новые первыми.
func (r *PostgresRepository) RecordsByUser(ctx context.Context, userID int64) ([]model.SpoolerJobRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+spoolerColumns+` FROM spooler_jobs WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select spooler records: %w", err)
	}

	return collectSpoolerRecords(rows)
}

// UpdateRecordState обновляет состояние записи. Условие на порядковый номер
// отбрасывает понижения: устаревшее обновление не затирает более позднее.
func (r *PostgresRepository) UpdateRecordState(ctx context.Context, fileToken string, state model.JobState, completedAt *time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE spooler_jobs SET state = $2, completed_at = $3
		 WHERE file_token = $1 AND state <= $2`,
		fileToken, int(state), completedAt,
	)
	if err != nil {
		return fmt.Errorf("update spooler record: %w", err)
	}
	return nil
}
