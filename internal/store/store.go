package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/iurnickita/bonusledger/internal/model"
	"github.com/iurnickita/bonusledger/internal/store/config"
)

type Store interface {
	ProjectGetByCredential(ctx context.Context, credential string) (model.Project, error)
	CustomerGetByEmail(ctx context.Context, projectID string, email string) (model.Customer, error)
	CustomerCreate(ctx context.Context, customer model.Customer) (model.Customer, error)
	BalanceSummary(ctx context.Context, customerID string, now time.Time, window time.Duration) (model.BalanceSummary, error)
	InTransaction(ctx context.Context, fn func(tx Tx) error) error
}

// Tx - операции внутри одной сериализуемой транзакции.
// Все чтения и записи одной логической операции ядра проходят здесь
type Tx interface {
	CustomerLock(ctx context.Context, customerID string) (model.Customer, error)
	CustomerProgress(ctx context.Context, customerID string, lifetimeSpend int64, tierID string) error
	TiersGetByProject(ctx context.Context, projectID string) ([]model.Tier, error)
	TransactionsGetByOrder(ctx context.Context, customerID string, orderRef string) ([]model.LedgerTransaction, error)
	TransactionInsert(ctx context.Context, t model.LedgerTransaction) error
	BonusGet(ctx context.Context, bonusID uuid.UUID) (model.Bonus, error)
	BonusPool(ctx context.Context, customerID string, now time.Time) ([]model.Bonus, error)
	BonusInsert(ctx context.Context, bonus model.Bonus) error
	BonusDecrease(ctx context.Context, bonusID uuid.UUID, amount int64) error
	BalanceSummary(ctx context.Context, customerID string, now time.Time, window time.Duration) (model.BalanceSummary, error)
}

var (
	ErrNoRows        = errors.New("no rows")
	ErrAlreadyExists = errors.New("already exists")
	ErrTransient     = errors.New("transient storage error")
)

type store struct {
	database *sql.DB
}

func NewStore(cfg config.Config) (Store, error) {
	db, err := sql.Open("pgx", cfg.DBDsn)
	if err != nil {
		return nil, err
	}

	// Таблица проектов. Заполняется при подключении магазина (вне ядра)
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS project (" +
			" id SERIAL PRIMARY KEY," +
			" credential VARCHAR (64) UNIQUE NOT NULL," +
			" title VARCHAR (100) NOT NULL DEFAULT ''," +
			" active BOOLEAN NOT NULL DEFAULT TRUE," +
			" grant_bps INTEGER NOT NULL DEFAULT 0," +
			" payment_bps INTEGER NOT NULL DEFAULT 10000," +
			" expiry_days INTEGER NOT NULL DEFAULT 365," +
			" referral_factor_bps INTEGER NOT NULL DEFAULT 0," +
			" callback_url VARCHAR (200) NOT NULL DEFAULT ''" +
			" );")
	if err != nil {
		return nil, err
	}

	// Таблица уровней проекта
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS tier (" +
			" id SERIAL PRIMARY KEY," +
			" project_id INTEGER NOT NULL," +
			" ord INTEGER NOT NULL," +
			" min_spend BIGINT NOT NULL," +
			" max_spend BIGINT," +
			" grant_bps INTEGER NOT NULL," +
			" payment_bps INTEGER NOT NULL" +
			" );")
	if err != nil {
		return nil, err
	}

	// Таблица покупателей
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS customer (" +
			" id SERIAL PRIMARY KEY," +
			" project_id INTEGER NOT NULL," +
			" email VARCHAR (100) NOT NULL," +
			" phone VARCHAR (20) NOT NULL DEFAULT ''," +
			" lifetime_spend BIGINT NOT NULL DEFAULT 0," +
			" tier_id INTEGER NOT NULL DEFAULT 0," +
			" referred_by INTEGER NOT NULL DEFAULT 0," +
			" active BOOLEAN NOT NULL DEFAULT TRUE," +
			" UNIQUE (project_id, email)" +
			" );")
	if err != nil {
		return nil, err
	}

	// Таблица бонусов. Одна строка на начисление.
	// Строки не удаляются, в том числе сгоревшие - нужны для сверки
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS bonus (" +
			" id UUID PRIMARY KEY," +
			" customer_id INTEGER NOT NULL," +
			" amount_granted BIGINT NOT NULL," +
			" amount_remaining BIGINT NOT NULL CHECK (amount_remaining >= 0)," +
			" granted_at TIMESTAMP WITH TIME ZONE NOT NULL," +
			" expires_at TIMESTAMP WITH TIME ZONE NOT NULL," +
			" source_type VARCHAR (10) NOT NULL," +
			" metadata JSONB" +
			" );")
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(
		"CREATE INDEX IF NOT EXISTS bonus_pool_idx" +
			" ON bonus (customer_id, expires_at);")
	if err != nil {
		return nil, err
	}

	// Журнал операций. Представляет собой append-only лог:
	// для каждой операции создаются новые записи,
	// так легче отслеживать историю и сверять баланс
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS ledger_transaction (" +
			" id UUID PRIMARY KEY," +
			" customer_id INTEGER NOT NULL," +
			" direction VARCHAR (5) NOT NULL," +
			" amount BIGINT NOT NULL," +
			" bonus_id UUID NOT NULL," +
			" tier_id INTEGER NOT NULL DEFAULT 0," +
			" is_referral BOOLEAN NOT NULL DEFAULT FALSE," +
			" referral_source INTEGER NOT NULL DEFAULT 0," +
			" order_ref VARCHAR (64) NOT NULL," +
			" created_at TIMESTAMP WITH TIME ZONE NOT NULL" +
			" );")
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(
		"CREATE INDEX IF NOT EXISTS ledger_transaction_order_idx" +
			" ON ledger_transaction (customer_id, order_ref);")
	if err != nil {
		return nil, err
	}

	return &store{
		database: db,
	}, nil
}

// querier - общие методы *sql.DB и *sql.Tx
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func toInt(id string) int {
	n, err := strconv.Atoi(id)
	if err != nil {
		return 0
	}
	return n
}

func fromInt(id int) string {
	if id == 0 {
		return ""
	}
	return strconv.Itoa(id)
}

func (store *store) ProjectGetByCredential(ctx context.Context, credential string) (model.Project, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT id, credential, title, active, grant_bps, payment_bps,"+
			" expiry_days, referral_factor_bps, callback_url"+
			" FROM project"+
			" WHERE credential = $1",
		credential)

	var project model.Project
	var id int
	err := row.Scan(&id,
		&project.Credential,
		&project.Title,
		&project.Active,
		&project.GrantBps,
		&project.PaymentBps,
		&project.ExpiryDays,
		&project.ReferralFactorBps,
		&project.CallbackURL)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Project{}, ErrNoRows
		}
		return model.Project{}, err
	}
	project.ID = fromInt(id)
	return project, nil
}

func customerScan(row *sql.Row) (model.Customer, error) {
	var customer model.Customer
	var id, projectID, tierID, referredBy int
	err := row.Scan(&id,
		&projectID,
		&customer.Email,
		&customer.Phone,
		&customer.LifetimeSpend,
		&tierID,
		&referredBy,
		&customer.Active)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Customer{}, ErrNoRows
		}
		return model.Customer{}, err
	}
	customer.ID = fromInt(id)
	customer.ProjectID = fromInt(projectID)
	customer.TierID = fromInt(tierID)
	customer.ReferredBy = fromInt(referredBy)
	return customer, nil
}

const customerFields = "id, project_id, email, phone, lifetime_spend, tier_id, referred_by, active"

func (store *store) CustomerGetByEmail(ctx context.Context, projectID string, email string) (model.Customer, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT "+customerFields+
			" FROM customer"+
			" WHERE project_id = $1"+
			"   AND email = $2",
		toInt(projectID),
		email)
	return customerScan(row)
}

func (store *store) CustomerCreate(ctx context.Context, customer model.Customer) (model.Customer, error) {
	row := store.database.QueryRowContext(ctx,
		"INSERT INTO customer (project_id, email, phone, lifetime_spend, tier_id, referred_by, active)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7)"+
			" RETURNING id",
		toInt(customer.ProjectID),
		customer.Email,
		customer.Phone,
		customer.LifetimeSpend,
		toInt(customer.TierID),
		toInt(customer.ReferredBy),
		customer.Active)

	var id int
	err := row.Scan(&id)
	if err != nil {
		// Проверка: уже существует
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == "23505" {
				return model.Customer{}, ErrAlreadyExists
			}
		}
		return model.Customer{}, err
	}

	customer.ID = strconv.Itoa(id)
	return customer, nil
}

func (store *store) BalanceSummary(ctx context.Context, customerID string, now time.Time, window time.Duration) (model.BalanceSummary, error) {
	return balanceSummary(ctx, store.database, customerID, now, window)
}

// InTransaction выполняет fn в одной сериализуемой транзакции.
// Конфликты сериализации и дедлоки возвращаются как ErrTransient -
// вызывающий повторяет операцию целиком, это безопасно
// благодаря ключу идемпотентности
func (store *store) InTransaction(ctx context.Context, fn func(tx Tx) error) error {
	dbtx, err := store.database.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer dbtx.Rollback()

	err = fn(&storeTx{dbtx: dbtx})
	if err != nil {
		return transientCheck(err)
	}

	return transientCheck(dbtx.Commit())
}

func transientCheck(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return ErrTransient
		}
	}
	return err
}

type storeTx struct {
	dbtx *sql.Tx
}

func (tx *storeTx) CustomerLock(ctx context.Context, customerID string) (model.Customer, error) {
	// Блокировка строки покупателя сериализует
	// конкурентные операции над одним балансом
	row := tx.dbtx.QueryRowContext(ctx,
		"SELECT "+customerFields+
			" FROM customer"+
			" WHERE id = $1"+
			" FOR UPDATE",
		toInt(customerID))
	return customerScan(row)
}

func (tx *storeTx) CustomerProgress(ctx context.Context, customerID string, lifetimeSpend int64, tierID string) error {
	_, err := tx.dbtx.ExecContext(ctx,
		"UPDATE customer"+
			" SET lifetime_spend = $1,"+
			"     tier_id = $2"+
			" WHERE id = $3",
		lifetimeSpend,
		toInt(tierID),
		toInt(customerID))
	return err
}

func (tx *storeTx) TiersGetByProject(ctx context.Context, projectID string) ([]model.Tier, error) {
	rows, err := tx.dbtx.QueryContext(ctx,
		"SELECT id, project_id, ord, min_spend, max_spend, grant_bps, payment_bps"+
			" FROM tier"+
			" WHERE project_id = $1"+
			" ORDER BY ord",
		toInt(projectID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tiers []model.Tier
	for rows.Next() {
		var tier model.Tier
		var id, projID int
		var maxSpend sql.NullInt64
		err := rows.Scan(&id,
			&projID,
			&tier.Order,
			&tier.MinSpend,
			&maxSpend,
			&tier.GrantBps,
			&tier.PaymentBps)
		if err != nil {
			return nil, err
		}
		tier.ID = fromInt(id)
		tier.ProjectID = fromInt(projID)
		if maxSpend.Valid {
			tier.MaxSpend = &maxSpend.Int64
		}
		tiers = append(tiers, tier)
	}
	return tiers, rows.Err()
}

func (tx *storeTx) TransactionsGetByOrder(ctx context.Context, customerID string, orderRef string) ([]model.LedgerTransaction, error) {
	rows, err := tx.dbtx.QueryContext(ctx,
		"SELECT id, customer_id, direction, amount, bonus_id, tier_id,"+
			" is_referral, referral_source, order_ref, created_at"+
			" FROM ledger_transaction"+
			" WHERE customer_id = $1"+
			"   AND order_ref = $2"+
			" ORDER BY created_at",
		toInt(customerID),
		orderRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []model.LedgerTransaction
	for rows.Next() {
		var t model.LedgerTransaction
		var custID, tierID, refSource int
		err := rows.Scan(&t.ID,
			&custID,
			&t.Direction,
			&t.Amount,
			&t.BonusID,
			&tierID,
			&t.IsReferral,
			&refSource,
			&t.OrderRef,
			&t.CreatedAt)
		if err != nil {
			return nil, err
		}
		t.CustomerID = fromInt(custID)
		t.TierID = fromInt(tierID)
		t.ReferralSource = fromInt(refSource)
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}

func (tx *storeTx) TransactionInsert(ctx context.Context, t model.LedgerTransaction) error {
	_, err := tx.dbtx.ExecContext(ctx,
		"INSERT INTO ledger_transaction (id, customer_id, direction, amount, bonus_id,"+
			" tier_id, is_referral, referral_source, order_ref, created_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
		t.ID,
		toInt(t.CustomerID),
		t.Direction,
		t.Amount,
		t.BonusID,
		toInt(t.TierID),
		t.IsReferral,
		toInt(t.ReferralSource),
		t.OrderRef,
		t.CreatedAt)
	return err
}

func bonusScanRow(dest interface {
	Scan(dest ...any) error
}) (model.Bonus, error) {
	var bonus model.Bonus
	var custID int
	var metadata []byte
	err := dest.Scan(&bonus.ID,
		&custID,
		&bonus.AmountGranted,
		&bonus.AmountRemaining,
		&bonus.GrantedAt,
		&bonus.ExpiresAt,
		&bonus.SourceType,
		&metadata)
	if err != nil {
		return model.Bonus{}, err
	}
	bonus.CustomerID = fromInt(custID)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &bonus.Metadata); err != nil {
			return model.Bonus{}, err
		}
	}
	return bonus, nil
}

const bonusFields = "id, customer_id, amount_granted, amount_remaining, granted_at, expires_at, source_type, metadata"

func (tx *storeTx) BonusGet(ctx context.Context, bonusID uuid.UUID) (model.Bonus, error) {
	row := tx.dbtx.QueryRowContext(ctx,
		"SELECT "+bonusFields+
			" FROM bonus"+
			" WHERE id = $1",
		bonusID)
	bonus, err := bonusScanRow(row)
	if err == sql.ErrNoRows {
		return model.Bonus{}, ErrNoRows
	}
	return bonus, err
}

// BonusPool возвращает бонусы, доступные к списанию:
// с остатком, не сгоревшие, в порядке сгорания (ближайшие первыми)
func (tx *storeTx) BonusPool(ctx context.Context, customerID string, now time.Time) ([]model.Bonus, error) {
	rows, err := tx.dbtx.QueryContext(ctx,
		"SELECT "+bonusFields+
			" FROM bonus"+
			" WHERE customer_id = $1"+
			"   AND amount_remaining > 0"+
			"   AND expires_at > $2"+
			" ORDER BY expires_at"+
			" FOR UPDATE",
		toInt(customerID),
		now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pool []model.Bonus
	for rows.Next() {
		bonus, err := bonusScanRow(rows)
		if err != nil {
			return nil, err
		}
		pool = append(pool, bonus)
	}
	return pool, rows.Err()
}

func (tx *storeTx) BonusInsert(ctx context.Context, bonus model.Bonus) error {
	var metadata []byte
	if bonus.Metadata != nil {
		var err error
		metadata, err = json.Marshal(bonus.Metadata)
		if err != nil {
			return err
		}
	}
	_, err := tx.dbtx.ExecContext(ctx,
		"INSERT INTO bonus (id, customer_id, amount_granted, amount_remaining,"+
			" granted_at, expires_at, source_type, metadata)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		bonus.ID,
		toInt(bonus.CustomerID),
		bonus.AmountGranted,
		bonus.AmountRemaining,
		bonus.GrantedAt,
		bonus.ExpiresAt,
		bonus.SourceType,
		metadata)
	return err
}

func (tx *storeTx) BonusDecrease(ctx context.Context, bonusID uuid.UUID, amount int64) error {
	_, err := tx.dbtx.ExecContext(ctx,
		"UPDATE bonus"+
			" SET amount_remaining = amount_remaining - $1"+
			" WHERE id = $2",
		amount,
		bonusID)
	return err
}

func (tx *storeTx) BalanceSummary(ctx context.Context, customerID string, now time.Time, window time.Duration) (model.BalanceSummary, error) {
	return balanceSummary(ctx, tx.dbtx, customerID, now, window)
}

func balanceSummary(ctx context.Context, q querier, customerID string, now time.Time, window time.Duration) (model.BalanceSummary, error) {
	var summary model.BalanceSummary

	// Обороты по журналу
	row := q.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(CASE WHEN direction = 'EARN' THEN amount ELSE 0 END), 0),"+
			"      COALESCE(SUM(CASE WHEN direction = 'SPEND' THEN amount ELSE 0 END), 0)"+
			" FROM ledger_transaction"+
			" WHERE customer_id = $1",
		toInt(customerID))
	err := row.Scan(&summary.TotalEarned, &summary.TotalSpent)
	if err != nil {
		return model.BalanceSummary{}, err
	}

	// Текущий баланс и сгорающие в ближайшем окне - по остаткам бонусов
	row = q.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(amount_remaining), 0),"+
			"      COALESCE(SUM(CASE WHEN expires_at <= $3 THEN amount_remaining ELSE 0 END), 0)"+
			" FROM bonus"+
			" WHERE customer_id = $1"+
			"   AND expires_at > $2",
		toInt(customerID),
		now,
		now.Add(window))
	err = row.Scan(&summary.Current, &summary.ExpiringSoon)
	if err != nil {
		return model.BalanceSummary{}, err
	}

	return summary, nil
}
