package ledger

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iurnickita/bonusledger/internal/ledger/config"
	"github.com/iurnickita/bonusledger/internal/model"
	"github.com/iurnickita/bonusledger/internal/store"
	"github.com/iurnickita/bonusledger/internal/tierengine"
)

type Ledger interface {
	Grant(ctx context.Context, project model.Project, req GrantRequest) (GrantResult, error)
	Redeem(ctx context.Context, project model.Project, req RedeemRequest) (RedeemResult, error)
	Balance(ctx context.Context, customerID string) (model.BalanceSummary, error)
}

var (
	ErrInsufficientData    = errors.New("insufficient data")
	ErrAmountIncorrect     = errors.New("amount value is incorrect")
	ErrNotFound            = errors.New("customer not found")
	ErrCustomerInactive    = errors.New("customer is inactive")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOverPaymentLimit    = errors.New("over tier payment limit")
	ErrConflict            = errors.New("order reference already applied with different parameters")
)

type GrantRequest struct {
	CustomerID     string
	SourceType     string
	PurchaseAmount int64 // сумма покупки для PURCHASE
	GrantAmount    int64 // прямая сумма начисления для MANUAL
	OrderRef       string
}

type GrantResult struct {
	Bonus    model.Bonus
	Balance  model.BalanceSummary
	Replayed bool // повтор события, возвращен прежний результат
}

type RedeemRequest struct {
	CustomerID  string
	Amount      int64
	OrderAmount int64 // сумма заказа для лимита оплаты бонусами, 0 = без лимита
	OrderRef    string
}

type RedeemResult struct {
	Spent            int64
	ConsumedBonusIDs []uuid.UUID
	Balance          model.BalanceSummary
	Replayed         bool
}

type ledger struct {
	cfg    config.Config
	store  store.Store
	zaplog *zap.Logger
	now    func() time.Time
}

func NewLedger(cfg config.Config, store store.Store, zaplog *zap.Logger) Ledger {
	if cfg.ExpiringSoonDays <= 0 {
		cfg.ExpiringSoonDays = 7
	}
	return &ledger{
		cfg:    cfg,
		store:  store,
		zaplog: zaplog,
		now:    time.Now,
	}
}

func (l *ledger) window() time.Duration {
	return time.Duration(l.cfg.ExpiringSoonDays) * 24 * time.Hour
}

// Grant начисляет бонус. Вся операция - одна атомарная единица:
// бонус, запись журнала, накопленная сумма, уровень и реферальный
// каскад либо фиксируются вместе, либо не фиксируются вовсе
func (l *ledger) Grant(ctx context.Context, project model.Project, req GrantRequest) (GrantResult, error) {
	if req.CustomerID == "" || req.OrderRef == "" {
		return GrantResult{}, ErrInsufficientData
	}
	switch req.SourceType {
	case model.BonusSourcePurchase:
		if req.PurchaseAmount <= 0 {
			return GrantResult{}, ErrAmountIncorrect
		}
	case model.BonusSourceManual:
		if req.GrantAmount <= 0 {
			return GrantResult{}, ErrAmountIncorrect
		}
	default:
		return GrantResult{}, ErrInsufficientData
	}

	var result GrantResult
	err := l.store.InTransaction(ctx, func(tx store.Tx) error {
		customer, err := tx.CustomerLock(ctx, req.CustomerID)
		if err != nil {
			if errors.Is(err, store.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if !customer.Active {
			return ErrCustomerInactive
		}
		now := l.now()

		// Идемпотентность: повтор вебхука не должен начислить дважды.
		// Если заказ уже проведен - возвращаем прежний результат
		prior, err := tx.TransactionsGetByOrder(ctx, customer.ID, req.OrderRef)
		if err != nil {
			return err
		}
		for _, t := range prior {
			if t.Direction != model.DirectionEarn || t.IsReferral {
				continue
			}
			bonus, err := tx.BonusGet(ctx, t.BonusID)
			if err != nil {
				return err
			}
			if err := grantReplayCheck(bonus, req); err != nil {
				return err
			}
			result.Bonus = bonus
			result.Replayed = true
			result.Balance, err = tx.BalanceSummary(ctx, customer.ID, now, l.window())
			return err
		}

		var tiers []model.Tier
		var tier model.Tier
		var grantAmount int64
		var metadata map[string]string
		switch req.SourceType {
		case model.BonusSourcePurchase:
			dbTiers, err := tx.TiersGetByProject(ctx, project.ID)
			if err != nil {
				return err
			}
			tiers = tierengine.Effective(project, dbTiers)

			// Процент берется по уровню до текущей покупки
			tier, err = tierengine.CurrentTier(tiers, customer.LifetimeSpend)
			if err != nil {
				return err
			}
			grantAmount = tierengine.ApplyBps(req.PurchaseAmount, tier.GrantBps)
			metadata = map[string]string{
				model.MetaPurchaseAmount: strconv.FormatInt(req.PurchaseAmount, 10),
				model.MetaOrderRef:       req.OrderRef,
			}
		case model.BonusSourceManual:
			// административное начисление: сумма задана напрямую,
			// уровень не участвует
			grantAmount = req.GrantAmount
		}

		bonus := model.Bonus{
			ID:              uuid.New(),
			CustomerID:      customer.ID,
			AmountGranted:   grantAmount,
			AmountRemaining: grantAmount,
			GrantedAt:       now,
			ExpiresAt:       now.AddDate(0, 0, project.ExpiryDays),
			SourceType:      req.SourceType,
			Metadata:        metadata,
		}
		if err := tx.BonusInsert(ctx, bonus); err != nil {
			return err
		}
		err = tx.TransactionInsert(ctx, model.LedgerTransaction{
			ID:         uuid.New(),
			CustomerID: customer.ID,
			Direction:  model.DirectionEarn,
			Amount:     grantAmount,
			BonusID:    bonus.ID,
			TierID:     tier.ID,
			OrderRef:   req.OrderRef,
			CreatedAt:  now,
		})
		if err != nil {
			return err
		}

		if req.SourceType == model.BonusSourcePurchase {
			customer.LifetimeSpend += req.PurchaseAmount
			if _, err := tierengine.Recompute(tiers, &customer); err != nil {
				return err
			}
			err = tx.CustomerProgress(ctx, customer.ID, customer.LifetimeSpend, customer.TierID)
			if err != nil {
				return err
			}

			if customer.ReferredBy != "" {
				err = l.referralCascade(ctx, tx, project, tiers, customer, req, now)
				if err != nil {
					return err
				}
			}
		}

		result.Bonus = bonus
		result.Balance, err = tx.BalanceSummary(ctx, customer.ID, now, l.window())
		return err
	})
	if err != nil {
		return GrantResult{}, err
	}
	return result, nil
}

// Повтор с другими параметрами - конфликт, а не идемпотентный ответ
func grantReplayCheck(bonus model.Bonus, req GrantRequest) error {
	switch req.SourceType {
	case model.BonusSourcePurchase:
		stored := bonus.Metadata[model.MetaPurchaseAmount]
		if stored != strconv.FormatInt(req.PurchaseAmount, 10) {
			return ErrConflict
		}
	case model.BonusSourceManual:
		if bonus.AmountGranted != req.GrantAmount {
			return ErrConflict
		}
	}
	return nil
}

// referralCascade начисляет комиссию пригласившему покупателю.
// Один уровень, без цепочек. Логические отказы (реферер не найден,
// неактивен) не валят исходное начисление - только запись в лог.
// Ошибки хранилища прерывают всю операцию целиком
func (l *ledger) referralCascade(ctx context.Context, tx store.Tx, project model.Project,
	tiers []model.Tier, purchaser model.Customer, req GrantRequest, now time.Time) error {

	if project.ReferralFactorBps == 0 {
		return nil
	}

	referrer, err := tx.CustomerLock(ctx, purchaser.ReferredBy)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			l.zaplog.Warn("referral skipped: referrer not found",
				zap.String("customer", purchaser.ID),
				zap.String("referrer", purchaser.ReferredBy))
			return nil
		}
		return err
	}
	if !referrer.Active {
		l.zaplog.Warn("referral skipped: referrer is inactive",
			zap.String("customer", purchaser.ID),
			zap.String("referrer", referrer.ID))
		return nil
	}

	// Процент - по собственному уровню реферера
	referrerTier, err := tierengine.CurrentTier(tiers, referrer.LifetimeSpend)
	if err != nil {
		l.zaplog.Warn("referral skipped: tier table invalid",
			zap.String("project", project.ID),
			zap.Error(err))
		return nil
	}
	amount := tierengine.ApplyReferral(req.PurchaseAmount, referrerTier.GrantBps, project.ReferralFactorBps)
	if amount <= 0 {
		return nil
	}

	bonus := model.Bonus{
		ID:              uuid.New(),
		CustomerID:      referrer.ID,
		AmountGranted:   amount,
		AmountRemaining: amount,
		GrantedAt:       now,
		ExpiresAt:       now.AddDate(0, 0, project.ExpiryDays),
		SourceType:      model.BonusSourceReferral,
	}
	if err := tx.BonusInsert(ctx, bonus); err != nil {
		return err
	}
	return tx.TransactionInsert(ctx, model.LedgerTransaction{
		ID:             uuid.New(),
		CustomerID:     referrer.ID,
		Direction:      model.DirectionEarn,
		Amount:         amount,
		BonusID:        bonus.ID,
		TierID:         referrerTier.ID,
		IsReferral:     true,
		ReferralSource: purchaser.ID,
		OrderRef:       req.OrderRef,
		CreatedAt:      now,
	})
}

// Redeem списывает бонусы. Пул доступных бонусов обходится
// в порядке сгорания: первыми тратятся те, что сгорят раньше,
// так теряется меньше всего. Частичное списание запрещено:
// нехватка баланса - отказ без изменений
func (l *ledger) Redeem(ctx context.Context, project model.Project, req RedeemRequest) (RedeemResult, error) {
	if req.CustomerID == "" || req.OrderRef == "" {
		return RedeemResult{}, ErrInsufficientData
	}
	if req.Amount <= 0 {
		return RedeemResult{}, ErrAmountIncorrect
	}

	var result RedeemResult
	err := l.store.InTransaction(ctx, func(tx store.Tx) error {
		customer, err := tx.CustomerLock(ctx, req.CustomerID)
		if err != nil {
			if errors.Is(err, store.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if !customer.Active {
			return ErrCustomerInactive
		}
		now := l.now()

		// Идемпотентность: повтор не списывает второй раз
		prior, err := tx.TransactionsGetByOrder(ctx, customer.ID, req.OrderRef)
		if err != nil {
			return err
		}
		var priorSpent int64
		var priorIDs []uuid.UUID
		for _, t := range prior {
			if t.Direction != model.DirectionSpend {
				continue
			}
			priorSpent += t.Amount
			priorIDs = append(priorIDs, t.BonusID)
		}
		if len(priorIDs) > 0 {
			if priorSpent != req.Amount {
				return ErrConflict
			}
			result.Spent = priorSpent
			result.ConsumedBonusIDs = priorIDs
			result.Replayed = true
			result.Balance, err = tx.BalanceSummary(ctx, customer.ID, now, l.window())
			return err
		}

		// Лимит оплаты бонусами по уровню покупателя
		if req.OrderAmount > 0 {
			dbTiers, err := tx.TiersGetByProject(ctx, project.ID)
			if err != nil {
				return err
			}
			tier, err := tierengine.CurrentTier(tierengine.Effective(project, dbTiers), customer.LifetimeSpend)
			if err != nil {
				return err
			}
			if req.Amount > tierengine.ApplyBps(req.OrderAmount, tier.PaymentBps) {
				return ErrOverPaymentLimit
			}
		}

		// Сгоревшие бонусы в пул не попадают - это не ошибка
		pool, err := tx.BonusPool(ctx, customer.ID, now)
		if err != nil {
			return err
		}
		var available int64
		for _, bonus := range pool {
			available += bonus.AmountRemaining
		}
		if available < req.Amount {
			return ErrInsufficientBalance
		}

		remaining := req.Amount
		for _, bonus := range pool {
			if remaining == 0 {
				break
			}
			portion := bonus.AmountRemaining
			if portion > remaining {
				portion = remaining
			}
			if err := tx.BonusDecrease(ctx, bonus.ID, portion); err != nil {
				return err
			}
			// Одна запись журнала на каждый затронутый бонус,
			// чтобы журнал сходился с бонусами строка к строке
			err = tx.TransactionInsert(ctx, model.LedgerTransaction{
				ID:         uuid.New(),
				CustomerID: customer.ID,
				Direction:  model.DirectionSpend,
				Amount:     portion,
				BonusID:    bonus.ID,
				TierID:     customer.TierID,
				OrderRef:   req.OrderRef,
				CreatedAt:  now,
			})
			if err != nil {
				return err
			}
			result.ConsumedBonusIDs = append(result.ConsumedBonusIDs, bonus.ID)
			result.Spent += portion
			remaining -= portion
		}

		result.Balance, err = tx.BalanceSummary(ctx, customer.ID, now, l.window())
		return err
	})
	if err != nil {
		return RedeemResult{}, err
	}
	return result, nil
}

func (l *ledger) Balance(ctx context.Context, customerID string) (model.BalanceSummary, error) {
	if customerID == "" {
		return model.BalanceSummary{}, ErrInsufficientData
	}
	return l.store.BalanceSummary(ctx, customerID, l.now(), l.window())
}
