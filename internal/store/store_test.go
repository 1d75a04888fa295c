package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/iurnickita/bonusledger/internal/model"
	"github.com/iurnickita/bonusledger/internal/store/config"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	dsn := os.Getenv("DATABASE_URI")
	if dsn == "" {
		t.Skip("DATABASE_URI is not set")
	}
	store, err := NewStore(config.Config{DBDsn: dsn})
	require.NoError(t, err)
	return store
}

func uniqueEmail() string {
	return fmt.Sprintf("%s@example.com", uuid.NewString())
}

func TestStoreCustomer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	email := uniqueEmail()

	created, err := store.CustomerCreate(ctx, model.Customer{
		ProjectID: "1",
		Email:     email,
		Active:    true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	// повторная регистрация
	_, err = store.CustomerCreate(ctx, model.Customer{
		ProjectID: "1",
		Email:     email,
		Active:    true,
	})
	require.ErrorIs(t, err, ErrAlreadyExists)

	found, err := store.CustomerGetByEmail(ctx, "1", email)
	require.NoError(t, err)
	require.Equal(t, created.ID, found.ID)

	_, err = store.CustomerGetByEmail(ctx, "1", uniqueEmail())
	require.ErrorIs(t, err, ErrNoRows)
}

func TestStoreLedgerFlow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	customer, err := store.CustomerCreate(ctx, model.Customer{
		ProjectID: "1",
		Email:     uniqueEmail(),
		Active:    true,
	})
	require.NoError(t, err)

	// B сгорает позже A: пул должен вернуть A первым
	bonusA := uuid.New()
	bonusB := uuid.New()
	err = store.InTransaction(ctx, func(tx Tx) error {
		locked, err := tx.CustomerLock(ctx, customer.ID)
		require.NoError(t, err)
		require.Equal(t, customer.ID, locked.ID)

		for _, bonus := range []model.Bonus{
			{ID: bonusB, CustomerID: customer.ID, AmountGranted: 10000, AmountRemaining: 10000,
				GrantedAt: now, ExpiresAt: now.AddDate(0, 0, 30), SourceType: model.BonusSourceManual},
			{ID: bonusA, CustomerID: customer.ID, AmountGranted: 5000, AmountRemaining: 5000,
				GrantedAt: now, ExpiresAt: now.AddDate(0, 0, 1), SourceType: model.BonusSourcePurchase,
				Metadata: map[string]string{model.MetaPurchaseAmount: "100000"}},
		} {
			if err := tx.BonusInsert(ctx, bonus); err != nil {
				return err
			}
			err := tx.TransactionInsert(ctx, model.LedgerTransaction{
				ID:         uuid.New(),
				CustomerID: customer.ID,
				Direction:  model.DirectionEarn,
				Amount:     bonus.AmountGranted,
				BonusID:    bonus.ID,
				OrderRef:   "ORD-" + bonus.ID.String(),
				CreatedAt:  now,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = store.InTransaction(ctx, func(tx Tx) error {
		pool, err := tx.BonusPool(ctx, customer.ID, now)
		require.NoError(t, err)
		require.Len(t, pool, 2)
		require.Equal(t, bonusA, pool[0].ID)
		require.Equal(t, bonusB, pool[1].ID)
		require.Equal(t, "100000", pool[0].Metadata[model.MetaPurchaseAmount])

		require.NoError(t, tx.BonusDecrease(ctx, bonusA, 5000))
		return tx.TransactionInsert(ctx, model.LedgerTransaction{
			ID:         uuid.New(),
			CustomerID: customer.ID,
			Direction:  model.DirectionSpend,
			Amount:     5000,
			BonusID:    bonusA,
			OrderRef:   "SPEND-1",
			CreatedAt:  now,
		})
	})
	require.NoError(t, err)

	summary, err := store.BalanceSummary(ctx, customer.ID, now, 7*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(15000), summary.TotalEarned)
	require.Equal(t, int64(5000), summary.TotalSpent)
	require.Equal(t, int64(10000), summary.Current)
	require.Equal(t, int64(0), summary.ExpiringSoon) // A выбран целиком, B вне окна

	// заказы читаются по ключу идемпотентности
	err = store.InTransaction(ctx, func(tx Tx) error {
		transactions, err := tx.TransactionsGetByOrder(ctx, customer.ID, "SPEND-1")
		require.NoError(t, err)
		require.Len(t, transactions, 1)
		require.Equal(t, model.DirectionSpend, transactions[0].Direction)
		return nil
	})
	require.NoError(t, err)
}

func TestStoreRollback(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	customer, err := store.CustomerCreate(ctx, model.Customer{
		ProjectID: "1",
		Email:     uniqueEmail(),
		Active:    true,
	})
	require.NoError(t, err)

	// ошибка внутри транзакции откатывает все записи
	fail := errors.New("boom")
	err = store.InTransaction(ctx, func(tx Tx) error {
		bonus := model.Bonus{
			ID: uuid.New(), CustomerID: customer.ID,
			AmountGranted: 1000, AmountRemaining: 1000,
			GrantedAt: now, ExpiresAt: now.AddDate(0, 0, 30),
			SourceType: model.BonusSourceManual,
		}
		if err := tx.BonusInsert(ctx, bonus); err != nil {
			return err
		}
		return fail
	})
	require.ErrorIs(t, err, fail)

	summary, err := store.BalanceSummary(ctx, customer.ID, now, 7*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(0), summary.Current)
}
