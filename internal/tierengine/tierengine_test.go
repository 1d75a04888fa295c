package tierengine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iurnickita/bonusledger/internal/model"
)

func maxSpend(v int64) *int64 {
	return &v
}

func validTiers() []model.Tier {
	return []model.Tier{
		{ID: "1", Order: 1, MinSpend: 0, MaxSpend: maxSpend(1000000), GrantBps: 500, PaymentBps: 3000},
		{ID: "2", Order: 2, MinSpend: 1000000, MaxSpend: maxSpend(5000000), GrantBps: 700, PaymentBps: 5000},
		{ID: "3", Order: 3, MinSpend: 5000000, MaxSpend: nil, GrantBps: 1000, PaymentBps: 10000},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(validTiers()))

	// разрыв
	gap := validTiers()
	gap[1].MinSpend = 1100000
	require.ErrorIs(t, Validate(gap), ErrBadTierTable)

	// пересечение
	overlap := validTiers()
	overlap[1].MinSpend = 900000
	require.ErrorIs(t, Validate(overlap), ErrBadTierTable)

	// начало не с нуля
	late := validTiers()
	late[0].MinSpend = 100
	require.ErrorIs(t, Validate(late), ErrBadTierTable)

	// верхний уровень с границей
	capped := validTiers()
	capped[2].MaxSpend = maxSpend(9000000)
	require.ErrorIs(t, Validate(capped), ErrBadTierTable)

	// пустая таблица
	require.ErrorIs(t, Validate(nil), ErrBadTierTable)
}

func TestCurrentTier(t *testing.T) {
	tiers := validTiers()

	tests := []struct {
		lifetimeSpend int64
		wantID        string
	}{
		{0, "1"},
		{999999, "1"},
		{1000000, "2"}, // граница входит в следующий уровень
		{4999999, "2"},
		{5000000, "3"},
		{900000000, "3"},
	}
	for _, test := range tests {
		tier, err := CurrentTier(tiers, test.lifetimeSpend)
		require.NoError(t, err)
		require.Equal(t, test.wantID, tier.ID)
	}

	_, err := CurrentTier(nil, 0)
	require.ErrorIs(t, err, ErrBadTierTable)
}

func TestEffective(t *testing.T) {
	project := model.Project{ID: "1", GrantBps: 500, PaymentBps: 10000}

	// без настроенных уровней действует синтетический из процентов проекта
	tiers := Effective(project, nil)
	require.NoError(t, Validate(tiers))
	tier, err := CurrentTier(tiers, 123456789)
	require.NoError(t, err)
	require.Equal(t, uint32(500), tier.GrantBps)

	custom := validTiers()
	require.Equal(t, custom, Effective(project, custom))
}

func TestRecompute(t *testing.T) {
	tiers := validTiers()
	customer := model.Customer{TierID: "1", LifetimeSpend: 999999}

	changed, err := Recompute(tiers, &customer)
	require.NoError(t, err)
	require.False(t, changed)

	customer.LifetimeSpend = 1000000
	changed, err = Recompute(tiers, &customer)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, "2", customer.TierID)
}

func TestApplyBps(t *testing.T) {
	// 5% от 1000.00
	require.Equal(t, int64(5000), ApplyBps(100000, 500))
	// округление к ближайшему
	require.Equal(t, int64(1), ApplyBps(15, 500))
	require.Equal(t, int64(0), ApplyBps(9, 500))
	require.Equal(t, int64(0), ApplyBps(100000, 0))
}

func TestApplyReferral(t *testing.T) {
	// 1000.00 * 5% * 0.5 = 25.00
	require.Equal(t, int64(2500), ApplyReferral(100000, 500, 5000))
	require.Equal(t, int64(0), ApplyReferral(100000, 500, 0))
}
