package tierengine

import (
	"errors"
	"sort"

	"github.com/iurnickita/bonusledger/internal/model"
)

var ErrBadTierTable = errors.New("tier table is invalid")

const bpsDenominator = 10000

// Effective возвращает рабочую таблицу уровней проекта.
// Для проекта без настроенных уровней действует один синтетический
// уровень [0, ∞) из процентов проекта по умолчанию
func Effective(project model.Project, tiers []model.Tier) []model.Tier {
	if len(tiers) > 0 {
		return tiers
	}
	return []model.Tier{{
		ProjectID:  project.ID,
		MinSpend:   0,
		MaxSpend:   nil,
		GrantBps:   project.GrantBps,
		PaymentBps: project.PaymentBps,
	}}
}

// Validate проверяет, что интервалы уровней покрывают [0, ∞)
// без разрывов и пересечений
func Validate(tiers []model.Tier) error {
	if len(tiers) == 0 {
		return ErrBadTierTable
	}

	sorted := make([]model.Tier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].MinSpend < sorted[j].MinSpend
	})

	if sorted[0].MinSpend != 0 {
		return ErrBadTierTable
	}
	for i, tier := range sorted {
		last := i == len(sorted)-1
		if last {
			// Верхний уровень без границы
			if tier.MaxSpend != nil {
				return ErrBadTierTable
			}
			continue
		}
		if tier.MaxSpend == nil {
			return ErrBadTierTable
		}
		if *tier.MaxSpend <= tier.MinSpend {
			return ErrBadTierTable
		}
		if sorted[i+1].MinSpend != *tier.MaxSpend {
			return ErrBadTierTable
		}
	}
	return nil
}

// CurrentTier выбирает уровень, интервал которого содержит lifetimeSpend.
// Невалидная таблица - отказ, а не произвольный выбор
func CurrentTier(tiers []model.Tier, lifetimeSpend int64) (model.Tier, error) {
	if err := Validate(tiers); err != nil {
		return model.Tier{}, err
	}
	for _, tier := range tiers {
		if lifetimeSpend < tier.MinSpend {
			continue
		}
		if tier.MaxSpend == nil || lifetimeSpend < *tier.MaxSpend {
			return tier, nil
		}
	}
	return model.Tier{}, ErrBadTierTable
}

// Recompute пересчитывает уровень покупателя после роста
// накопленной суммы. Возвращает признак смены уровня
func Recompute(tiers []model.Tier, customer *model.Customer) (bool, error) {
	tier, err := CurrentTier(tiers, customer.LifetimeSpend)
	if err != nil {
		return false, err
	}
	if customer.TierID == tier.ID {
		return false, nil
	}
	customer.TierID = tier.ID
	return true, nil
}

// ApplyBps начисляет процент в базисных пунктах
// с округлением к ближайшему
func ApplyBps(amount int64, bps uint32) int64 {
	return (amount*int64(bps) + bpsDenominator/2) / bpsDenominator
}

// ApplyReferral считает реферальный бонус: процент уровня реферера,
// умноженный на реферальный множитель проекта. Округление одно, в конце
func ApplyReferral(amount int64, bps uint32, factorBps uint32) int64 {
	const denominator = bpsDenominator * bpsDenominator
	return (amount*int64(bps)*int64(factorBps) + denominator/2) / denominator
}
