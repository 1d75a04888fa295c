package model

import (
	"time"

	"github.com/google/uuid"
)

// Проекты (тенанты)

type Project struct {
	ID                string
	Credential        string // секрет вебхука, уникальный
	Title             string
	Active            bool
	GrantBps          uint32 // процент начисления по умолчанию, базисные пункты
	PaymentBps        uint32 // доля заказа, оплачиваемая бонусами, базисные пункты
	ExpiryDays        int
	ReferralFactorBps uint32 // множитель реферального бонуса, 5000 = 0.5
	CallbackURL       string
}

// Таблица уровней проекта. Интервалы [MinSpend, MaxSpend)
// должны покрывать [0, ∞) без разрывов и пересечений

type Tier struct {
	ID         string
	ProjectID  string
	Order      int
	MinSpend   int64
	MaxSpend   *int64 // nil = верхний уровень без границы
	GrantBps   uint32
	PaymentBps uint32
}

// Покупатели

type Customer struct {
	ID            string
	ProjectID     string
	Email         string
	Phone         string
	LifetimeSpend int64 // накопленная сумма покупок, копейки
	TierID        string
	ReferredBy    string // ID пригласившего покупателя, "" если нет
	Active        bool
}

// Бонусы. Одна строка на начисление, единица сгорания

type Bonus struct {
	ID              uuid.UUID
	CustomerID      string
	AmountGranted   int64
	AmountRemaining int64
	GrantedAt       time.Time
	ExpiresAt       time.Time
	SourceType      string
	Metadata        map[string]string
}

const (
	BonusSourcePurchase = "PURCHASE"
	BonusSourceManual   = "MANUAL"
	BonusSourceReferral = "REFERRAL"
)

// Ключи метаданных бонуса
const (
	MetaPurchaseAmount = "purchase_amount"
	MetaOrderRef       = "order_ref"
)

// Журнал операций. Записи нельзя редактировать/удалять

type LedgerTransaction struct {
	ID             uuid.UUID
	CustomerID     string
	Direction      string
	Amount         int64
	BonusID        uuid.UUID // EARN: созданный бонус, SPEND: списанный бонус
	TierID         string
	IsReferral     bool
	ReferralSource string // ID покупателя, чья покупка вызвала реферальный бонус
	OrderRef       string // внешний ключ идемпотентности
	CreatedAt      time.Time
}

const (
	DirectionEarn  = "EARN"
	DirectionSpend = "SPEND"
)

// Канонический вид входящего события. Разнородные форматы
// вебхуков приводятся к нему на границе, до ядра

type Command struct {
	Action      string
	Email       string
	Phone       string
	Referrer    string
	Amount      int64 // сумма покупки или списания, копейки
	OrderAmount int64 // сумма заказа для лимита оплаты, копейки
	OrderRef    string
}

const (
	ActionRegisterUser = "register_user"
	ActionPurchase     = "purchase"
	ActionSpendBonuses = "spend_bonuses"
)

// Сводка баланса покупателя

type BalanceSummary struct {
	TotalEarned  int64
	TotalSpent   int64
	Current      int64
	ExpiringSoon int64 // остаток бонусов, сгорающих в ближайшем окне
}
