package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iurnickita/bonusledger/internal/model"
)

// MemStore - хранилище в памяти. Используется для локального запуска
// без базы и в тестах. Транзакция эмулируется глобальной блокировкой
// со снимком состояния: откат восстанавливает снимок
type MemStore struct {
	mu           sync.Mutex
	projects     map[string]model.Project
	tiers        []model.Tier
	customers    map[string]model.Customer
	bonuses      map[uuid.UUID]model.Bonus
	transactions []model.LedgerTransaction
	counter      int
}

func NewMemStore() *MemStore {
	return &MemStore{
		projects:  make(map[string]model.Project),
		customers: make(map[string]model.Customer),
		bonuses:   make(map[uuid.UUID]model.Bonus),
	}
}

func (ms *MemStore) nextID() string {
	ms.counter++
	return strconv.Itoa(ms.counter)
}

// ProjectAdd регистрирует проект (подключение тенанта - вне ядра)
func (ms *MemStore) ProjectAdd(project model.Project) model.Project {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if project.ID == "" {
		project.ID = ms.nextID()
	}
	ms.projects[project.ID] = project
	return project
}

// TierAdd добавляет уровень проекта
func (ms *MemStore) TierAdd(tier model.Tier) model.Tier {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if tier.ID == "" {
		tier.ID = ms.nextID()
	}
	ms.tiers = append(ms.tiers, tier)
	return tier
}

func (ms *MemStore) ProjectGetByCredential(_ context.Context, credential string) (model.Project, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for _, project := range ms.projects {
		if project.Credential == credential {
			return project, nil
		}
	}
	return model.Project{}, ErrNoRows
}

func (ms *MemStore) CustomerGetByEmail(_ context.Context, projectID string, email string) (model.Customer, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for _, customer := range ms.customers {
		if customer.ProjectID == projectID && customer.Email == email {
			return customer, nil
		}
	}
	return model.Customer{}, ErrNoRows
}

func (ms *MemStore) CustomerCreate(_ context.Context, customer model.Customer) (model.Customer, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for _, existing := range ms.customers {
		if existing.ProjectID == customer.ProjectID && existing.Email == customer.Email {
			return model.Customer{}, ErrAlreadyExists
		}
	}
	customer.ID = ms.nextID()
	ms.customers[customer.ID] = customer
	return customer, nil
}

func (ms *MemStore) BalanceSummary(_ context.Context, customerID string, now time.Time, window time.Duration) (model.BalanceSummary, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	return ms.balanceSummary(customerID, now, window), nil
}

func (ms *MemStore) balanceSummary(customerID string, now time.Time, window time.Duration) model.BalanceSummary {
	var summary model.BalanceSummary
	for _, t := range ms.transactions {
		if t.CustomerID != customerID {
			continue
		}
		switch t.Direction {
		case model.DirectionEarn:
			summary.TotalEarned += t.Amount
		case model.DirectionSpend:
			summary.TotalSpent += t.Amount
		}
	}
	for _, bonus := range ms.bonuses {
		if bonus.CustomerID != customerID || !bonus.ExpiresAt.After(now) {
			continue
		}
		summary.Current += bonus.AmountRemaining
		if !bonus.ExpiresAt.After(now.Add(window)) {
			summary.ExpiringSoon += bonus.AmountRemaining
		}
	}
	return summary
}

func (ms *MemStore) snapshot() (map[string]model.Customer, map[uuid.UUID]model.Bonus, []model.LedgerTransaction) {
	customers := make(map[string]model.Customer, len(ms.customers))
	for id, customer := range ms.customers {
		customers[id] = customer
	}
	bonuses := make(map[uuid.UUID]model.Bonus, len(ms.bonuses))
	for id, bonus := range ms.bonuses {
		bonuses[id] = bonus
	}
	transactions := make([]model.LedgerTransaction, len(ms.transactions))
	copy(transactions, ms.transactions)
	return customers, bonuses, transactions
}

func (ms *MemStore) InTransaction(_ context.Context, fn func(tx Tx) error) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	customers, bonuses, transactions := ms.snapshot()
	err := fn(&memTx{ms: ms})
	if err != nil {
		// откат
		ms.customers = customers
		ms.bonuses = bonuses
		ms.transactions = transactions
		return err
	}
	return nil
}

type memTx struct {
	ms *MemStore
}

func (tx *memTx) CustomerLock(_ context.Context, customerID string) (model.Customer, error) {
	customer, ok := tx.ms.customers[customerID]
	if !ok {
		return model.Customer{}, ErrNoRows
	}
	return customer, nil
}

func (tx *memTx) CustomerProgress(_ context.Context, customerID string, lifetimeSpend int64, tierID string) error {
	customer, ok := tx.ms.customers[customerID]
	if !ok {
		return ErrNoRows
	}
	customer.LifetimeSpend = lifetimeSpend
	customer.TierID = tierID
	tx.ms.customers[customerID] = customer
	return nil
}

func (tx *memTx) TiersGetByProject(_ context.Context, projectID string) ([]model.Tier, error) {
	var tiers []model.Tier
	for _, tier := range tx.ms.tiers {
		if tier.ProjectID == projectID {
			tiers = append(tiers, tier)
		}
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Order < tiers[j].Order })
	return tiers, nil
}

func (tx *memTx) TransactionsGetByOrder(_ context.Context, customerID string, orderRef string) ([]model.LedgerTransaction, error) {
	var transactions []model.LedgerTransaction
	for _, t := range tx.ms.transactions {
		if t.CustomerID == customerID && t.OrderRef == orderRef {
			transactions = append(transactions, t)
		}
	}
	return transactions, nil
}

func (tx *memTx) TransactionInsert(_ context.Context, t model.LedgerTransaction) error {
	tx.ms.transactions = append(tx.ms.transactions, t)
	return nil
}

func (tx *memTx) BonusGet(_ context.Context, bonusID uuid.UUID) (model.Bonus, error) {
	bonus, ok := tx.ms.bonuses[bonusID]
	if !ok {
		return model.Bonus{}, ErrNoRows
	}
	return bonus, nil
}

func (tx *memTx) BonusPool(_ context.Context, customerID string, now time.Time) ([]model.Bonus, error) {
	var pool []model.Bonus
	for _, bonus := range tx.ms.bonuses {
		if bonus.CustomerID != customerID {
			continue
		}
		if bonus.AmountRemaining <= 0 || !bonus.ExpiresAt.After(now) {
			continue
		}
		pool = append(pool, bonus)
	}
	// ближайшие к сгоранию первыми
	sort.Slice(pool, func(i, j int) bool { return pool[i].ExpiresAt.Before(pool[j].ExpiresAt) })
	return pool, nil
}

func (tx *memTx) BonusInsert(_ context.Context, bonus model.Bonus) error {
	tx.ms.bonuses[bonus.ID] = bonus
	return nil
}

func (tx *memTx) BonusDecrease(_ context.Context, bonusID uuid.UUID, amount int64) error {
	bonus, ok := tx.ms.bonuses[bonusID]
	if !ok {
		return ErrNoRows
	}
	bonus.AmountRemaining -= amount
	tx.ms.bonuses[bonusID] = bonus
	return nil
}

func (tx *memTx) BalanceSummary(_ context.Context, customerID string, now time.Time, window time.Duration) (model.BalanceSummary, error) {
	return tx.ms.balanceSummary(customerID, now, window), nil
}
