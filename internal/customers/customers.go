package customers

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/iurnickita/bonusledger/internal/model"
	"github.com/iurnickita/bonusledger/internal/store"
)

// Customers - справочник покупателей. Ядро бонусов идентификацией
// не занимается, только потребляет ID покупателя и реферальную связь
type Customers interface {
	Register(ctx context.Context, project model.Project, req RegisterRequest) (model.Customer, error)
	FindByEmail(ctx context.Context, project model.Project, email string) (model.Customer, error)
}

var (
	ErrInsufficientData = errors.New("insufficient data")
	ErrAlreadyExists    = errors.New("already exists")
	ErrNotFound         = errors.New("customer not found")
)

type RegisterRequest struct {
	Email         string
	Phone         string
	ReferrerEmail string // email пригласившего покупателя, опционально
}

type customers struct {
	store  store.Store
	zaplog *zap.Logger
}

func NewCustomers(store store.Store, zaplog *zap.Logger) Customers {
	return &customers{store: store, zaplog: zaplog}
}

func (c *customers) Register(ctx context.Context, project model.Project, req RegisterRequest) (model.Customer, error) {
	if req.Email == "" {
		return model.Customer{}, ErrInsufficientData
	}

	var customer model.Customer
	customer.ProjectID = project.ID
	customer.Email = req.Email
	customer.Phone = req.Phone
	customer.Active = true

	// Реферальная связь - слабая ссылка: неизвестный реферер
	// не блокирует регистрацию
	if req.ReferrerEmail != "" {
		referrer, err := c.FindByEmail(ctx, project, req.ReferrerEmail)
		switch {
		case err == nil:
			customer.ReferredBy = referrer.ID
		case errors.Is(err, ErrNotFound):
			c.zaplog.Warn("referrer not found, link skipped",
				zap.String("project", project.ID),
				zap.String("referrer_email", req.ReferrerEmail))
		default:
			return model.Customer{}, err
		}
	}

	customer, err := c.store.CustomerCreate(ctx, customer)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return model.Customer{}, ErrAlreadyExists
		}
		return model.Customer{}, err
	}
	return customer, nil
}

func (c *customers) FindByEmail(ctx context.Context, project model.Project, email string) (model.Customer, error) {
	if email == "" {
		return model.Customer{}, ErrInsufficientData
	}
	customer, err := c.store.CustomerGetByEmail(ctx, project.ID, email)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return model.Customer{}, ErrNotFound
		}
		return model.Customer{}, err
	}
	return customer, nil
}
