package notifier

import (
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/iurnickita/bonusledger/internal/model"
)

const (
	EventGranted  = "bonus_granted"
	EventRedeemed = "bonuses_spent"
)

// Notifier уведомляет магазин об изменении баланса покупателя.
// Вызывается после фиксации операции, вне транзакции:
// неудачная доставка не влияет на результат
type Notifier interface {
	BalanceChanged(project model.Project, customer model.Customer, event string, balance model.BalanceSummary)
}

type callbackBody struct {
	Event        string  `json:"event"`
	Email        string  `json:"email"`
	Current      float64 `json:"current"`
	ExpiringSoon float64 `json:"expiring_soon"`
}

type notifier struct {
	client *resty.Client
	zaplog *zap.Logger
}

func NewNotifier(zaplog *zap.Logger) Notifier {
	return &notifier{
		client: resty.New().SetTimeout(5 * time.Second),
		zaplog: zaplog,
	}
}

func (n *notifier) BalanceChanged(project model.Project, customer model.Customer, event string, balance model.BalanceSummary) {
	if project.CallbackURL == "" {
		return
	}

	setreq := n.client.R()
	setreq.Method = http.MethodPost
	setreq.URL = project.CallbackURL
	setreq.SetBody(callbackBody{
		Event:        event,
		Email:        customer.Email,
		Current:      float64(balance.Current) / 100,
		ExpiringSoon: float64(balance.ExpiringSoon) / 100,
	})
	setresp, err := setreq.Send()
	if err != nil {
		n.zaplog.Warn("balance callback failed",
			zap.String("project", project.ID),
			zap.Error(err))
		return
	}
	if setresp.StatusCode() >= http.StatusMultipleChoices {
		n.zaplog.Warn("balance callback rejected",
			zap.String("project", project.ID),
			zap.Int("status", setresp.StatusCode()))
	}
}
