package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/iurnickita/bonusledger/internal/model"
)

// Нормализация входящих событий. Принимаются два формата:
// родной конверт {action, payload} и выгрузка заказов
// стороннего магазина (массив заказов с payment.amount/payment.orderid).
// Дальше границы живет только model.Command

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type nativeEnvelope struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

type nativePayload struct {
	Email       string  `json:"email"`
	Phone       string  `json:"phone"`
	Referrer    string  `json:"referrer"`
	Amount      float64 `json:"amount"`
	OrderAmount float64 `json:"order_amount"`
	OrderID     string  `json:"orderId"`
}

type externalOrder struct {
	Client  externalClient  `json:"client"`
	Payment externalPayment `json:"payment"`
}

type externalClient struct {
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type externalPayment struct {
	Amount  externalAmount `json:"amount"`
	OrderID string         `json:"orderid"`
}

// Сумма в стороннем формате приходит то числом, то строкой "1000.00"
type externalAmount float64

func (a *externalAmount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*a = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*a = externalAmount(v)
	return nil
}

// перевод сумм во внутренние копейки и обратно

func pointsInput(points float64) int64 {
	return int64(math.Round(points * 100))
}

func pointsOutput(points int64) float64 {
	return float64(points) / 100
}

// isBatch: выгрузка стороннего магазина приходит массивом заказов
func isBatch(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && trimmed[0] == '['
}

func normalize(body []byte) ([]model.Command, []FieldError) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, []FieldError{{Field: "body", Message: "empty"}}
	}
	if trimmed[0] == '[' {
		return normalizeExternal(trimmed)
	}
	return normalizeNative(trimmed)
}

func normalizeNative(body []byte) ([]model.Command, []FieldError) {
	var envelope nativeEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, []FieldError{{Field: "body", Message: "invalid json"}}
	}

	var payload nativePayload
	if len(envelope.Payload) > 0 {
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil, []FieldError{{Field: "payload", Message: "invalid json"}}
		}
	}

	var fieldErrs []FieldError
	require := func(field string, ok bool) {
		if !ok {
			fieldErrs = append(fieldErrs, FieldError{Field: field, Message: "required"})
		}
	}

	switch envelope.Action {
	case model.ActionRegisterUser:
		require("payload.email", payload.Email != "")
	case model.ActionPurchase, model.ActionSpendBonuses:
		require("payload.email", payload.Email != "")
		require("payload.amount", payload.Amount > 0)
		require("payload.orderId", payload.OrderID != "")
	case "":
		return nil, []FieldError{{Field: "action", Message: "required"}}
	default:
		return nil, []FieldError{{Field: "action", Message: "unknown action"}}
	}
	if fieldErrs != nil {
		return nil, fieldErrs
	}

	return []model.Command{{
		Action:      envelope.Action,
		Email:       payload.Email,
		Phone:       payload.Phone,
		Referrer:    payload.Referrer,
		Amount:      pointsInput(payload.Amount),
		OrderAmount: pointsInput(payload.OrderAmount),
		OrderRef:    payload.OrderID,
	}}, nil
}

func normalizeExternal(body []byte) ([]model.Command, []FieldError) {
	var orders []externalOrder
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, []FieldError{{Field: "body", Message: "invalid json"}}
	}
	if len(orders) == 0 {
		return nil, []FieldError{{Field: "body", Message: "empty order list"}}
	}

	var commands []model.Command
	var fieldErrs []FieldError
	for i, order := range orders {
		if order.Client.Email == "" {
			fieldErrs = append(fieldErrs, FieldError{
				Field:   fmt.Sprintf("[%d].client.email", i),
				Message: "required"})
		}
		if order.Payment.Amount <= 0 {
			fieldErrs = append(fieldErrs, FieldError{
				Field:   fmt.Sprintf("[%d].payment.amount", i),
				Message: "required"})
		}
		if order.Payment.OrderID == "" {
			fieldErrs = append(fieldErrs, FieldError{
				Field:   fmt.Sprintf("[%d].payment.orderid", i),
				Message: "required"})
		}
		commands = append(commands, model.Command{
			Action:   model.ActionPurchase,
			Email:    order.Client.Email,
			Phone:    order.Client.Phone,
			Amount:   pointsInput(float64(order.Payment.Amount)),
			OrderRef: order.Payment.OrderID,
		})
	}
	if fieldErrs != nil {
		return nil, fieldErrs
	}
	return commands, nil
}
