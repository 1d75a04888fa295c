package handler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iurnickita/bonusledger/internal/model"
)

func TestNormalizeNative(t *testing.T) {
	commands, fieldErrs := normalize([]byte(
		`{"action":"purchase","payload":{"email":"a@b.c","amount":1000.5,"orderId":"O1"}}`))
	require.Nil(t, fieldErrs)
	require.Len(t, commands, 1)
	require.Equal(t, model.Command{
		Action:   model.ActionPurchase,
		Email:    "a@b.c",
		Amount:   100050,
		OrderRef: "O1",
	}, commands[0])

	commands, fieldErrs = normalize([]byte(
		`{"action":"spend_bonuses","payload":{"email":"a@b.c","amount":30,"order_amount":100,"orderId":"S1"}}`))
	require.Nil(t, fieldErrs)
	require.Equal(t, int64(3000), commands[0].Amount)
	require.Equal(t, int64(10000), commands[0].OrderAmount)
}

func TestNormalizeNativeErrors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{"empty body", ``, "body"},
		{"broken json", `{"action":`, "body"},
		{"no action", `{"payload":{}}`, "action"},
		{"unknown action", `{"action":"recharge"}`, "action"},
		{"missing email", `{"action":"purchase","payload":{"amount":100,"orderId":"O1"}}`, "payload.email"},
		{"zero amount", `{"action":"purchase","payload":{"email":"a@b.c","amount":0,"orderId":"O1"}}`, "payload.amount"},
		{"missing order", `{"action":"purchase","payload":{"email":"a@b.c","amount":100}}`, "payload.orderId"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			commands, fieldErrs := normalize([]byte(test.body))
			require.Nil(t, commands)
			require.NotEmpty(t, fieldErrs)
			require.Equal(t, test.wantField, fieldErrs[0].Field)
		})
	}
}

func TestNormalizeExternal(t *testing.T) {
	// сумма приходит то строкой, то числом
	commands, fieldErrs := normalize([]byte(`[
		{"client":{"email":"a@b.c","phone":"+7000"},"payment":{"amount":"1000.00","orderid":"E1"}},
		{"client":{"email":"d@e.f"},"payment":{"amount":500,"orderid":"E2"}}
	]`))
	require.Nil(t, fieldErrs)
	require.Len(t, commands, 2)

	require.Equal(t, model.ActionPurchase, commands[0].Action)
	require.Equal(t, "a@b.c", commands[0].Email)
	require.Equal(t, int64(100000), commands[0].Amount)
	require.Equal(t, "E1", commands[0].OrderRef)

	require.Equal(t, int64(50000), commands[1].Amount)
}

func TestNormalizeExternalErrors(t *testing.T) {
	commands, fieldErrs := normalize([]byte(
		`[{"client":{},"payment":{"amount":"abc","orderid":"E1"}}]`))
	require.Nil(t, commands)
	require.NotEmpty(t, fieldErrs)

	commands, fieldErrs = normalize([]byte(`[]`))
	require.Nil(t, commands)
	require.Equal(t, "body", fieldErrs[0].Field)

	_, fieldErrs = normalize([]byte(
		`[{"client":{"email":"a@b.c"},"payment":{"amount":100}}]`))
	require.Equal(t, "[0].payment.orderid", fieldErrs[0].Field)
}

func TestIsBatch(t *testing.T) {
	require.True(t, isBatch([]byte(" [ {} ]")))
	require.False(t, isBatch([]byte(`{"action":"purchase"}`)))
	require.False(t, isBatch(nil))
}
