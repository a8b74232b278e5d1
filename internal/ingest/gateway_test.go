package ingest

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hmonster013/ecommerce-microservice-sub009/internal/order"
)

func TestDecodePaymentConfirmation(t *testing.T) {
	g := NewGateway()
	orderID := uuid.New()

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{
			"valid",
			fmt.Sprintf(`{"order_id":%q,"status":"CAPTURED","transaction_id":"ch_1","amount":1999,"currency":"USD"}`, orderID),
			false,
		},
		{
			"not json",
			`{"order_id":`,
			true,
		},
		{
			"missing order id",
			`{"status":"CAPTURED","transaction_id":"ch_1","amount":1999,"currency":"USD"}`,
			true,
		},
		{
			"order id not a uuid",
			`{"order_id":"42","status":"CAPTURED","transaction_id":"ch_1","amount":1999,"currency":"USD"}`,
			true,
		},
		{
			"unknown status",
			fmt.Sprintf(`{"order_id":%q,"status":"VOIDED","transaction_id":"ch_1","amount":1999,"currency":"USD"}`, orderID),
			true,
		},
		{
			"zero amount",
			fmt.Sprintf(`{"order_id":%q,"status":"CAPTURED","transaction_id":"ch_1","amount":0,"currency":"USD"}`, orderID),
			true,
		},
		{
			"negative fee",
			fmt.Sprintf(`{"order_id":%q,"status":"CAPTURED","transaction_id":"ch_1","amount":100,"fee":-1,"currency":"USD"}`, orderID),
			true,
		},
		{
			"bad currency",
			fmt.Sprintf(`{"order_id":%q,"status":"CAPTURED","transaction_id":"ch_1","amount":100,"currency":"DOLLARS"}`, orderID),
			true,
		},
		{
			"missing transaction id",
			fmt.Sprintf(`{"order_id":%q,"status":"CAPTURED","amount":100,"currency":"USD"}`, orderID),
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := g.DecodePaymentConfirmation([]byte(tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, orderID.String(), msg.OrderID)
			assert.Equal(t, int64(1999), msg.Amount)
		})
	}
}

func TestDecodeNotificationRequest(t *testing.T) {
	g := NewGateway()
	orderID := uuid.New()

	valid := fmt.Sprintf(`{"order_id":%q,"channel":"EMAIL","template":"order-shipped"}`, orderID)
	msg, err := g.DecodeNotificationRequest([]byte(valid))
	require.NoError(t, err)
	assert.Equal(t, "order-shipped", msg.Template)

	badChannel := fmt.Sprintf(`{"order_id":%q,"channel":"FAX","template":"order-shipped"}`, orderID)
	_, err = g.DecodeNotificationRequest([]byte(badChannel))
	assert.ErrorIs(t, err, ErrValidation)

	noTemplate := fmt.Sprintf(`{"order_id":%q,"channel":"EMAIL"}`, orderID)
	_, err = g.DecodeNotificationRequest([]byte(noTemplate))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNormalizeEvents(t *testing.T) {
	g := NewGateway()
	orderID := uuid.New()

	payment := fmt.Sprintf(`{"order_id":%q,"status":"AUTHORIZED","transaction_id":"ch_1","amount":100,"currency":"USD"}`, orderID)
	evt, err := g.PaymentEvent([]byte(payment))
	require.NoError(t, err)
	assert.Equal(t, order.KindPayment, evt.Kind)
	assert.Equal(t, "AUTHORIZED", evt.Status)
	assert.Equal(t, orderID, evt.OrderID)

	inventory := fmt.Sprintf(`{"order_id":%q,"action":"RESERVE"}`, orderID)
	evt, err = g.InventoryEvent([]byte(inventory))
	require.NoError(t, err)
	assert.Equal(t, order.KindInventory, evt.Kind)
	assert.Equal(t, "RESERVE", evt.Status)

	shipping := fmt.Sprintf(`{"order_id":%q,"status":"SHIPPED","tracking_number":"TRK9","carrier":"DHL"}`, orderID)
	evt, err = g.ShippingEvent([]byte(shipping))
	require.NoError(t, err)
	assert.Equal(t, order.KindShipping, evt.Kind)
	assert.Equal(t, "TRK9", evt.Metadata["tracking_number"])
	assert.Equal(t, "DHL", evt.Metadata["carrier"])
}

func TestFingerprint(t *testing.T) {
	body := []byte(`{"order_id":"x"}`)

	// A producer event id wins when it parses as a UUID.
	eventID := uuid.New()
	assert.Equal(t, eventID, Fingerprint(eventID.String(), body))

	// Without one, the fingerprint is derived from the bytes and is stable.
	derived := Fingerprint("", body)
	assert.Equal(t, derived, Fingerprint("", body))
	assert.NotEqual(t, derived, Fingerprint("", []byte(`{"order_id":"y"}`)))

	// A non-UUID event id falls back to the body hash too.
	assert.Equal(t, derived, Fingerprint("evt-123", body))
}
