// Package ingest decodes and validates inbound event envelopes. Anything
// that fails here is malformed, not premature: the consumer dead-letters it
// instead of requeueing.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/hmonster013/ecommerce-microservice-sub009/pkg/contracts"
)

// ErrValidation marks a malformed or semantically invalid envelope.
var ErrValidation = errors.New("invalid event envelope")

// fingerprintNS namespaces content-derived fingerprints for envelopes that
// arrive without an event id.
var fingerprintNS = uuid.MustParse("7c9e6679-7425-40de-944b-e07fc1f90ae7")

type Gateway struct {
	validate *validator.Validate
}

func NewGateway() *Gateway {
	return &Gateway{validate: validator.New()}
}

func (g *Gateway) DecodePaymentConfirmation(body []byte) (contracts.PaymentConfirmationMessage, error) {
	var msg contracts.PaymentConfirmationMessage
	if err := g.decode(body, &msg); err != nil {
		return contracts.PaymentConfirmationMessage{}, err
	}
	return msg, nil
}

func (g *Gateway) DecodeInventoryUpdate(body []byte) (contracts.InventoryUpdateMessage, error) {
	var msg contracts.InventoryUpdateMessage
	if err := g.decode(body, &msg); err != nil {
		return contracts.InventoryUpdateMessage{}, err
	}
	return msg, nil
}

func (g *Gateway) DecodeShippingUpdate(body []byte) (contracts.ShippingUpdateMessage, error) {
	var msg contracts.ShippingUpdateMessage
	if err := g.decode(body, &msg); err != nil {
		return contracts.ShippingUpdateMessage{}, err
	}
	return msg, nil
}

func (g *Gateway) DecodeNotificationRequest(body []byte) (contracts.NotificationRequestMessage, error) {
	var msg contracts.NotificationRequestMessage
	if err := g.decode(body, &msg); err != nil {
		return contracts.NotificationRequestMessage{}, err
	}
	return msg, nil
}

func (g *Gateway) decode(body []byte, dst any) error {
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrValidation, err)
	}
	if err := g.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// Fingerprint derives the dedup identifier for an envelope: the producer's
// event id when it carries one, else a deterministic hash of the raw body so
// byte-identical redeliveries still collapse to one key.
func Fingerprint(eventID string, body []byte) uuid.UUID {
	if eventID != "" {
		if id, err := uuid.Parse(eventID); err == nil {
			return id
		}
	}
	return uuid.NewSHA1(fingerprintNS, body)
}
