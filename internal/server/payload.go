package server

import (
	"errors"
	"strings"

	"deliverygw/internal/core"
)

// Contact is a person reachable at a stop.
type Contact struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Stop is a pickup or dropoff location.
type Stop struct {
	Address string  `json:"address"`
	Contact Contact `json:"contact"`
}

// DeliveryRequest is the accepted create-delivery body. Fields outside this
// shape are dropped before the payload is forwarded.
type DeliveryRequest struct {
	ExternalOrderID string   `json:"external_order_id"`
	Pickup          Stop     `json:"pickup"`
	Dropoff         Stop     `json:"dropoff"`
	Tip             *float64 `json:"tip,omitempty"`
}

// Validate reports every missing required field in one invalid_request error.
func (r *DeliveryRequest) Validate() error {
	var errs []error
	required := func(field, v string) {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, errors.New(field+" is required"))
		}
	}

	required("external_order_id", r.ExternalOrderID)
	for _, s := range []struct {
		name string
		stop Stop
	}{{"pickup", r.Pickup}, {"dropoff", r.Dropoff}} {
		required(s.name+".address", s.stop.Address)
		required(s.name+".contact.name", s.stop.Contact.Name)
		required(s.name+".contact.phone", s.stop.Contact.Phone)
	}
	if r.Tip != nil && *r.Tip < 0 {
		errs = append(errs, errors.New("tip must not be negative"))
	}

	if len(errs) == 0 {
		return nil
	}
	err := errors.Join(errs...)
	return core.NewInvalidRequestError(strings.ReplaceAll(err.Error(), "\n", "; "), err)
}
