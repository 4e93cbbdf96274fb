// Package address parses postal addresses of the form "street, city STATE"
// and checks them against an external verification provider.
package address

import (
	"context"
	"errors"
	"strings"
)

// ErrMalformed is returned by Parse when the input does not split into
// street, city and state.
var ErrMalformed = errors.New("address: malformed")

// Address is a structured US street address.
type Address struct {
	Street string `json:"street"`
	City   string `json:"city"`
	State  string `json:"state"`
}

// String renders a back into the "street, city STATE" form.
func (a Address) String() string {
	if a.Street == "" && a.City == "" && a.State == "" {
		return ""
	}
	return a.Street + ", " + a.City + " " + a.State
}

// Parse splits raw on the single comma between street and locality, then on
// the last space of the locality.
func Parse(raw string) (Address, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return Address{}, ErrMalformed
	}
	street := strings.TrimSpace(parts[0])
	locality := strings.TrimSpace(parts[1])
	i := strings.LastIndexByte(locality, ' ')
	if street == "" || i <= 0 {
		return Address{}, ErrMalformed
	}
	city := strings.TrimSpace(locality[:i])
	state := strings.TrimSpace(locality[i+1:])
	if city == "" || state == "" {
		return Address{}, ErrMalformed
	}
	return Address{Street: street, City: city, State: state}, nil
}

// Verifier checks whether an address exists. Implementations fail closed:
// malformed input and provider errors both yield false.
type Verifier interface {
	Verify(ctx context.Context, raw string) bool
}

// FormatOnly accepts every address that parses. It stands in for the
// provider when no credentials are configured.
type FormatOnly struct{}

// Verify implements Verifier.
func (FormatOnly) Verify(_ context.Context, raw string) bool {
	_, err := Parse(raw)
	return err == nil
}
