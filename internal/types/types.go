// README: Common value objects shared across modules.
package types

import "time"

// ID is an opaque entity identifier.
type ID string

// Service keys the pricing rules care about. Keys are free-form in the data
// model; taxi is the only one with special regulatory treatment.
const (
	ServiceTaxi = "taxi"
	ServiceTNVS = "tnvs"
)

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Money is an integer amount in the currency's minor unit (centavos).
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// PHP returns a peso amount in centavos.
func PHP(centavos int64) Money {
	return Money{Amount: centavos, Currency: "PHP"}
}

// Clock supplies the current time. Services take a Clock instead of calling
// time.Now so smoothing and expiry behaviour is testable.
type Clock interface {
	Now() time.Time
}

// WallClock is the production Clock.
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now() }

// FixedClock is a test Clock that returns a settable instant.
type FixedClock struct {
	T time.Time
}

func (c *FixedClock) Now() time.Time { return c.T }

// Advance moves the clock forward and returns the new instant.
func (c *FixedClock) Advance(d time.Duration) time.Time {
	c.T = c.T.Add(d)
	return c.T
}
