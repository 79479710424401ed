// Package taxpayer provides read-only taxpayer configuration for the
// issuance core. Credentials are loaded per call from the store, never from
// ambient process state.
package taxpayer

// Credentials are the authority access credentials for one taxpayer.
type Credentials struct {
	Token string
	Sign  string
	CUIT  string
}

// Present reports whether the credentials are usable for authority calls.
func (c Credentials) Present() bool {
	return c.Token != "" && c.Sign != "" && c.CUIT != ""
}

// Config is the issuance configuration of one taxpayer.
type Config struct {
	ID          int64
	Name        string
	CUIT        string
	Active      bool
	PointOfSale int
	Regime      string
	Credentials Credentials
}
