package models

// Account is a broker credential/session context.
type Account struct {
	Name           string
	APIKey         string
	APISecret      string
	AccessToken    string
	AuthType       string // "legacy" or "jwt"
	PrivateKeyPEM  string
	MaxConnections int
	MaxInstruments int
}

// Capacity is the number of instruments the account may stream given a
// per-connection limit.
func (a Account) Capacity(perConnection int) int {
	c := a.MaxConnections * perConnection
	if a.MaxInstruments > 0 && a.MaxInstruments < c {
		return a.MaxInstruments
	}
	return c
}
