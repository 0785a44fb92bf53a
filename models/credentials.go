package models

import "strings"

// Credentials are the mailbox login supplied with every request.
// They are never persisted and must never reach a log line.
type Credentials struct {
	Address string `json:"address"`
	Secret  string `json:"-"`
}

// String redacts the secret so credentials can't leak through %v.
func (c Credentials) String() string {
	return "Credentials{" + c.Domain() + "}"
}

// Valid reports whether both parts are present
func (c Credentials) Valid() bool {
	return strings.TrimSpace(c.Address) != "" && c.Secret != ""
}

// LocalPart returns the part of the address before '@'
func (c Credentials) LocalPart() string {
	if i := strings.LastIndex(c.Address, "@"); i >= 0 {
		return c.Address[:i]
	}
	return c.Address
}

// Domain returns the part of the address after '@'
func (c Credentials) Domain() string {
	if i := strings.LastIndex(c.Address, "@"); i >= 0 {
		return c.Address[i+1:]
	}
	return ""
}
