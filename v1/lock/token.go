package lock

import uuid "github.com/hashicorp/go-uuid"

// TokenSource returns a new unique lease token on each call.
type TokenSource func() (string, error)

// RandomToken returns a random 128-bit UUID. It is the default TokenSource.
func RandomToken() (string, error) {
	return uuid.GenerateUUID()
}
