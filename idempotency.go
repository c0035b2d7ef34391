package chatsync

import (
	"fmt"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// TempIDPrefix marks client-local message ids.
const TempIDPrefix = "temp-"

// KeyGenerator produces idempotency keys for mutating commands. A key is
// derived from the acting user, the submission time and a random salt, so
// two submissions never share a key while retries of one submission do.
type KeyGenerator struct {
	clock clock.Clock
	salt  func() string
}

// NewKeyGenerator returns a generator backed by the wall clock and random
// UUID salts.
func NewKeyGenerator() *KeyGenerator {
	return &KeyGenerator{
		clock: clock.New(),
		salt: func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		},
	}
}

// New returns a key for one logical action by userID.
func (g *KeyGenerator) New(userID string) string {
	if userID == "" {
		userID = "anon"
	}
	return fmt.Sprintf("%s-%d-%s", userID, g.clock.Now().UnixMilli(), g.salt())
}

// TempID returns the client-local message id for an idempotency key.
func TempID(key string) string {
	return TempIDPrefix + key
}

// IsTempID reports whether id is a client-local message id.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}
