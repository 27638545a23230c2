package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns a prefixed identifier built from the current time plus a
// random suffix. Terminals use the same scheme to mint transaction numbers
// while offline, so uniqueness must not depend on any server coordination.
func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}
