package lib

import (
	"crypto/sha256"
	"encoding/hex"
)

// AccountTag identifies the remote side of an account, so the same mailbox cannot be added twice.
func AccountTag(serverURL, username string) string {
	hasher := sha256.New()
	hasher.Write([]byte(username))
	hasher.Write([]byte(":"))
	hasher.Write([]byte(serverURL))
	hasher.Write([]byte("\n"))
	return hex.EncodeToString(hasher.Sum(nil))
}
