package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Preview returns a log-safe fingerprint of clinical text. Raw input
// never appears in logs; this hash+length form is the only preview any
// component may emit.
func Preview(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("sha256=%s,len=%d", hex.EncodeToString(sum[:])[:12], len(text))
}
