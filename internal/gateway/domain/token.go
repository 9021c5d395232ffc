package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// Token derives the idempotency key for an outbound command. The same
// organization, product, operation and period always yield the same key.
func Token(orgID, productID snowflake.ID, op OperationKind, period string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		orgID.String(),
		productID.String(),
		string(op),
		strings.TrimSpace(period),
	}, "|")))
	return hex.EncodeToString(sum[:])
}
