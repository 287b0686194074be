package op

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ComputeHash computes the SHA-256 hash for an operation record, chaining to
// the previous record's hash. Only creation-time identity fields participate:
// terminal fields (status, result, error, end time) mutate after insert and
// would break linkage for every subsequent record.
func ComputeHash(o *Operation) string {
	params, _ := MarshalParameters(o.Parameters)
	data := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%s",
		o.ID,
		o.ParentID,
		o.CommandName,
		string(o.Type),
		string(params),
		o.StartTime.UTC().Format(time.RFC3339Nano),
		o.User,
		o.PrevHash,
	)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// ChainSeed computes the prev_hash for the first record in a log.
func ChainSeed(label string) string {
	hash := sha256.Sum256([]byte("optrail:" + label))
	return hex.EncodeToString(hash[:])
}

// VerifyChain walks records in insertion order and checks hash integrity.
// Returns (valid, brokenAtIndex). If valid is true, all hashes check out.
func VerifyChain(ops []*Operation) (bool, int) {
	for i, o := range ops {
		expected := ComputeHash(o)
		if o.Hash != expected {
			return false, i
		}
		// Check chain linkage
		if i > 0 && o.PrevHash != ops[i-1].Hash {
			return false, i
		}
	}
	return true, -1
}
