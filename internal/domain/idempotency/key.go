package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/patrolshift/taskcore/pkg/common/logger"
)

// keyDigestLen is the number of hex characters of the SHA-256 digest kept in
// the key. 32 characters (16 bytes) is plenty for collision resistance while
// keeping keys short enough for cache key limits.
const keyDigestLen = 32

// KeyGenerator constructs deterministic idempotency keys from task identity,
// arguments, and scope. Identical inputs always produce identical keys;
// argument-map insertion order never affects the result.
type KeyGenerator struct {
	log *logger.Logger
}

// NewKeyGenerator creates a KeyGenerator. The logger is used to surface the
// weaker fallback path taken when arguments cannot be serialized.
func NewKeyGenerator(log *logger.Logger) *KeyGenerator {
	return &KeyGenerator{log: log}
}

// canonicalPayload is the serialized identity of a unit of work. Go's JSON
// encoder writes map keys in sorted order, which makes the encoding canonical
// without any extra bookkeeping.
type canonicalPayload struct {
	Task   string         `json:"task"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
	Scope  string         `json:"scope"`
}

// Generate builds the idempotency key for one unit of work. The key has the
// form "task:{name}:{digest}" where the digest is a truncated SHA-256 of the
// canonical JSON payload.
//
// If an argument cannot be serialized, Generate falls back to a best-effort
// key built from the formatted string representation of the inputs. That
// fallback is not guaranteed collision-resistant, so it is logged at Warn.
func (g *KeyGenerator) Generate(ctx context.Context, taskName string, args []any, kwargs map[string]any, scope Scope) string {
	payload := canonicalPayload{
		Task:   taskName,
		Args:   args,
		Kwargs: kwargs,
		Scope:  scope.String(),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		g.log.Warn(ctx, "idempotency key falling back to weak digest; argument not serializable",
			"task_name", taskName, "scope", scope.String(), "error", err)
		return g.fallbackKey(taskName, args, kwargs, scope)
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])[:keyDigestLen]

	return fmt.Sprintf("task:%s:%s", taskName, digest)
}

// fallbackKey derives a key from the fmt representation of the inputs. The fmt
// package prints map keys in sorted order, which keeps the fallback
// insertion-order independent, but formatting can lose information so there is
// no collision guarantee.
func (g *KeyGenerator) fallbackKey(taskName string, args []any, kwargs map[string]any, scope Scope) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%v|%v|%s", taskName, args, kwargs, scope)
	return fmt.Sprintf("task:%s:fallback:%016x", taskName, h.Sum64())
}
