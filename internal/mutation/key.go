package mutation

import "github.com/google/uuid"

var mutationKeyNamespace = uuid.Must(uuid.Parse("b4a9c6de-1f32-47d1-9a8c-6f0e5d2b7c41"))

// Key derives the idempotency key for one logical mutation. Same inputs
// always yield the same key; the key never depends on wall-clock time or a
// random source.
func Key(tenantID string, operation string, naturalKey string) string {
	name := "mutation:" + tenantID + ":" + operation + ":" + naturalKey
	return uuid.NewSHA1(mutationKeyNamespace, []byte(name)).String()
}
