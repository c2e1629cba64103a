// Package protocol owns the text wire contract and its parsing primitives.
//
// Ownership boundary:
// - frame sum type (one variant per protocol op)
// - stateless encode, incremental decode over a growable buffer
// - INFO/CONNECT json shapes and argument validation
package protocol
