package storage

// Package storage provides a minimal persistence layer used by the bots.
//
// It currently supports:
//   - Audit log appends (operator actions and fetch runs)
//   - Dedup state with TTLs (to survive restarts)
//   - A forward index mapping source messages to mirrored copies,
//     used for edit and delete propagation
