// Package ledger tracks the coins of a watched wallet as an append-only list
// of entries.
//
// Entries are never removed. A receipt or spend that a chain reorganization
// orphaned is cancelled by pushing its neutralized counterpart, which has
// the inverse reason and the negated amount. The unspent set, locked set
// and balance are obtained by folding every entry in order, so a ledger can
// always be rebuilt from its log with Process.
package ledger
