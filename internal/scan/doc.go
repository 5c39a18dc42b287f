// Package scan keeps a wallet's chain view and ledger in step with an
// authoritative chain.
//
// A State owns a committed chain view and a committed ledger. Each call to
// Process works on clones of both:
//
//  1. find the fork between the local view and the authoritative chain
//  2. neutralize the ledger entries of blocks above the fork, newest first
//  3. fetch and scan every authoritative block above the fork, recording
//     outcomes for spent coins and incomes for new watched outputs
//  4. append what the clones recorded to the committed logs
//
// A run that hits a double spend, a rejected ledger entry or a header that
// does not connect is abandoned: the committed logs are untouched and the
// cause is available from State.LastAbort.
//
// Every run carries a session id (UUIDv7 by default) on its log lines.
package scan
