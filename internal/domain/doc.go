// Package domain defines the core types of the campaign engine: campaigns,
// recipients, tracking artifacts, the ledger event kinds and the recipient
// transition table.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON tags are allowed (they're metadata, not behavior)
//   - Pure functions on the types are allowed
package domain
