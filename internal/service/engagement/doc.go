// Package engagement owns the one state-update primitive every writer uses:
// the dispatcher recording send outcomes, the tracking handlers recording
// opens and clicks, the provider webhook consumer and the reply detector.
//
// Each call folds an occurrence into the recipient row under row-level
// atomicity, always appends to the ledger, then recomputes campaign counters
// from recipient state and republishes them. Counters are never incremented
// in place.
package engagement
