// Package violation records quota-violation events.
//
// Each denial is appended to the audit sink and to a bounded per-key
// recent-violations list in the counter store. Logging is a side effect
// only: it runs after the admission decision is finalized and can never
// change it.
package violation
