// Package decision tracks popups awaiting a user decision.
//
// Each pending popup gets a soft response deadline. Whichever comes first, a
// user decision or the deadline, settles it exactly once: the outcome is
// appended to the persisted history and the originating tab is notified.
// CleanupExpiredDecisions is the hard bound for entries whose soft timer was
// lost, for example after a restart.
package decision
