// Package popup holds the classification data model: the detector's record of an
// overlay element, the decision values that can be assigned to it, and the
// bounded history list that stores terminal outcomes.
//
// Everything here is plain data plus pure list operations; the lifecycle of a
// pending decision lives in internal/decision.
package popup
