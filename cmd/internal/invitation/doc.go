// Package invitation implements the group invitation workflow.
//
// Guard decides who may create, view, delete, or respond to an invitation.
// Manager owns the PENDING -> ACCEPTED / REJECTED transitions and creates the
// membership on acceptance. Service orchestrates both over a Store: it loads
// the invitation inside a per-invitation scope, asks the Guard, then hands the
// transition to the Manager.
//
// Guard decisions never mutate anything. The only partial-failure state is an
// accept whose membership was written but whose status update was not; it is
// reported as a PartialAcceptError and converged by Service.Recover (run
// periodically by Reconciler).
package invitation
