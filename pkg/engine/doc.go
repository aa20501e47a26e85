// Package engine implements the kokki convergence engine.
//
// An Environment holds a config tree, an ordered set of declared resources
// and a pending set of delayed notifications. Running it walks the resources
// in declaration order:
//
//   - not_if / only_if guards are evaluated first; a skipped resource runs no
//     actions and sends no notifications.
//   - every requested action is dispatched to a Provider resolved from the
//     resource's explicit factory or from the Registry by (type, provider).
//   - when an action reports an update, immediate notifications are
//     dispatched recursively before the action returns, and delayed
//     notifications are queued once per (action, resource).
//
// After the main pass the delayed queue drains in insertion order until it is
// empty. Dispatching an (action, resource) pair that is already in flight
// fails with a NOTIFICATION_CYCLE error.
//
// The active environment is carried in the context:
//
//	ctx = engine.Activate(ctx, env)
//	env := engine.Current(ctx)
//
// Errors are classified as internal (abort the run) or user (reported as a
// single message). See Error.
package engine
