// Package stores keeps a journal of convergence runs in SQLite.
//
// Every run gets a row in "runs"; every dispatched action and guard skip of
// that run is appended to "actions" in execution order. The schema is
// embedded and applied with golang-migrate. `kokki history` reads it back.
package stores
