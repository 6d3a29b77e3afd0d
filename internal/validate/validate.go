// Package validate holds small, regex-literal validators shared across the
// parser, store, and admin-facing surfaces.
package validate

import "regexp"

var runbookNameRE = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// RunbookName reports whether name is a valid runbook name: it becomes part
// of the deterministic dynamic table name and the policy lookup key, so it
// is restricted to a filesystem- and SQL-safe character set.
func RunbookName(name string) bool {
	return runbookNameRE.MatchString(name)
}

var workerIDRE = regexp.MustCompile(`^[a-z0-9-]{1,64}$`)

// WorkerID reports whether id is a valid worker_id: lowercase, hyphenated,
// matching the routing key workers register with on the jobs topic.
func WorkerID(id string) bool {
	return workerIDRE.MatchString(id)
}
