// Package crawler holds the domain model shared by the frontier, the fetch
// workers, the processor and the orchestrator: jobs and their scope, frontier
// entries, fetch results, the errors that cross package boundaries and the
// interfaces each subsystem sees of the others.
package crawler
