// Package scheduler hosts the active scheduler: the tick loop that evaluates
// each task's conditions, fires due tasks into the execution engine, keeps
// per-task activity, and drives the balancer as time-range starts approach.
//
// Only the member that hosts the active scheduler runs a Service. State
// changes are published through replication so every member converges.
package scheduler
