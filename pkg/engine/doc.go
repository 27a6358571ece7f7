// Package engine schedules pipeline runs: it walks the step graph, dispatches
// capabilities onto a bounded worker pool, enforces budgets, retries, circuit
// breakers and cycle limits, and checkpoints progress so interrupted runs can
// resume.
//
// One scheduler goroutine drives each run. It never blocks on a step; steps
// execute on workers and report back over a completion channel. Outputs become
// visible to dependents only after the producing step has succeeded.
package engine
