// Package governance coordinates runtime safety controls for step execution:
// retry policies, budget tracking, circuit breaking, and rate pacing.
//
// The engine depends on these primitives to protect capabilities and spend
// ceilings without introducing infrastructure coupling; everything here is
// constructor-injected state guarded by short-held mutexes, never held across
// a capability call.
package governance
