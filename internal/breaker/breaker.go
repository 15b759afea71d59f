// Package breaker computes per-feed circuit state from consecutive poll failures.
package breaker

import "time"

// State is the persisted per-feed breaker state.
type State struct {
	ConsecutiveFailures int
	OpenUntil           *time.Time
}

var cooldownSchedule = []time.Duration{
	0,              // 1 failure
	0,              // 2 failures
	time.Hour,      // 3
	4 * time.Hour,  // 4
	12 * time.Hour, // 5
}

const maxCooldown = 24 * time.Hour

// Cooldown returns how long polling is suspended after the given number of
// consecutive failures. It never decreases as failures grow.
func Cooldown(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	if failures > len(cooldownSchedule) {
		return maxCooldown
	}
	return cooldownSchedule[failures-1]
}

// OnFailure records one more failure observed at now.
func OnFailure(state State, now time.Time) State {
	next := State{ConsecutiveFailures: state.ConsecutiveFailures + 1}
	if cooldown := Cooldown(next.ConsecutiveFailures); cooldown > 0 {
		until := now.UTC().Add(cooldown)
		next.OpenUntil = &until
	}
	return next
}

// OnSuccess closes the circuit.
func OnSuccess(State) State {
	return State{}
}

func IsOpen(state State, now time.Time) bool {
	return state.OpenUntil != nil && state.OpenUntil.After(now)
}
