// Package engine defines the translation engine entity and the contract
// for the remote workers that execute builds on its behalf. Workers are
// selected at call time from a registry keyed by engine type, so new
// engine kinds plug in without touching the orchestration layer.
package engine
