// Package dedupe suppresses signals that repeat the last known value for a key
// within a time window. The conversation service uses it to drop typing
// updates that would tell subscribers nothing new.
package dedupe
