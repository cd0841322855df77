// Package governance holds the relay's admission and retry controls: the
// jittered exponential backoff used by agent reconnect loops and the
// per-host token buckets that throttle authentication attempts at the
// broker.
package governance
