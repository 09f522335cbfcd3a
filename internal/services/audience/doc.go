// Package audience resolves who a room message is encrypted for.
//
// Room membership comes from the relay with a bounded timeout and falls
// back to the last membership seen (kept in memory and, optionally, in a
// persistent snapshot). Before any fan-out envelope is built every key
// must be known; otherwise the caller gets every missing identity at once
// and nothing is sent.
package audience
