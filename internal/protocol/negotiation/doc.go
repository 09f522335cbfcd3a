// Package negotiation is the direct-transfer signaling state machine.
//
// The machine is a pure function: Step(Negotiation, Event) returns the
// next Negotiation and the Effects the caller must carry out (create an
// offer, send a signal, start a timer, ...). It performs no I/O, holds no
// timers and never blocks, so every transition can be tested in isolation.
//
// # States
//
//	sender:   idle → offering → awaiting_answer → connecting → open → closed
//	receiver: idle → offering (prompt) → connecting → open → closed
//
// declined and failed are reachable from every non-terminal state. A
// handshake timeout (offer until channel open) or overall transfer timeout
// moves to failed with domain.ErrNegotiationTimeout, never to declined.
// Terminal states ignore every event, which makes duplicate signals for a
// finished transfer harmless. Candidates that arrive before the local link
// exists are held and flushed once it does.
package negotiation
