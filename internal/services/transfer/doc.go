// Package transfer drives direct peer-to-peer file transfers.
//
// A Manager owns every negotiation of the local user. Offers and answers
// travel over the relay's signaling endpoints; once a channel opens the
// file is streamed with the stream package. A Sender sits on top and
// falls back to the encrypted relay upload when the direct route cannot
// complete, unless the peer declined.
package transfer
