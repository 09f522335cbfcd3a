// Package channel provides direct transports behind domain.Connector.
//
// QUIC is the networked implementation. Switchboard and Pipe connect
// in-process peers for tests and the loopback relay mode.
package channel
