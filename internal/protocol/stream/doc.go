// Package stream moves one file over an open domain.Channel.
//
// The wire format is a sequence of CBOR frames {k, m, d}: a meta frame,
// chunk frames in order, a done frame, and an ack from the receiver. The
// sender applies back-pressure against Channel.BufferedAmount so the
// buffered byte count never exceeds the configured high-water mark.
package stream
