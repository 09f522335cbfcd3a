// Package message sends and receives encrypted messages.
//
// Every message is a hybrid envelope: single-recipient for 1:1 chats,
// fan-out for rooms. Envelopes are exchanged through the relay's
// Deliverer and MessageSource. Relay-delivered files are announced with a
// small file pointer body (see EncodeFilePointer).
package message
