// Package relay provides the client side of the sealchat relay: the
// store-and-forward service for envelopes, public keys, room membership,
// transfer signaling and fallback file storage.
//
// HTTP is the production client. Each request is JSON over HTTP except
// file upload, which streams a multipart body (a "manifest" field followed
// by the "ciphertext" file part). Transport failures wrap domain.ErrNetwork
// and 404 responses wrap domain.ErrNotFound; other non-2xx statuses are
// returned with the method, path and status text.
//
// Memory implements the same interfaces in process for tests and local
// loopback use.
package relay
