// Package commands defines the sealchat CLI and wires dependencies for subcommands.
//
// Commands
//
//   - init            Create the configuration and key pair, publish the key
//   - register        Republish your public key to the relay
//   - fingerprint     Print the key fingerprint
//   - send            Encrypt and send a message to a peer
//   - room-send       Encrypt and send a message to a room
//   - recv            Fetch and decrypt queued messages
//   - send-file       Send a file directly, falling back to the relay
//   - room-send-file  Upload a file for every member of a room
//   - fetch-file      Download a relay-delivered file
//   - listen          Receive direct transfers and serve metrics
//
// # Implementation
//
// The root command loads the TOML configuration from the home directory and
// builds the dependency graph (stores, services, relay client, transfer
// manager) before any subcommand runs. Commands that need the private key
// unlock it with the passphrase from -p or SEALCHAT_PASSPHRASE.
package commands
