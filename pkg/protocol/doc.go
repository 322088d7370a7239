// Package protocol defines the signaling frames exchanged between call
// participants and the relay server.
//
// Every frame is a JSON Envelope. Clients address peer messages with To;
// the relay stamps From, clears To, renames a few kinds (user:call becomes
// incoming:call, peer:nego:done becomes peer:nego:final, screen:share
// becomes screen:shared) and forwards Payload untouched.
package protocol
