// Package wire defines the envelopes exchanged by every channel: JSON-RPC
// shaped messages, the discovery handshake, the broadcast envelope used on
// multicast media, and the bridge connection tag.
//
// The package moves structured data only. It never interprets a method name
// or its params; that belongs to the capability catalog.
package wire
