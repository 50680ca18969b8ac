// Package wire defines the events exchanged with observers and their codecs.
//
// Every frame is one Event with a type discriminator:
//
//	conversation_updated  status change, creation, or a relayed client update
//	new_message           a message was appended
//	connected             sent once on registration and in answer to ping
//	error                 a frame from this observer was rejected
//
// Observers pick JSON (text frames) or CBOR (binary frames) when they
// connect. CBOR uses the core deterministic profile with RFC 3339 times, so
// the same event always encodes to the same bytes.
package wire
