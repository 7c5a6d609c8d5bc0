// Package tlv implements the tagged binary encoding used for every MiniBus
// payload: broker message bodies and the gateway's TCP stream.
//
// A contract is encoded as a frame:
//
//	varint(contractID) | varint(len(body)) | body
//
// where body is a sequence of protobuf-wire fields keyed by tag number.
// Nested contracts are stored as length-delimited fields holding a full frame.
// Frames whose contract id is not present in the decoding Registry are decoded
// into a RawContract, which re-encodes byte for byte. The gateway relies on
// this to forward payloads it has no types for.
package tlv
