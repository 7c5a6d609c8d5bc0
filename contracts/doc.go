// Package contracts defines the routable message types carried by MiniBus.
//
// A Message is a tlv.Contract that also knows its name and the exchange it is
// published to. The routing metadata derived from a message type is captured
// once in a MessageDef and cached by DefRegistry for the life of the process.
package contracts
