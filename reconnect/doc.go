// Package reconnect keeps a single connection alive across failures.
//
// A Loop dials endpoints taken from a HostList until one answers, hands the
// connection to its Handler and waits for the owner to report the connection
// as failed. Every installed connection carries an epoch so that failures
// reported by readers of an older connection are ignored.
package reconnect
