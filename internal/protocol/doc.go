// Package protocol implements the authenticated message exchange between the
// controller and its workers.
//
// Every message carries a Seal: a random single-use nonce plus a keyed digest
// of that nonce under the shared secret. Receivers recompute the digest and
// record the nonce in a Ledger so a captured message can never be replayed.
// The scheme provides freshness-checked integrity only; payloads travel in
// the clear and the shared secret must never cross an untrusted boundary.
//
// Messages are framed as a stream of gob-encoded Envelopes over a single
// persistent connection. Any authentication or decoding failure is a
// protocol violation and the connection must be torn down.
package protocol
