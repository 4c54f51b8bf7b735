// Package signer defines the signing/verification interface used across
// the module and a btcec-backed BIP-340 Schnorr implementation of it.
package signer

// I is the interface every event signer/verifier must satisfy. It is
// intentionally narrow: NIP-04/NIP-44 ciphers and remote-signer RPC are
// out of scope for this module and are not part of this interface.
type I interface {
	// Generate creates a fresh random keypair.
	Generate() error
	// InitSec initializes the signer from a raw 32-byte secret key.
	InitSec(sec []byte) error
	// InitPub initializes a verify-only signer from a raw 32-byte
	// x-only public key.
	InitPub(pub []byte) error
	// Pub returns the raw 32-byte x-only public key. Requires Generate
	// or InitSec/InitPub to have been called.
	Pub() []byte
	// Sign produces a 64-byte BIP-340 signature over a 32-byte digest.
	// Requires a secret key (Generate or InitSec).
	Sign(digest []byte) ([]byte, error)
	// Verify checks a 64-byte BIP-340 signature over a 32-byte digest.
	// Requires only a public key.
	Verify(digest, sig []byte) (bool, error)
}
