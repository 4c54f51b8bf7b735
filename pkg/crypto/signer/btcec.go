package signer

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"lukechampine.com/frand"
)

// BTCEC is a signer.I implementation backed by github.com/btcsuite/btcd's
// secp256k1/schnorr packages.
type BTCEC struct {
	sec *btcec.PrivateKey
	pub *btcec.PublicKey
	pkb []byte
}

var _ I = (*BTCEC)(nil)

// New returns an uninitialized BTCEC signer. Call Generate, InitSec, or
// InitPub before using it.
func New() *BTCEC { return &BTCEC{} }

// Generate creates a new random keypair.
func (s *BTCEC) Generate() (err error) {
	var buf [32]byte
	frand.Read(buf[:])
	sec, pub := btcec.PrivKeyFromBytes(buf[:])
	s.sec, s.pub = sec, pub
	s.pkb = schnorr.SerializePubKey(pub)
	return nil
}

// InitSec initializes the signer from a raw 32-byte secret key.
func (s *BTCEC) InitSec(sec []byte) (err error) {
	if len(sec) != 32 {
		return fmt.Errorf("signer: secret key must be 32 bytes, got %d", len(sec))
	}
	priv, pub := btcec.PrivKeyFromBytes(sec)
	s.sec, s.pub = priv, pub
	s.pkb = schnorr.SerializePubKey(pub)
	return nil
}

// InitPub initializes a verify-only signer from a raw 32-byte x-only
// public key.
func (s *BTCEC) InitPub(pub []byte) (err error) {
	if len(pub) != schnorr.PubKeyBytesLen {
		return fmt.Errorf(
			"signer: public key must be %d bytes, got %d",
			schnorr.PubKeyBytesLen, len(pub),
		)
	}
	pk, err := schnorr.ParsePubKey(pub)
	if err != nil {
		return fmt.Errorf("signer: parse pubkey: %w", err)
	}
	s.pub = pk
	s.pkb = append([]byte(nil), pub...)
	return nil
}

// Pub returns the raw 32-byte x-only public key.
func (s *BTCEC) Pub() []byte {
	if s == nil {
		return nil
	}
	return s.pkb
}

// Sign produces a 64-byte BIP-340 signature over a 32-byte digest.
func (s *BTCEC) Sign(digest []byte) (sig []byte, err error) {
	if s.sec == nil {
		return nil, fmt.Errorf("signer: no secret key initialized")
	}
	si, err := schnorr.Sign(s.sec, digest)
	if err != nil {
		return nil, fmt.Errorf("signer: sign: %w", err)
	}
	return si.Serialize(), nil
}

// Verify checks a 64-byte BIP-340 signature over a 32-byte digest.
func (s *BTCEC) Verify(digest, sig []byte) (valid bool, err error) {
	if s.pub == nil {
		return false, fmt.Errorf("signer: no public key initialized")
	}
	return VerifySchnorr(s.pkb, digest, sig)
}

// VerifySchnorr is a stateless BIP-340 verification: it checks sig over
// digest under the raw 32-byte x-only public key pub, without requiring
// a signer.I instance. This is what pkg/verify uses, since the
// verification cache/sampler checks many different relays' claimed
// pubkeys and must not mutate any shared signer's state to do so.
func VerifySchnorr(pub, digest, sig []byte) (valid bool, err error) {
	if len(pub) != schnorr.PubKeyBytesLen {
		return false, fmt.Errorf(
			"signer: public key must be %d bytes, got %d",
			schnorr.PubKeyBytesLen, len(pub),
		)
	}
	pk, err := schnorr.ParsePubKey(pub)
	if err != nil {
		return false, nil
	}
	si, err := schnorr.ParseSignature(sig)
	if err != nil {
		return false, nil
	}
	return si.Verify(digest, pk), nil
}
