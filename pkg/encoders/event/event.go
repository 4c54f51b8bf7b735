// Package event provides the canonical nostr event type: its wire JSON
// form, its canonical id-hashing form, and the Sign/Verify operations
// that tie it to a signer.I.
package event

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/minio/sha256-simd"
	"nostrswarm.dev/pkg/crypto/signer"
	"nostrswarm.dev/pkg/encoders/tag"
	"nostrswarm.dev/pkg/encoders/timestamp"
)

// E is the primary nostr event type. Immutable after Sign populates Id
// and Sig.
type E struct {
	Id        string     `json:"id"`
	Pubkey    string     `json:"pubkey"`
	CreatedAt timestamp.T `json:"created_at"`
	Kind      uint16     `json:"kind"`
	Tags      tag.Tags   `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// New returns an empty, unsigned event.
func New() *E { return &E{Tags: tag.Tags{}} }

// wireJSON is the JSON-on-the-wire shape; it exists only so tags marshal
// as [][]string rather than through tag.Tags' own (identical) encoding,
// keeping the wire format obviously stable regardless of internal tag
// representation changes.
type wireJSON struct {
	Id        string     `json:"id"`
	Pubkey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      uint16     `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Marshal renders the event as wire JSON.
func (e *E) Marshal() ([]byte, error) {
	w := wireJSON{
		Id:        e.Id,
		Pubkey:    e.Pubkey,
		CreatedAt: e.CreatedAt.I64(),
		Kind:      e.Kind,
		Tags:      e.Tags.ToStringSlices(),
		Content:   e.Content,
		Sig:       e.Sig,
	}
	return json.Marshal(w)
}

// Unmarshal populates the event from wire JSON.
func (e *E) Unmarshal(b []byte) error {
	var w wireJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("event: unmarshal: %w", err)
	}
	e.Id = w.Id
	e.Pubkey = w.Pubkey
	e.CreatedAt = timestamp.FromUnix(w.CreatedAt)
	e.Kind = w.Kind
	e.Tags = tag.FromStringSlices(w.Tags)
	e.Content = w.Content
	e.Sig = w.Sig
	return nil
}

// Hash returns the SHA-256 digest of b.
func Hash(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

// ComputeId derives the canonical event id: the lower-case hex SHA-256 of
// the canonical 6-element JSON array.
func (e *E) ComputeId() string {
	ser := e.CanonicalSerialize()
	return hex.EncodeToString(Hash(ser))
}

// Sign derives the canonical id, signs its raw digest with s, and
// populates Id/Pubkey/Sig. It does not mutate CreatedAt, Kind, Tags, or
// Content, which the caller must have already set.
func (e *E) Sign(s signer.I) error {
	e.Pubkey = hex.EncodeToString(s.Pub())
	id := e.ComputeId()
	digest, err := hex.DecodeString(id)
	if err != nil {
		return fmt.Errorf("event: decode computed id: %w", err)
	}
	sig, err := s.Sign(digest)
	if err != nil {
		return fmt.Errorf("event: sign: %w", err)
	}
	e.Id = id
	e.Sig = hex.EncodeToString(sig)
	return nil
}

// Verify recomputes the canonical id, checks it against e.Id, and then
// checks e.Sig against that id under e.Pubkey. It returns a non-nil
// error only for malformed input (bad hex); a signature that simply
// fails to verify returns (false, nil). Verify is stateless and safe to
// call concurrently for different events claiming different pubkeys,
// unlike going through a shared signer.I.
func (e *E) Verify() (valid bool, err error) {
	want := e.ComputeId()
	if want != e.Id {
		return false, nil
	}
	digest, err := hex.DecodeString(e.Id)
	if err != nil {
		return false, fmt.Errorf("event: decode id: %w", err)
	}
	pub, err := hex.DecodeString(e.Pubkey)
	if err != nil {
		return false, fmt.Errorf("event: decode pubkey: %w", err)
	}
	sig, err := hex.DecodeString(e.Sig)
	if err != nil {
		return false, fmt.Errorf("event: decode sig: %w", err)
	}
	return signer.VerifySchnorr(pub, digest, sig)
}
