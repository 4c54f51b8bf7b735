// Package blossom builds and verifies kind-24242 blob-store
// authorization events, and offers a thin HTTP client over the
// companion store's discovery/upload/download/delete/list surface.
package blossom

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"

	"nostrswarm.dev/pkg/crypto/signer"
	"nostrswarm.dev/pkg/encoders/event"
	"nostrswarm.dev/pkg/encoders/tag"
	"nostrswarm.dev/pkg/encoders/timestamp"
)

// AuthKind is the Blossom blob-authorization event kind (BUD-01).
const AuthKind = 24242

// Operation is one of the three operations a blob authorization event
// may authorize.
type Operation string

const (
	OpUpload Operation = "upload"
	OpDelete Operation = "delete"
	OpList   Operation = "list"
)

// AuthParams describes the authorization event to build.
type AuthParams struct {
	Operation Operation
	Content   string // short human string, e.g. "Upload blob"

	// upload/delete
	SHA256 string // hex, required for upload/delete

	// upload only
	Size       int64
	MimeType   string // optional
	Expiration int64  // optional, unix seconds

	// list only
	Since int64 // optional, unix seconds
	Until int64 // optional, unix seconds
}

// BuildAuthEvent constructs, signs, and returns a kind-24242 event
// authorizing op against the blob store, following BUD-01's tag
// layout.
func BuildAuthEvent(s signer.I, p AuthParams) (*event.E, error) {
	if p.Operation == "" {
		return nil, fmt.Errorf("blossom: operation is required")
	}
	if (p.Operation == OpUpload || p.Operation == OpDelete) && p.SHA256 == "" {
		return nil, fmt.Errorf("blossom: %s requires a sha256 hash", p.Operation)
	}

	e := event.New()
	e.CreatedAt = timestamp.Now()
	e.Kind = AuthKind
	e.Content = p.Content

	tags := tag.Tags{tag.T{"t", string(p.Operation)}}
	switch p.Operation {
	case OpUpload:
		tags = append(tags, tag.T{"x", p.SHA256})
		tags = append(tags, tag.T{"size", strconv.FormatInt(p.Size, 10)})
		if p.MimeType != "" {
			tags = append(tags, tag.T{"type", p.MimeType})
		}
		if p.Expiration != 0 {
			tags = append(tags, tag.T{"expiration", strconv.FormatInt(p.Expiration, 10)})
		}
	case OpDelete:
		tags = append(tags, tag.T{"x", p.SHA256})
		if p.Expiration != 0 {
			tags = append(tags, tag.T{"expiration", strconv.FormatInt(p.Expiration, 10)})
		}
	case OpList:
		if p.Since != 0 {
			tags = append(tags, tag.T{"since", strconv.FormatInt(p.Since, 10)})
		}
		if p.Until != 0 {
			tags = append(tags, tag.T{"until", strconv.FormatInt(p.Until, 10)})
		}
	default:
		return nil, fmt.Errorf("blossom: unknown operation %q", p.Operation)
	}
	e.Tags = tags

	if err := e.Sign(s); err != nil {
		return nil, fmt.Errorf("blossom: sign auth event: %w", err)
	}
	return e, nil
}

// AuthHeader renders e as the "Nostr <base64(event_json)>" HTTP header
// value BUD-01 requires.
func AuthHeader(e *event.E) (string, error) {
	b, err := e.Marshal()
	if err != nil {
		return "", fmt.Errorf("blossom: marshal auth event: %w", err)
	}
	return "Nostr " + base64.StdEncoding.EncodeToString(b), nil
}

// VerifyAuthEvent checks an inbound authorization event's signature,
// kind, and that its "t" tag matches wantOp, the server-side half of
// BUD-01's validation contract. It does not check expiration or
// blob-identity matching, which are request-specific.
func VerifyAuthEvent(e *event.E, wantOp Operation) (bool, error) {
	if e.Kind != AuthKind {
		return false, fmt.Errorf("blossom: wrong kind %d", e.Kind)
	}
	t, ok := e.Tags.GetFirst("t")
	if !ok || t.Value() != string(wantOp) {
		return false, fmt.Errorf("blossom: operation mismatch")
	}
	return e.Verify()
}

// BuildAuthHeader is a convenience combining BuildAuthEvent and
// AuthHeader for callers that only want the header value.
func BuildAuthHeader(ctx context.Context, s signer.I, p AuthParams) (string, error) {
	e, err := BuildAuthEvent(s, p)
	if err != nil {
		return "", err
	}
	return AuthHeader(e)
}
