package blossom

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"lol.mleku.dev/chk"
	"lol.mleku.dev/log"
	"nostrswarm.dev/pkg/crypto/signer"
)

// Descriptor is a blob descriptor as returned by list/upload (BUD-02).
type Descriptor struct {
	URL      string `json:"url"`
	SHA256   string `json:"sha256"`
	Size     int64  `json:"size"`
	Type     string `json:"type,omitempty"`
	Uploaded int64  `json:"uploaded"`
}

// Client is a thin HTTP client over one Blossom server's
// discovery/upload/download/delete/list surface; an authorization
// header with nothing to attach it to is not useful on its own. It
// deliberately omits retry and multipart-mirror logic.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Signer  signer.I
}

// NewClient builds a client against baseURL (e.g. "https://blossom.example").
func NewClient(baseURL string, s signer.I) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Signer:  s,
	}
}

// Discover fetches the server's well-known Blossom descriptor (BUD-06)
// and returns its raw bytes. The descriptor is not parsed, and the other
// operations of Client use fixed paths rather than URLs it advertises.
func (c *Client) Discover(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/.well-known/blossom", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blossom: discover: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("blossom: discover: server returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Upload PUTs data to the server, authorized with a fresh upload event,
// and returns the server's blob descriptor.
func (c *Client) Upload(ctx context.Context, data []byte, mimeType string) (*Descriptor, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	header, err := BuildAuthHeader(ctx, c.Signer, AuthParams{
		Operation:  OpUpload,
		Content:    "Upload blob",
		SHA256:     hash,
		Size:       int64(len(data)),
		MimeType:   mimeType,
		Expiration: time.Now().Add(10 * time.Minute).Unix(),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.BaseURL+"/upload", strings.NewReader(string(data)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", header)
	if mimeType != "" {
		req.Header.Set("Content-Type", mimeType)
	}
	req.Header.Set("Content-Length", strconv.Itoa(len(data)))

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blossom: upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("blossom: upload: server returned %d: %s", resp.StatusCode, body)
	}
	var d Descriptor
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return nil, fmt.Errorf("blossom: decode descriptor: %w", err)
	}
	return &d, nil
}

// Download GETs the blob with the given sha256 hex hash and verifies
// the response body actually hashes to it before returning. A client
// shouldn't trust a content-addressed store blindly, the same posture
// the sampler takes toward relay-claimed signatures.
func (c *Client) Download(ctx context.Context, sha256hex string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/"+sha256hex, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blossom: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("blossom: download: server returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("blossom: download: %w", err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != sha256hex {
		return nil, fmt.Errorf("blossom: download: hash mismatch, server is lying or corrupting data")
	}
	return data, nil
}

// Delete removes the blob with the given sha256 hex hash, authorized
// with a fresh delete event.
func (c *Client) Delete(ctx context.Context, sha256hex string) error {
	header, err := BuildAuthHeader(ctx, c.Signer, AuthParams{
		Operation: OpDelete,
		Content:   "Delete blob",
		SHA256:    sha256hex,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.BaseURL+"/"+sha256hex, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", header)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("blossom: delete: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("blossom: delete: server returned %d", resp.StatusCode)
	}
	return nil
}

// List fetches the blob descriptors the server holds for pubkey,
// authorized with a fresh list event and optionally scoped to
// [since, until]; a non-zero bound is sent both as a query parameter and
// as a tag of the authorization event.
func (c *Client) List(ctx context.Context, pubkey string, since, until int64) ([]Descriptor, error) {
	header, err := BuildAuthHeader(ctx, c.Signer, AuthParams{
		Operation: OpList,
		Content:   "List blobs",
		Since:     since,
		Until:     until,
	})
	if err != nil {
		return nil, err
	}
	u := c.BaseURL + "/list/" + pubkey
	var q []string
	if since != 0 {
		q = append(q, "since="+strconv.FormatInt(since, 10))
	}
	if until != 0 {
		q = append(q, "until="+strconv.FormatInt(until, 10))
	}
	if len(q) > 0 {
		u += "?" + strings.Join(q, "&")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", header)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blossom: list: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("blossom: list: server returned %d", resp.StatusCode)
	}
	var out []Descriptor
	if err := json.NewDecoder(resp.Body).Decode(&out); chk.E(err) {
		return nil, fmt.Errorf("blossom: decode list: %w", err)
	}
	log.D.F("blossom: listed %d blobs for %s", len(out), pubkey)
	return out, nil
}
