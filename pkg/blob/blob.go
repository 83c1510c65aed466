package blob

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/ringforge/ringforge/pkg/protocol"
)

// MaxFileSize caps presigned uploads.
const MaxFileSize = 100 << 20 // 100 MiB

// URLTTL is how long a presigned URL stays valid.
const URLTTL = 15 * time.Minute

// Signer issues presigned blob URLs. File bytes never transit the hub;
// agents talk to the blob store directly.
type Signer interface {
	// UploadURL returns a presigned PUT URL and the file id it creates.
	UploadURL(tenantID, fleetID, filename, contentType string, size int64) (fileID, uploadURL string, err error)
	// DownloadURL returns a presigned GET URL for an existing file id.
	DownloadURL(tenantID, fleetID, fileID string) (string, error)
}

// HMACSigner signs URLs for a store that validates the same HMAC scheme:
// signature over method, path, and expiry with a shared secret.
type HMACSigner struct {
	secret  []byte
	baseURL string
}

// NewHMACSigner creates a signer against the given blob endpoint.
func NewHMACSigner(secret, baseURL string) *HMACSigner {
	return &HMACSigner{secret: []byte(secret), baseURL: baseURL}
}

// UploadURL implements Signer.
func (s *HMACSigner) UploadURL(tenantID, fleetID, filename, contentType string, size int64) (string, string, error) {
	if filename == "" {
		return "", "", protocol.NewError(protocol.CodeInvalidMessage, "missing filename")
	}
	if size <= 0 || size > MaxFileSize {
		return "", "", protocol.NewError(protocol.CodePayloadTooLarge, "file size out of range")
	}
	fileID := uuid.New().String()
	u, err := s.sign("PUT", tenantID, fleetID, fileID, url.Values{
		"filename":     {filename},
		"content_type": {contentType},
		"size":         {strconv.FormatInt(size, 10)},
	})
	if err != nil {
		return "", "", err
	}
	return fileID, u, nil
}

// DownloadURL implements Signer.
func (s *HMACSigner) DownloadURL(tenantID, fleetID, fileID string) (string, error) {
	if _, err := uuid.Parse(fileID); err != nil {
		return "", protocol.NewError(protocol.CodeInvalidMessage, "malformed file id")
	}
	return s.sign("GET", tenantID, fleetID, fileID, url.Values{})
}

func (s *HMACSigner) sign(method, tenantID, fleetID, fileID string, query url.Values) (string, error) {
	path := fmt.Sprintf("/blobs/%s/%s/%s", tenantID, fleetID, fileID)
	expires := time.Now().Add(URLTTL).Unix()
	query.Set("expires", strconv.FormatInt(expires, 10))

	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%s\n%d", method, path, expires)
	query.Set("signature", hex.EncodeToString(mac.Sum(nil)))

	return s.baseURL + path + "?" + query.Encode(), nil
}
