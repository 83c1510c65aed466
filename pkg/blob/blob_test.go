package blob

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/ringforge/ringforge/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadURL(t *testing.T) {
	s := NewHMACSigner("secret", "http://blobs.local")

	fileID, rawURL, err := s.UploadURL("t1", "f1", "report.pdf", "application/pdf", 1024)
	require.NoError(t, err)
	_, err = uuid.Parse(fileID)
	require.NoError(t, err)

	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	assert.Equal(t, "/blobs/t1/f1/"+fileID, u.Path)
	q := u.Query()
	assert.Equal(t, "report.pdf", q.Get("filename"))
	assert.Equal(t, "1024", q.Get("size"))
	assert.NotEmpty(t, q.Get("expires"))
	assert.NotEmpty(t, q.Get("signature"))
}

func TestUploadURLSignatureVerifiable(t *testing.T) {
	s := NewHMACSigner("secret", "http://blobs.local")
	fileID, rawURL, err := s.UploadURL("t1", "f1", "a.txt", "", 10)
	require.NoError(t, err)

	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	expires, err := strconv.ParseInt(u.Query().Get("expires"), 10, 64)
	require.NoError(t, err)

	// The store recomputes the same MAC over method, path, and expiry.
	mac := hmac.New(sha256.New, []byte("secret"))
	fmt.Fprintf(mac, "PUT\n/blobs/t1/f1/%s\n%d", fileID, expires)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), u.Query().Get("signature"))
}

func TestUploadURLValidation(t *testing.T) {
	s := NewHMACSigner("secret", "http://blobs.local")

	_, _, err := s.UploadURL("t1", "f1", "", "", 10)
	require.Error(t, err)
	assert.Equal(t, protocol.CodeInvalidMessage, protocol.AsError(err).Code)

	_, _, err = s.UploadURL("t1", "f1", "big.bin", "", MaxFileSize+1)
	require.Error(t, err)
	assert.Equal(t, protocol.CodePayloadTooLarge, protocol.AsError(err).Code)

	_, _, err = s.UploadURL("t1", "f1", "empty.bin", "", 0)
	require.Error(t, err)
}

func TestDownloadURL(t *testing.T) {
	s := NewHMACSigner("secret", "http://blobs.local")
	fileID := uuid.New().String()

	rawURL, err := s.DownloadURL("t1", "f1", fileID)
	require.NoError(t, err)
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	assert.Equal(t, "/blobs/t1/f1/"+fileID, u.Path)
	assert.NotEmpty(t, u.Query().Get("signature"))
}

func TestDownloadURLRejectsMalformedID(t *testing.T) {
	s := NewHMACSigner("secret", "http://blobs.local")
	_, err := s.DownloadURL("t1", "f1", "../../etc/passwd")
	require.Error(t, err)
	assert.Equal(t, protocol.CodeInvalidMessage, protocol.AsError(err).Code)
}
