// Package hub is the push messaging server for third-party overlay clients.
// The upgrade handshake and framing are implemented directly on net.Conn.
package hub

import (
	"bufio"
	"crypto/sha1" // #nosec G505 - required by the upgrade handshake
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// handshakeGUID is the fixed suffix hashed into the accept token
const handshakeGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// TokenHeader carries the shared secret when one is configured
const TokenHeader = "X-Overlay-Token"

// AcceptKey derives the Sec-WebSocket-Accept value for a client key
func AcceptKey(key string) string {
	h := sha1.New() // #nosec G401
	_, _ = io.WriteString(h, key+handshakeGUID)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// HandshakeError is a rejected upgrade and the status sent back
type HandshakeError struct {
	Status int
	Reason string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake rejected (%d): %s", e.Status, e.Reason)
}

func rejectf(status int, format string, args ...interface{}) *HandshakeError {
	return &HandshakeError{Status: status, Reason: fmt.Sprintf(format, args...)}
}

// readUpgradeRequest reads one request and checks it against the upgrade
// rules. It returns the client key on success.
func readUpgradeRequest(br *bufio.Reader, path, token string) (string, *HandshakeError) {
	req, err := http.ReadRequest(br)
	if err != nil {
		return "", rejectf(http.StatusBadRequest, "reading request: %v", err)
	}
	if req.Body != nil {
		_ = req.Body.Close()
	}

	if req.Method != http.MethodGet {
		return "", rejectf(http.StatusMethodNotAllowed, "method %s", req.Method)
	}
	if req.URL.Path != path {
		return "", rejectf(http.StatusNotFound, "path %s", req.URL.Path)
	}
	if !headerHasToken(req.Header, "Upgrade", "websocket") {
		return "", rejectf(http.StatusBadRequest, "missing Upgrade: websocket")
	}
	if !headerHasToken(req.Header, "Connection", "upgrade") {
		return "", rejectf(http.StatusBadRequest, "missing Connection: upgrade")
	}

	key := strings.TrimSpace(req.Header.Get("Sec-WebSocket-Key"))
	if key == "" {
		return "", rejectf(http.StatusBadRequest, "missing Sec-WebSocket-Key")
	}

	if token != "" && !tokenMatches(requestToken(req), token) {
		return "", rejectf(http.StatusUnauthorized, "bad or missing token")
	}

	return key, nil
}

// requestToken returns the shared secret presented by the client, checking
// the custom header, a bearer Authorization header, then the query string
func requestToken(req *http.Request) string {
	if v := req.Header.Get(TokenHeader); v != "" {
		return v
	}
	if auth := req.Header.Get("Authorization"); len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return req.URL.Query().Get("token")
}

func tokenMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// headerHasToken reports whether a comma-separated header contains token,
// case-insensitively
func headerHasToken(h http.Header, name, token string) bool {
	for _, value := range h.Values(name) {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

func writeSwitchingProtocols(w io.Writer, key string) error {
	_, err := fmt.Fprintf(w,
		"HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: %s\r\n\r\n",
		AcceptKey(key))
	return err
}

func writeRejection(w io.Writer, status int) error {
	body := http.StatusText(status)
	var extra string
	if status == http.StatusMethodNotAllowed {
		extra = "Allow: GET\r\n"
	}
	_, err := fmt.Fprintf(w,
		"HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\n%sConnection: close\r\n\r\n%s",
		status, body, len(body), extra, body)
	return err
}
