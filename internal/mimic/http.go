package mimic

import (
	"bytes"
	"encoding/base64"
	"fmt"
)

const (
	requestPrefix  = "GET /api/v1/resource/"
	requestSuffix  = " HTTP/1.1"
	responseHeader = "X-Data: "
	headerEnd      = "\r\n"
)

// HTTPMimic encodes the handshake payload inside a plausible HTTP/1.1
// exchange. The client looks like a GET against a CDN resource with the
// payload in the path; the server looks like an empty 200 response with the
// payload in a custom header. Payload bytes are base64 URL-safe without
// padding.
type HTTPMimic struct{}

// Encapsulate wraps payload into an HTTP request (client) or response
// (server).
func (HTTPMimic) Encapsulate(payload []byte, isServer bool) []byte {
	encoded := base64.RawURLEncoding.EncodeToString(payload)

	if isServer {
		return []byte(fmt.Sprintf(
			"HTTP/1.1 200 OK\r\nServer: Chuck/1.0\r\nContent-Type: text/html\r\nContent-Length: 0\r\nX-Data: %s\r\n\r\n",
			encoded))
	}
	return []byte(fmt.Sprintf(
		"GET /api/v1/resource/%s HTTP/1.1\r\nHost: cdn.example.com\r\nUser-Agent: Chimera/1.0\r\nConnection: keep-alive\r\n\r\n",
		encoded))
}

// Decapsulate extracts the payload from either envelope shape. The request
// form is tried first, then the response header.
func (HTTPMimic) Decapsulate(packet []byte) ([]byte, error) {
	if start := bytes.Index(packet, []byte(requestPrefix)); start >= 0 {
		rest := packet[start+len(requestPrefix):]
		end := bytes.Index(rest, []byte(requestSuffix))
		if end >= 0 {
			return decodePayload(rest[:end])
		}
	}

	if start := bytes.Index(packet, []byte(responseHeader)); start >= 0 {
		rest := packet[start+len(responseHeader):]
		end := bytes.Index(rest, []byte(headerEnd))
		if end >= 0 {
			return decodePayload(rest[:end])
		}
	}

	return nil, ErrNotRecognized
}

// Name returns the cover protocol name.
func (HTTPMimic) Name() string {
	return "HTTP"
}

func decodePayload(encoded []byte) ([]byte, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode mimic payload: %w", err)
	}
	return decoded, nil
}
