package wsman

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/icholy/digest"
	"github.com/ruteri/amt-remote-provisioning/interfaces"
)

type reply struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// parseReply reads a relayed AMT reply: an HTTP/1.1 status line, headers and body.
func parseReply(raw string) (*reply, error) {
	resp, err := http.ReadResponse(bufio.NewReader(strings.NewReader(raw)), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid reply status line: %v", interfaces.ErrMalformedMessage, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid reply body: %v", interfaces.ErrMalformedMessage, err)
	}
	return &reply{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// parseChallenge parses a Digest WWW-Authenticate header.
func parseChallenge(header string) (*digest.Challenge, error) {
	scheme, _, _ := strings.Cut(strings.TrimSpace(header), " ")
	if !strings.EqualFold(scheme, "Digest") {
		return nil, fmt.Errorf("%w: unsupported authentication challenge %q", interfaces.ErrUnexpectedDeviceResponse, header)
	}
	chal, err := digest.ParseChallenge(header)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid digest challenge: %v", interfaces.ErrUnexpectedDeviceResponse, err)
	}
	if chal.Nonce == "" {
		return nil, fmt.Errorf("%w: digest challenge without nonce", interfaces.ErrUnexpectedDeviceResponse)
	}
	return chal, nil
}

// digestState is the challenge a connection authenticates against, with the
// nonce count of the requests sent under it.
type digestState struct {
	*digest.Challenge
	nc int
}

// authorize returns the Authorization header value for the next request.
func (d *digestState) authorize(username, password, method, uri string) (string, error) {
	d.nc++
	cred, err := digest.Digest(d.Challenge, digest.Options{
		Method:   method,
		URI:      uri,
		Count:    d.nc,
		Username: username,
		Password: password,
	})
	if err != nil {
		return "", fmt.Errorf("failed to compute digest credentials: %w", err)
	}
	return cred.String(), nil
}
