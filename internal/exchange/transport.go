// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/jeranaias/ragchat/internal/model"
)

// =============================================================================
// TRANSPORT CONTRACT
// =============================================================================

// Payload is what gets dispatched to the submit endpoint.
type Payload struct {
	ChatID      string
	Message     string
	Attachments []model.Attachment
}

// FragmentStream is a lazy, finite sequence of text fragments. Next returns
// io.EOF once the remote side has finished. It is not restartable.
type FragmentStream interface {
	Next() (string, error)
	Close() error
}

// Transport opens a streamed exchange with the remote endpoint. Send fails
// with a *TransportError when the request cannot be established.
type Transport interface {
	Send(ctx context.Context, p Payload) (FragmentStream, error)
}

// =============================================================================
// HTTP TRANSPORT
// =============================================================================

// TransportConfig holds configuration for the HTTP transport.
type TransportConfig struct {
	// URL of the submit endpoint (default: http://127.0.0.1:8000/chat)
	URL string

	// ReadBuffer is the maximum number of bytes read per fragment (default: 4096)
	ReadBuffer int

	// Client is the HTTP client used for requests. It should not carry a
	// Timeout; the exchange deadline comes from the context.
	Client *http.Client
}

// DefaultSubmitURL is the submit endpoint used when none is configured.
const DefaultSubmitURL = "http://127.0.0.1:8000/chat"

// DefaultReadBuffer is the default fragment read size.
const DefaultReadBuffer = 4096

// DefaultTransportConfig returns the default transport configuration.
func DefaultTransportConfig() *TransportConfig {
	return &TransportConfig{
		URL:        DefaultSubmitURL,
		ReadBuffer: DefaultReadBuffer,
		Client:     &http.Client{},
	}
}

// HTTPTransport posts multipart requests and reads the chunked reply body.
type HTTPTransport struct {
	config *TransportConfig
}

// NewHTTPTransport creates a transport with custom configuration.
func NewHTTPTransport(config *TransportConfig) *HTTPTransport {
	if config == nil {
		config = DefaultTransportConfig()
	}

	// Fill in defaults for any zero values
	if config.URL == "" {
		config.URL = DefaultSubmitURL
	}
	if config.ReadBuffer <= 0 {
		config.ReadBuffer = DefaultReadBuffer
	}
	if config.Client == nil {
		config.Client = &http.Client{}
	}

	return &HTTPTransport{config: config}
}

// URL returns the submit endpoint.
func (t *HTTPTransport) URL() string {
	return t.config.URL
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, p Payload) (FragmentStream, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, p))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, pr)
	if err != nil {
		pr.Close()
		return nil, &TransportError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "text/plain")

	resp, err := t.config.Client.Do(req)
	if err != nil {
		pr.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TransportError{Type: ErrTypeTimeout, Message: "request timed out", Cause: err}
		}
		return nil, &TransportError{Type: ErrTypeConnection, Message: "failed to reach submit endpoint", Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		msg := "submit request failed"
		if d := strings.TrimSpace(string(detail)); d != "" {
			msg = msg + ": " + d
		}
		return nil, &TransportError{Type: ErrTypeStatus, Message: msg, StatusCode: resp.StatusCode}
	}

	return newBodyStream(resp.Body, t.config.ReadBuffer), nil
}

// writeForm encodes the multipart payload.
func writeForm(mw *multipart.Writer, p Payload) error {
	if err := mw.WriteField("chat_id", p.ChatID); err != nil {
		return err
	}
	if err := mw.WriteField("message", p.Message); err != nil {
		return err
	}
	for _, a := range p.Attachments {
		if err := writeFile(mw, a); err != nil {
			return err
		}
	}
	return mw.Close()
}

func writeFile(mw *multipart.Writer, a model.Attachment) error {
	if a.Open == nil {
		return fmt.Errorf("attachment %s has no contents", a.Name)
	}
	src, err := a.Open()
	if err != nil {
		return fmt.Errorf("open attachment %s: %w", a.Name, err)
	}
	defer src.Close()

	part, err := mw.CreateFormFile("files", a.Name)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, src)
	return err
}

// =============================================================================
// BODY STREAM
// =============================================================================

// bodyStream turns a response body into text fragments. The body passes
// through a UTF-8 decoder so a character split across two network chunks is
// held back until it is complete; invalid bytes become U+FFFD. Fragments
// always end on a rune boundary.
type bodyStream struct {
	body  io.ReadCloser
	text  io.Reader
	buf   []byte
	carry int
}

func newBodyStream(body io.ReadCloser, size int) *bodyStream {
	if size < utf8.UTFMax {
		size = utf8.UTFMax
	}
	return &bodyStream{
		body: body,
		text: transform.NewReader(body, unicode.UTF8.NewDecoder()),
		buf:  make([]byte, size),
	}
}

// Next returns the next decoded fragment.
func (s *bodyStream) Next() (string, error) {
	for {
		n, err := s.text.Read(s.buf[s.carry:])
		n += s.carry
		s.carry = 0
		if n > 0 {
			cut := runeBoundary(s.buf[:n])
			if cut > 0 {
				frag := string(s.buf[:cut])
				s.carry = copy(s.buf, s.buf[cut:n])
				return frag, nil
			}
			s.carry = n
		}
		if err == io.EOF {
			if s.carry > 0 {
				frag := string(s.buf[:s.carry])
				s.carry = 0
				return frag, nil
			}
			return "", io.EOF
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return "", &TransportError{Type: ErrTypeTimeout, Message: "exchange timed out", Cause: err}
			}
			return "", &TransportError{Type: ErrTypeStream, Message: "response stream broken", Cause: err}
		}
	}
}

func (s *bodyStream) Close() error {
	return s.body.Close()
}

// runeBoundary returns the length of the longest prefix of b that does not end
// inside a multi-byte character.
func runeBoundary(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}
