// Copyright 2026 The Telegram Copilot Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
)

// bareProbeThreshold is the buffered-byte count past which a bare
// payload that still refuses to parse gets a diagnostic log. The
// data is kept; the buffer has no enforced upper bound.
const bareProbeThreshold = 4096

// Framer turns an inbound byte stream into discrete JSON-RPC
// payloads and writes responses back in the wire encoding each
// payload arrived in. Two encodings are auto-detected per payload:
// a Content-Length framed header block, and bare newline-delimited
// JSON.
//
// A Framer is owned by a single event loop and is not safe for
// concurrent use. The draining flag only guards against re-entrant
// Feed calls from within dispatch, not against other goroutines.
type Framer struct {
	dispatcher *Dispatcher
	output     io.Writer
	logger     *slog.Logger

	buffer      []byte
	draining    bool
	probeLogged bool
}

// NewFramer creates a Framer writing responses to output.
func NewFramer(dispatcher *Dispatcher, output io.Writer, logger *slog.Logger) *Framer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Framer{
		dispatcher: dispatcher,
		output:     output,
		logger:     logger,
	}
}

// Feed appends chunk to the accumulation buffer and drains every
// payload that is now complete, dispatching each to completion in
// arrival order before starting the next. Incomplete trailing bytes
// stay buffered for the next call. A re-entrant Feed only appends;
// the active drain picks the new bytes up.
func (f *Framer) Feed(ctx context.Context, chunk []byte) error {
	f.buffer = append(f.buffer, chunk...)
	if f.draining {
		return nil
	}
	f.draining = true
	defer func() { f.draining = false }()
	return f.drain(ctx)
}

// drain extracts and processes complete payloads until the buffer
// holds only an incomplete remainder.
func (f *Framer) drain(ctx context.Context) error {
	for {
		f.buffer = bytes.TrimLeft(f.buffer, " \t\r\n")
		if len(f.buffer) == 0 {
			return nil
		}

		var payload []byte
		var framed, skipped, complete bool
		if f.buffer[0] == '{' || f.buffer[0] == '[' {
			payload, complete = f.extractBare()
		} else {
			framed = true
			payload, skipped, complete = f.extractFramed()
		}
		if skipped {
			// A malformed header block was discarded; keep going
			// with whatever follows it.
			continue
		}
		if !complete {
			return nil
		}

		f.probeLogged = false
		if err := f.process(ctx, payload, framed); err != nil {
			return err
		}
	}
}

// extractFramed recovers one Content-Length framed body from the
// front of the buffer. skipped reports that a header block was
// discarded as malformed; complete reports that a payload was
// extracted. Neither set means more bytes are needed.
func (f *Framer) extractFramed() (payload []byte, skipped, complete bool) {
	headerEnd, bodyStart := findSeparator(f.buffer)
	if headerEnd < 0 {
		return nil, false, false
	}

	length, err := parseContentLength(f.buffer[:headerEnd])
	if err != nil {
		f.logger.Warn("discarding malformed frame header",
			"error", err, "header", string(f.buffer[:headerEnd]))
		f.buffer = f.buffer[bodyStart:]
		return nil, true, false
	}

	if len(f.buffer)-bodyStart < length {
		return nil, false, false
	}
	payload = f.buffer[bodyStart : bodyStart+length]
	f.buffer = f.buffer[bodyStart+length:]
	return payload, false, true
}

// findSeparator locates the blank line ending a header block. Both
// bare-LF and CRLF blank lines are accepted; whichever appears
// first wins.
func findSeparator(buffer []byte) (headerEnd, bodyStart int) {
	crlf := bytes.Index(buffer, []byte("\r\n\r\n"))
	lf := bytes.Index(buffer, []byte("\n\n"))
	switch {
	case crlf < 0 && lf < 0:
		return -1, -1
	case crlf < 0:
		return lf, lf + 2
	case lf < 0 || crlf < lf:
		return crlf, crlf + 4
	default:
		return lf, lf + 2
	}
}

// parseContentLength finds the Content-Length header in a header
// block. The header name is case-insensitive; the value counts the
// UTF-8 bytes of the body exactly.
func parseContentLength(header []byte) (int, error) {
	for _, line := range strings.Split(string(header), "\n") {
		name, value, found := strings.Cut(strings.TrimRight(line, "\r"), ":")
		if !found || !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		length, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, fmt.Errorf("rpc: invalid Content-Length value %q", strings.TrimSpace(value))
		}
		if length < 0 {
			return 0, fmt.Errorf("rpc: negative Content-Length %d", length)
		}
		return length, nil
	}
	return 0, fmt.Errorf("rpc: header block without Content-Length")
}

// extractBare recovers one bare JSON payload from the front of the
// buffer: the whole buffer if it parses as a JSON value, otherwise
// the first line if that does. When neither parses yet the payload
// is presumed incomplete and the bytes stay buffered, with a
// one-shot diagnostic once the buffer outgrows the probe threshold.
func (f *Framer) extractBare() (payload []byte, complete bool) {
	whole := bytes.TrimSpace(f.buffer)
	if json.Valid(whole) {
		f.buffer = f.buffer[len(f.buffer):]
		return whole, true
	}

	if newline := bytes.IndexByte(f.buffer, '\n'); newline >= 0 {
		line := bytes.TrimSpace(f.buffer[:newline])
		if json.Valid(line) {
			f.buffer = f.buffer[newline+1:]
			return line, true
		}
	}

	if len(f.buffer) > bareProbeThreshold && !f.probeLogged {
		f.probeLogged = true
		sample := f.buffer
		if len(sample) > 120 {
			sample = sample[:120]
		}
		f.logger.Warn("bare payload still incomplete past probe threshold",
			"buffered", len(f.buffer), "sample", string(sample))
	}
	return nil, false
}

// process parses one payload, dispatches its requests in order, and
// emits the responses in the payload's wire encoding. A payload
// that fails to parse, or a batch containing any element without
// the JSON-RPC 2.0 shape, is rejected whole with one parse error.
func (f *Framer) process(ctx context.Context, payload []byte, framed bool) error {
	requests, _, err := parsePayload(payload)
	if err != nil {
		f.logger.Warn("rejecting unparsable payload", "error", err)
		return f.emit([]*response{
			errorResponse(nil, codeParseError, "parse error: "+err.Error()),
		}, framed)
	}

	responses := make([]*response, 0, len(requests))
	for i := range requests {
		if resp := f.dispatcher.Handle(ctx, &requests[i]); resp != nil {
			responses = append(responses, resp)
		}
	}
	return f.emit(responses, framed)
}

// parsePayload decodes a payload body into its requests. batch
// reports whether the body was a JSON array.
func parsePayload(payload []byte) (requests []request, batch bool, err error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, false, fmt.Errorf("rpc: empty payload")
	}

	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &requests); err != nil {
			return nil, false, fmt.Errorf("rpc: invalid batch: %w", err)
		}
		if len(requests) == 0 {
			return nil, false, fmt.Errorf("rpc: empty batch")
		}
		for i := range requests {
			if !requests[i].wellFormed() {
				return nil, false, fmt.Errorf("rpc: batch element %d is not a JSON-RPC 2.0 request", i)
			}
		}
		return requests, true, nil
	}

	var single request
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, false, fmt.Errorf("rpc: invalid request: %w", err)
	}
	if !single.wellFormed() {
		return nil, false, fmt.Errorf("rpc: not a JSON-RPC 2.0 request")
	}
	return []request{single}, false, nil
}

// emit writes responses in the encoding the payload arrived in. A
// single response is emitted unwrapped; several (only possible for
// a batch) are aggregated into one JSON array.
func (f *Framer) emit(responses []*response, framed bool) error {
	if len(responses) == 0 {
		return nil
	}

	var body []byte
	var err error
	if len(responses) == 1 {
		body, err = json.Marshal(responses[0])
	} else {
		body, err = json.Marshal(responses)
	}
	if err != nil {
		return fmt.Errorf("rpc: encoding response: %w", err)
	}

	if framed {
		if _, err := fmt.Fprintf(f.output, "Content-Length: %d\r\n\r\n", len(body)); err != nil {
			return fmt.Errorf("rpc: writing frame header: %w", err)
		}
		if _, err := f.output.Write(body); err != nil {
			return fmt.Errorf("rpc: writing frame body: %w", err)
		}
		return nil
	}

	body = append(body, '\n')
	if _, err := f.output.Write(body); err != nil {
		return fmt.Errorf("rpc: writing response: %w", err)
	}
	return nil
}
