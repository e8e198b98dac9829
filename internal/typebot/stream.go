package typebot

import (
	"encoding/json"
	"errors"
	"io"
	"strings"

	"go.uber.org/zap"
)

const streamChunkSize = 4 << 10

// decodeStream aggregates a streamed reply, fanning each chunk out to the
// broadcaster on the way. The reply is the last complete JSON object in the
// aggregate; when there is none, or it does not decode, the aggregate is
// returned as RawText.
func (c *Client) decodeStream(body io.Reader, ticketID int64) *ContinueResult {
	var aggregate strings.Builder
	buf := make([]byte, streamChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			aggregate.WriteString(chunk)
			c.publishChunk(ticketID, chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Warn("Stream read interrupted", zap.Int64("ticket_id", ticketID), zap.Error(err))
			}
			break
		}
	}

	raw := aggregate.String()
	if obj := lastJSONObject(raw); obj != "" {
		var decoded chatResponse
		if err := json.Unmarshal([]byte(obj), &decoded); err == nil {
			return &ContinueResult{
				Messages: decoded.Messages,
				Pending:  decoded.Input.pending(),
			}
		}
	}
	return &ContinueResult{RawText: raw}
}

func (c *Client) publishChunk(ticketID int64, chunk string) {
	if c.broadcaster == nil {
		return
	}
	if err := c.broadcaster.PublishStreamChunk(ticketID, chunk); err != nil {
		c.log.Debug("Failed to publish stream chunk", zap.Int64("ticket_id", ticketID), zap.Error(err))
	}
}

// lastJSONObject returns the last balanced top-level {...} in s, skipping
// braces inside string literals. An unmatched "{" does not hide objects that
// follow it.
func lastJSONObject(s string) string {
	last, open := scanJSONObjects(s)
	if open >= 0 {
		if tail := lastJSONObject(s[open+1:]); tail != "" {
			return tail
		}
	}
	return last
}

// scanJSONObjects returns the last balanced object in s and the offset of a
// top-level "{" left unclosed at the end, or -1.
func scanJSONObjects(s string) (last string, open int) {
	depth, start := 0, -1
	inString, escaped := false, false

	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 {
					last = s[start : i+1]
				}
			}
		}
	}
	if depth > 0 {
		return last, start
	}
	return last, -1
}
