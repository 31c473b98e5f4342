package interceptor

import (
	"bytes"
	"strings"

	"github.com/google/uuid"

	"github.com/gosuda/tether/internal/event"
)

// Outcome is the result of classifying one line. Exactly one of Event and
// Permission is set.
type Outcome struct {
	Event      event.Event
	Permission *Permission
}

// Permission is a parsed permission prompt awaiting a requestId.
type Permission struct {
	Tool        string
	Pattern     string
	Description string
}

// Parser turns raw process output into outcomes. It is line oriented; the
// only state carried across lines is the open tool call and its result
// buffer. Not safe for concurrent use.
type Parser struct {
	partial    []byte
	inToolCall bool
	callID     string
	result     strings.Builder
	newID      func() string
}

// NewParser returns a parser that generates callIds with uuid.
func NewParser() *Parser {
	return &Parser{newID: uuid.NewString}
}

// Feed appends a chunk of output and classifies every completed line.
// A trailing partial line is held until the next chunk or Flush.
func (p *Parser) Feed(chunk []byte) []Outcome {
	p.partial = append(p.partial, chunk...)

	var out []Outcome
	rest := p.partial
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			break
		}
		out = append(out, p.Line(string(rest[:i]))...)
		rest = rest[i+1:]
	}
	p.partial = append(p.partial[:0:0], rest...)

	return out
}

// Flush processes any buffered partial line as if newline terminated and
// closes an open tool call with whatever result it accumulated.
func (p *Parser) Flush() []Outcome {
	var out []Outcome
	if len(p.partial) > 0 {
		line := string(p.partial)
		p.partial = nil
		out = append(out, p.Line(line)...)
	}
	if p.inToolCall {
		out = append(out, p.closeToolCall(""))
	}
	return out
}

// InToolCall reports whether a tool call is open.
func (p *Parser) InToolCall() bool {
	return p.inToolCall
}

// Line classifies one complete line.
func (p *Parser) Line(raw string) []Outcome {
	line := strings.TrimRight(stripANSI(raw), "\r")
	if strings.TrimSpace(line) == "" {
		return nil
	}

	if isThinking(line) {
		return []Outcome{{Event: event.Text{Text: strings.TrimSpace(line), Thinking: true}}}
	}

	if ts, ok := matchToolStart(line); ok {
		var out []Outcome
		if p.inToolCall {
			// A new call implicitly ends the one still open.
			out = append(out, p.closeToolCall(""))
		}
		p.inToolCall = true
		p.callID = p.newID()
		p.result.Reset()
		return append(out, Outcome{Event: event.ToolCallStart{
			CallID:      p.callID,
			Name:        ts.name,
			Args:        ts.args,
			Description: strings.TrimSpace(ts.description),
		}})
	}

	if p.inToolCall && p.callID != "" {
		if te, ok := matchToolEnd(line); ok {
			inline := ""
			if te.inline {
				inline = te.result
			}
			return []Outcome{p.closeToolCall(inline)}
		}

		p.result.WriteString(line)
		p.result.WriteByte('\n')
		return nil
	}

	if perm, ok := matchPermission(line); ok {
		return []Outcome{{Permission: &Permission{
			Tool:        perm.tool,
			Pattern:     perm.pattern,
			Description: perm.description,
		}}}
	}

	if isError(line) {
		return []Outcome{{Event: event.Status{State: event.StateError, Message: strings.TrimSpace(line)}}}
	}

	if st, ok := matchStatus(line); ok {
		return []Outcome{{Event: event.Status{State: st.state, Message: st.message}}}
	}

	return []Outcome{{Event: event.Text{Text: strings.TrimSpace(line)}}}
}

func (p *Parser) closeToolCall(inline string) Outcome {
	result := inline
	if result == "" {
		result = strings.TrimRight(p.result.String(), "\n")
	}
	ev := event.ToolCallEnd{CallID: p.callID, Result: result}

	p.inToolCall = false
	p.callID = ""
	p.result.Reset()

	return Outcome{Event: ev}
}
