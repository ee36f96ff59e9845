package engine

import (
	"strings"
	"sync"
)

// Sink receives the observable events of a running agent loop: streamed
// text, tool lifecycle, and blocking permission requests. The transport side
// (CLI, WebSocket) implements this; inter-agent and subagent calls use
// SilentSink.
type Sink interface {
	// SendChunk delivers one streamed text fragment.
	SendChunk(text string)
	// ToolStarted fires before a tool call executes.
	ToolStarted(callID, name string, args map[string]any)
	// ToolFinished fires after a tool call, with the result the model will
	// see. failed is true for handler errors, denials, and unknown tools.
	ToolFinished(callID, name, result string, failed bool)
	// RequestPermission asks for approval of a gated tool call. Blocking;
	// returning false denies the call.
	RequestPermission(tool string, args map[string]any) bool
}

// SilentSink collects streamed text without forwarding it anywhere, and
// answers permission requests from a restrictive policy: read-style tools
// are auto-approved when AutoApproveReads is set, everything else is denied
// unless AutoApproveAll is set. Used when one agent drives another.
type SilentSink struct {
	AutoApproveReads bool
	AutoApproveAll   bool

	mu     sync.Mutex
	chunks []string
}

func (s *SilentSink) SendChunk(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, text)
}

func (s *SilentSink) ToolStarted(callID, name string, args map[string]any) {}

func (s *SilentSink) ToolFinished(callID, name, result string, failed bool) {}

func (s *SilentSink) RequestPermission(tool string, args map[string]any) bool {
	if s.AutoApproveAll {
		return true
	}
	return s.AutoApproveReads && strings.HasPrefix(tool, "read")
}

// Response returns all collected text joined in arrival order.
func (s *SilentSink) Response() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.chunks, "")
}
