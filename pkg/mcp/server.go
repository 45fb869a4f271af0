package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/kurtbell87/orchestration-kit/pkg/kiterr"
	"github.com/kurtbell87/orchestration-kit/pkg/kitlog"
)

const (
	// ProtocolVersion is the MCP spec version this server supports.
	ProtocolVersion = "2024-11-05"
	ServerName      = "orchestration-kit"
	ServerVersion   = "1.0.0"
)

// Server implements a stdio-based MCP server over a Facade. Grounded on
// the teacher's original stdio-only server (scanner loop, sendResult/
// sendError/writeJSON helpers); generalized to delegate tool execution to
// Facade.Call instead of a single ToolRegistry, and to share its request
// handling with the HTTP transport via processMessage.
type Server struct {
	facade *Facade
	in     io.Reader
	out    io.Writer
	mu     sync.Mutex // serializes writes to stdout
}

// NewServer creates a stdio MCP server backed by facade.
func NewServer(facade *Facade) *Server {
	return &Server{facade: facade, in: os.Stdin, out: os.Stdout}
}

// NewServerWithIO creates an MCP server with custom I/O (for testing).
func NewServerWithIO(facade *Facade, in io.Reader, out io.Writer) *Server {
	return &Server{facade: facade, in: in, out: out}
}

// Serve runs the MCP server loop, reading requests until EOF or ctx cancellation.
func (s *Server) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	// MCP messages can be large (tool results), increase buffer.
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		resp, hasResp := s.facade.processMessage(ctx, []byte(line))
		if hasResp {
			s.writeJSON(resp)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stdin read error: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		kitlog.ErrorCF("mcp", "failed to marshal response", map[string]any{"error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// MCP stdio transport: one JSON object per line.
	_, _ = s.out.Write(data)
	_, _ = s.out.Write([]byte("\n"))
}

// processMessage decodes one JSON-RPC message, dispatches it, and reports
// whether a response is expected (notifications never produce one). Shared
// by the stdio loop and the HTTP transport so both honor the same method
// table and error taxonomy (spec §4.6).
func (f *Facade) processMessage(ctx context.Context, raw []byte) (Response, bool) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nil, ErrParse, "parse error: "+err.Error()), true
	}
	return f.handleRequest(ctx, &req)
}

func (f *Facade) handleRequest(ctx context.Context, req *Request) (Response, bool) {
	switch req.Method {
	case "initialize":
		return resultResponse(req.ID, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    ServerCapability{Tools: &ToolsCapability{ListChanged: false}},
			ServerInfo:      EntityInfo{Name: ServerName, Version: ServerVersion},
		}), true
	case "notifications/initialized":
		return Response{}, false
	case "tools/list":
		return resultResponse(req.ID, ToolsListResult{Tools: ToolCatalogue()}), true
	case "tools/call":
		return f.handleToolsCall(ctx, req)
	case "ping":
		return resultResponse(req.ID, map[string]any{}), true
	default:
		if req.ID == nil {
			return Response{}, false
		}
		return errorResponse(req.ID, ErrMethodNotFound, "method not found: "+req.Method), true
	}
}

func (f *Facade) handleToolsCall(ctx context.Context, req *Request) (Response, bool) {
	raw, err := json.Marshal(req.Params)
	if err != nil {
		return errorResponse(req.ID, ErrInternal, "failed to marshal params"), true
	}

	var params ToolCallParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return errorResponse(req.ID, ErrInvalidParams, "invalid tools/call params: "+err.Error()), true
	}
	if params.Name == "" {
		return errorResponse(req.ID, ErrInvalidParams, "tool name is required"), true
	}

	kitlog.InfoCF("mcp", "tool call", map[string]any{"tool": params.Name})

	result, err := f.Call(ctx, params.Name, params.Arguments)
	if err != nil {
		if kiterr.Is(err, kiterr.Validation) {
			return errorResponse(req.ID, ErrInvalidParams, err.Error()), true
		}
		return errorResponse(req.ID, ErrServer, err.Error()), true
	}

	maxBytes := f.MaxOutputBytes
	if maxBytes <= 0 {
		maxBytes = 32000
	}
	text := capBytes(result.Text, maxBytes)
	if text == "" {
		text = "(no output)"
	}

	mcpResult := ToolCallResult{
		Content:           []ContentBlock{{Type: "text", Text: text}},
		StructuredContent: result.Structured,
		IsError:           result.IsError,
	}
	return resultResponse(req.ID, mcpResult), true
}

func resultResponse(id any, result any) Response {
	return Response{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id any, code int, message string) Response {
	return Response{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: message}}
}
