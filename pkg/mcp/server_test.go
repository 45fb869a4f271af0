package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

// roundTrip sends a JSON-RPC request line and returns the parsed response.
func roundTrip(t *testing.T, srv *Server, req Request) Response {
	t.Helper()

	input, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	input = append(input, '\n')

	var out bytes.Buffer
	srv.in = bytes.NewReader(input)
	srv.out = &out

	ctx := context.Background()
	if err := srv.Serve(ctx); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response %q: %v", out.String(), err)
	}
	return resp
}

func TestInitialize(t *testing.T) {
	srv := NewServerWithIO(&Facade{}, nil, nil)

	resp := roundTrip(t, srv, Request{
		JSONRPC: "2.0",
		ID:      float64(1),
		Method:  "initialize",
		Params: InitializeParams{
			ProtocolVersion: ProtocolVersion,
			ClientInfo:      EntityInfo{Name: "test-client"},
		},
	})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	raw, _ := json.Marshal(resp.Result)
	var result InitializeResult
	json.Unmarshal(raw, &result)

	if result.ProtocolVersion != ProtocolVersion {
		t.Errorf("protocol version = %q, want %q", result.ProtocolVersion, ProtocolVersion)
	}
	if result.ServerInfo.Name != ServerName {
		t.Errorf("server name = %q, want %q", result.ServerInfo.Name, ServerName)
	}
	if result.Capabilities.Tools == nil {
		t.Error("tools capability is nil")
	}
}

func TestToolsList(t *testing.T) {
	srv := NewServerWithIO(&Facade{}, nil, nil)

	resp := roundTrip(t, srv, Request{JSONRPC: "2.0", ID: float64(2), Method: "tools/list"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	raw, _ := json.Marshal(resp.Result)
	var result ToolsListResult
	json.Unmarshal(raw, &result)

	if len(result.Tools) != len(ToolCatalogue()) {
		t.Fatalf("tools count = %d, want %d", len(result.Tools), len(ToolCatalogue()))
	}
	names := map[string]bool{}
	for _, tool := range result.Tools {
		names[tool.Name] = true
		if tool.InputSchema == nil {
			t.Errorf("tool %q has nil inputSchema", tool.Name)
		}
	}
	for _, want := range []string{"orchestrator.run", "kit.tdd", "kit.status", "kit.active", "kit.research_batch"} {
		if !names[want] {
			t.Errorf("expected tool %q not found", want)
		}
	}
}

func TestToolsCall_UnknownTool(t *testing.T) {
	srv := NewServerWithIO(&Facade{}, nil, nil)

	resp := roundTrip(t, srv, Request{
		JSONRPC: "2.0",
		ID:      float64(3),
		Method:  "tools/call",
		Params:  map[string]any{"name": "nonexistent"},
	})

	if resp.Error == nil {
		t.Fatal("expected JSON-RPC error for unknown tool")
	}
	if resp.Error.Code != ErrInvalidParams {
		t.Errorf("error code = %d, want %d", resp.Error.Code, ErrInvalidParams)
	}
}

func TestToolsCall_MissingName(t *testing.T) {
	srv := NewServerWithIO(&Facade{}, nil, nil)

	resp := roundTrip(t, srv, Request{
		JSONRPC: "2.0",
		ID:      float64(4),
		Method:  "tools/call",
		Params:  map[string]any{},
	})

	if resp.Error == nil {
		t.Fatal("expected error for missing tool name")
	}
	if resp.Error.Code != ErrInvalidParams {
		t.Errorf("error code = %d, want %d", resp.Error.Code, ErrInvalidParams)
	}
}

func TestPing(t *testing.T) {
	srv := NewServerWithIO(&Facade{}, nil, nil)

	resp := roundTrip(t, srv, Request{JSONRPC: "2.0", ID: float64(5), Method: "ping"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestUnknownMethod(t *testing.T) {
	srv := NewServerWithIO(&Facade{}, nil, nil)

	resp := roundTrip(t, srv, Request{JSONRPC: "2.0", ID: float64(6), Method: "unknown/method"})
	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != ErrMethodNotFound {
		t.Errorf("error code = %d, want %d", resp.Error.Code, ErrMethodNotFound)
	}
}

func TestNotificationHasNoResponse(t *testing.T) {
	srv := NewServerWithIO(&Facade{}, nil, nil)

	input, _ := json.Marshal(Request{JSONRPC: "2.0", Method: "notifications/initialized"})
	input = append(input, '\n')

	var out bytes.Buffer
	srv.in = bytes.NewReader(input)
	srv.out = &out

	if err := srv.Serve(context.Background()); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("expected no output for a notification, got %q", out.String())
	}
}

func TestParseError(t *testing.T) {
	var out bytes.Buffer
	srv := NewServerWithIO(&Facade{}, strings.NewReader("not json\n"), &out)

	_ = srv.Serve(context.Background())

	var resp Response
	json.Unmarshal(out.Bytes(), &resp)

	if resp.Error == nil {
		t.Fatal("expected parse error")
	}
	if resp.Error.Code != ErrParse {
		t.Errorf("error code = %d, want %d", resp.Error.Code, ErrParse)
	}
}

func TestCapBytes(t *testing.T) {
	s := "héllo wörld" // multi-byte runes
	capped := capBytes(s, 5)
	if len(capped) > 5 {
		t.Errorf("capBytes returned %d bytes, want <=5", len(capped))
	}
	if capBytes(s, 1000) != s {
		t.Error("capBytes should not alter a string within the limit")
	}
}
