// Package mcp speaks newline-delimited JSON-RPC 2.0 over stdio and exposes
// the audit loop as a single MCP tool. stdout carries frames only; all
// logging goes to stderr.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/danshapiro/ganaudit/internal/diag"
	"github.com/danshapiro/ganaudit/internal/handler"
	"github.com/danshapiro/ganaudit/internal/respond"
)

const (
	protocolVersion = "2024-11-05"
	serverName      = "ganaudit"
	serverVersion   = "1.0.0"

	// maxFrameBytes bounds one inbound line. Thoughts carry whole files, so
	// this is deliberately generous.
	maxFrameBytes = 16 << 20
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type Server struct {
	in      io.Reader
	handler *handler.Handler
	logger  *log.Logger

	writeMu sync.Mutex
	out     io.Writer

	sem chan struct{}
	wg  sync.WaitGroup
}

func NewServer(in io.Reader, out io.Writer, h *handler.Handler, maxInFlight int, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stderr, "[mcp] ", log.LstdFlags)
	}
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &Server{
		in:      in,
		out:     out,
		handler: h,
		logger:  logger,
		sem:     make(chan struct{}, maxInFlight),
	}
}

// Serve reads frames until stdin EOF or ctx cancellation, then waits for
// in-flight requests to finish. The reader runs on its own goroutine so a
// signal stops the server even while stdin stays open; the abandoned reader
// exits on its next frame or EOF.
func (s *Server) Serve(ctx context.Context) error {
	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(frames)
		scanner := bufio.NewScanner(s.in)
		scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(strings.TrimSpace(string(line))) == 0 {
				continue
			}
			frame := make([]byte, len(line))
			copy(frame, line)
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return nil
		case frame, ok := <-frames:
			if !ok {
				s.wg.Wait()
				select {
				case err := <-readErr:
					if err != nil && !errors.Is(err, io.EOF) {
						return fmt.Errorf("read frames: %w", err)
					}
				default:
				}
				return nil
			}
			s.dispatch(ctx, frame)
		}
	}
}

func (s *Server) dispatch(ctx context.Context, frame []byte) {
	var req request
	if err := json.Unmarshal(frame, &req); err != nil {
		s.write(response{JSONRPC: "2.0", ID: json.RawMessage("null"), Error: &rpcError{
			Code:    codeParseError,
			Message: "parse error: " + err.Error(),
		}})
		return
	}
	if strings.HasPrefix(req.Method, "notifications/") || len(req.ID) == 0 {
		// Notifications get no reply.
		return
	}

	s.wg.Add(1)
	s.sem <- struct{}{}
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()
		s.write(s.handleRequest(ctx, req))
	}()
}

func (s *Server) handleRequest(ctx context.Context, req request) response {
	resp := response{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": serverName, "version": serverVersion},
		}
	case "ping":
		resp.Result = map[string]any{}
	case "tools/list":
		resp.Result = map[string]any{"tools": []toolInfo{auditTool()}}
	case "tools/call":
		result, rerr := s.callTool(ctx, req.Params)
		if rerr != nil {
			resp.Error = rerr
		} else {
			resp.Result = result
		}
	default:
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: "method not found: " + req.Method}
	}
	return resp
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) callTool(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var params callParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams(diag.Newf(diag.CategoryValidation, "tools/call params are not an object: %v", err))
	}
	if params.Name != toolName {
		return nil, &rpcError{Code: codeInvalidParams, Message: "unknown tool: " + params.Name}
	}

	thought, derr := decodeThought(params.Arguments)
	if derr != nil {
		return nil, invalidParams(derr)
	}

	env, err := s.handler.Handle(ctx, *thought)
	if err != nil {
		return nil, toRPCError(err)
	}
	return toolResult(env)
}

// toolResult wraps the envelope as MCP tool content: one JSON text block.
func toolResult(env *respond.Envelope) (any, *rpcError) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, toRPCError(diag.Newf(diag.CategoryValidation, "encode response envelope: %v", err))
	}
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": string(b)}},
	}, nil
}

// toRPCError maps handler failures to the wire shape: the Diagnostic rides
// in error.data so the upstream agent can surface suggestions.
func toRPCError(err error) *rpcError {
	var d *diag.Diagnostic
	if errors.As(err, &d) {
		return &rpcError{Code: codeServerError, Message: d.Message, Data: d}
	}
	return &rpcError{Code: codeServerError, Message: err.Error()}
}

func invalidParams(d *diag.Diagnostic) *rpcError {
	return &rpcError{Code: codeInvalidParams, Message: d.Message, Data: d}
}

func (s *Server) write(resp response) {
	b, err := json.Marshal(resp)
	if err != nil {
		s.logger.Printf("encode response: %v", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(b, '\n')); err != nil {
		s.logger.Printf("write response: %v", err)
	}
}
