package lspsrv

import (
	"context"
	"os"

	"github.com/sourcegraph/jsonrpc2"
)

// Handle implements jsonrpc2.Handler, method-switching over the LSP methods
// named in spec §6: initialize, initialized, shutdown, exit, the
// textDocument/did* lifecycle notifications, and textDocument/codeAction.
func (s *Server) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) { // nolint:gocyclo
	switch req.Method {
	case "initialize":
		result := s.handleInitialize(ctx, conn, req.Params)
		if err := conn.Reply(ctx, req.ID, result); err != nil {
			s.log.Debug(errReply, "method", req.Method, "error", err)
		}
	case "initialized":
		// no response required; the client is only reporting readiness.
	case "shutdown":
		s.handleShutdown()
		if err := conn.Reply(ctx, req.ID, nil); err != nil {
			s.log.Debug(errReply, "method", req.Method, "error", err)
		}
	case "exit":
		code := 1
		if s.isShuttingDown() {
			code = 0
		}
		os.Exit(code)
	case "textDocument/didOpen":
		s.handleDidOpen(ctx, req.Params)
	case "textDocument/didChange":
		s.handleDidChange(ctx, req.Params)
	case "textDocument/didSave":
		s.handleDidSave(ctx, req.Params)
	case "textDocument/didClose":
		s.handleDidClose(ctx, req.Params)
	case "textDocument/codeAction":
		actions, err := s.handleCodeAction(ctx, req.Params)
		if err != nil {
			s.log.Debug("codeAction request failed", "error", err)
			if replyErr := conn.Reply(ctx, req.ID, []interface{}{}); replyErr != nil {
				s.log.Debug(errReply, "method", req.Method, "error", replyErr)
			}
			return
		}
		if err := conn.Reply(ctx, req.ID, actions); err != nil {
			s.log.Debug(errReply, "method", req.Method, "error", err)
		}
	default:
		s.log.Debug("unhandled LSP method", "method", req.Method)
	}
}
