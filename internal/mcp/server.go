package mcpserver

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"whiteboard/internal/session"
)

// Server is the MCP server for one board session.
// It exposes tools and a resource so AI agents can draw on the board like any
// other participant: every tool goes through the session, so edits are
// optimistic, synced to the authority and undoable.
type Server struct {
	mcp    *server.MCPServer
	sess   *session.Session
	layout *LayoutEngine
	log    *zap.SugaredLogger

	// temp ids handed to the agent, resolved to canonical ids once confirmed
	mu      sync.Mutex
	aliases map[string]string
	unalias func()
}

// New creates and configures a new MCP server bound to sess.
func New(sess *session.Session, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		sess:    sess,
		layout:  NewLayoutEngine(),
		log:     log,
		aliases: make(map[string]string),
	}
	s.unalias = sess.OnRemap(func(tempID, canonicalID string) {
		s.mu.Lock()
		s.aliases[tempID] = canonicalID
		s.mu.Unlock()
	})

	s.mcp = server.NewMCPServer(
		"whiteboard-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, false),
	)

	s.registerElementTools()
	s.registerGroupTools()
	s.registerBoardTools()
	s.registerResources()

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	s.log.Infof("[mcp] starting stdio server for board %s", s.sess.BoardID())
	defer s.unalias()
	return server.ServeStdio(s.mcp)
}

// ── Helpers ────────────────────────────────────────────────

// textResult creates a simple text tool result.
func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

// jsonResult serializes v to JSON and wraps it in a text tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return textResult(string(data)), nil
}

// resolve maps an id the agent may still hold (a temp id) to its current id.
func (s *Server) resolve(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < 4; i++ {
		next, ok := s.aliases[id]
		if !ok {
			break
		}
		id = next
	}
	return id
}

// idArg reads a required id argument and resolves it.
func (s *Server) idArg(args map[string]any, key string) (string, error) {
	id, err := stringArg(args, key)
	if err != nil {
		return "", err
	}
	return s.resolve(id), nil
}
