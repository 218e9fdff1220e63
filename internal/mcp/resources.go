package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
)

const boardURI = "whiteboard://board"

func (s *Server) registerResources() {
	// ── whiteboard://board ─────────────────────────────
	s.mcp.AddResource(mcp.NewResource(
		boardURI,
		"Current Board",
		mcp.WithResourceDescription("Elements and groups of the connected board, bottom to top"),
		mcp.WithMIMEType("application/json"),
	), s.handleBoardResource)
}

type boardSummary struct {
	BoardID  string           `json:"boardId"`
	Elements []elementSummary `json:"elements"`
	Groups   []groupSummary   `json:"groups"`
}

func (s *Server) summarizeBoard() boardSummary {
	out := boardSummary{BoardID: s.sess.BoardID()}
	for _, e := range s.sess.Elements() {
		out.Elements = append(out.Elements, summarizeElement(e))
	}
	for _, g := range s.sess.Groups() {
		out.Groups = append(out.Groups, groupSummary{ID: g.ID, ElementIDs: g.ElementIDs})
	}
	return out
}

func (s *Server) handleBoardResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	data, _ := json.MarshalIndent(s.summarizeBoard(), "", "  ")
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      boardURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
