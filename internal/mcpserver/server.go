package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all escrow tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("escrowd", version)
	h := NewHandlers(NewEscrowClient(cfg))

	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolNextEscrowID, h.HandleNextEscrowID)
	s.AddTool(ToolListEscrows, h.HandleListEscrows)
	s.AddTool(ToolCreateEscrow, h.HandleCreateEscrow)
	s.AddTool(ToolStartWork, h.HandleStartWork)
	s.AddTool(ToolSubmitMilestone, h.HandleSubmitMilestone)
	s.AddTool(ToolApproveMilestone, h.HandleApproveMilestone)
	s.AddTool(ToolDisputeMilestone, h.HandleDisputeMilestone)
	s.AddTool(ToolResolveMilestoneDispute, h.HandleResolveMilestoneDispute)
	s.AddTool(ToolRefundEscrow, h.HandleRefundEscrow)
	s.AddTool(ToolCompleteWork, h.HandleCompleteWork)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)

	return s
}
