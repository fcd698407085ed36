package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrowd MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription(
		"Fetch a milestone escrow by id. Shows the parties, token, deadline, "+
			"overall status, and the status and payout of every milestone."),
	mcp.WithNumber("escrow_id",
		mcp.Required(),
		mcp.Description("Numeric escrow id (ids start at 1)")),
)

var ToolNextEscrowID = mcp.NewTool("next_escrow_id",
	mcp.WithDescription("Return the id the next created escrow will receive."),
)

var ToolListEscrows = mcp.NewTool("list_escrows",
	mcp.WithDescription(
		"List escrows where an identity is depositor, beneficiary, or arbiter. "+
			"Defaults to your own identity."),
	mcp.WithString("identity",
		mcp.Description("Identity to list escrows for. Omit to use your own.")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of escrows to return (default 50, max 200)")),
	mcp.WithString("cursor",
		mcp.Description("nextCursor from a previous list_escrows call, to fetch older escrows")),
)

var ToolCreateEscrow = mcp.NewTool("create_escrow",
	mcp.WithDescription(
		"Create a milestone escrow with you as depositor. The sum of all milestone "+
			"amounts is moved from your balance into custody immediately. "+
			"Funds are released milestone by milestone as you approve submitted work."),
	mcp.WithString("beneficiary",
		mcp.Required(),
		mcp.Description("Identity that will do the work and receive payouts")),
	mcp.WithString("milestones",
		mcp.Required(),
		mcp.Description("Comma-separated positive milestone amounts in token base units, e.g. '2000,3000'. At most 20.")),
	mcp.WithString("descriptions",
		mcp.Description("Optional '|'-separated milestone descriptions, one per milestone")),
	mcp.WithNumber("duration",
		mcp.Required(),
		mcp.Description("Seconds from now until the escrow deadline")),
	mcp.WithString("arbiter",
		mcp.Description("Identity allowed to resolve disputes")),
	mcp.WithBoolean("requires_arbiter",
		mcp.Description("Whether the escrow needs an arbiter. Defaults to the server setting.")),
	mcp.WithString("token",
		mcp.Description("Token id to escrow. Defaults to the server's default token.")),
)

var ToolStartWork = mcp.NewTool("start_work",
	mcp.WithDescription(
		"Accept an escrow and mark work as started. Only the beneficiary may call this, "+
			"and only before the deadline."),
	mcp.WithNumber("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow to start")),
)

var ToolSubmitMilestone = mcp.NewTool("submit_milestone",
	mcp.WithDescription(
		"Mark a milestone as delivered so the depositor can approve it. Beneficiary only."),
	mcp.WithNumber("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow the milestone belongs to")),
	mcp.WithNumber("milestone_index",
		mcp.Required(),
		mcp.Description("Zero-based milestone index")),
)

var ToolApproveMilestone = mcp.NewTool("approve_milestone",
	mcp.WithDescription(
		"Approve a submitted milestone and pay its full amount to the beneficiary. Depositor only."),
	mcp.WithNumber("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow the milestone belongs to")),
	mcp.WithNumber("milestone_index",
		mcp.Required(),
		mcp.Description("Zero-based milestone index")),
)

var ToolDisputeMilestone = mcp.NewTool("dispute_milestone",
	mcp.WithDescription(
		"Dispute a submitted milestone instead of approving it. Depositor only, and only "+
			"when the escrow has an arbiter. The arbiter then decides the split."),
	mcp.WithNumber("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow the milestone belongs to")),
	mcp.WithNumber("milestone_index",
		mcp.Required(),
		mcp.Description("Zero-based milestone index")),
)

var ToolResolveMilestoneDispute = mcp.NewTool("resolve_milestone_dispute",
	mcp.WithDescription(
		"Resolve a disputed milestone as arbiter. pay_to_beneficiary goes to the beneficiary "+
			"and the rest of the milestone amount is refunded to the depositor."),
	mcp.WithNumber("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow the milestone belongs to")),
	mcp.WithNumber("milestone_index",
		mcp.Required(),
		mcp.Description("Zero-based milestone index")),
	mcp.WithNumber("pay_to_beneficiary",
		mcp.Required(),
		mcp.Description("Amount in base units paid to the beneficiary, between 0 and the milestone amount")),
)

var ToolRefundEscrow = mcp.NewTool("refund_escrow",
	mcp.WithDescription(
		"Cancel a pending escrow and return the full amount to the depositor. "+
			"Depositor only, before the beneficiary starts work and before the deadline."),
	mcp.WithNumber("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow to refund")),
)

var ToolCompleteWork = mcp.NewTool("complete_work",
	mcp.WithDescription(
		"Close an escrow whose milestones have all been approved. Beneficiary only."),
	mcp.WithNumber("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow to complete")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check a ledger balance. Defaults to your own identity."),
	mcp.WithString("token",
		mcp.Required(),
		mcp.Description("Token id, e.g. 'usdc'")),
	mcp.WithString("identity",
		mcp.Description("Holder to check. Omit to use your own identity.")),
)
