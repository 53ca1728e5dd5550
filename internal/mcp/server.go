package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"servermgr/internal/core"
	"servermgr/internal/store"
)

// Options configures the tool server.
type Options struct {
	Version        string
	Location       *time.Location
	DefaultTimeout int
}

// Server exposes task management as MCP tools.
type Server struct {
	store     *store.Store
	scheduler *core.Scheduler
	logger    *slog.Logger
	opts      Options
	mcp       *server.MCPServer
}

// NewServer creates the MCP server and registers its tools.
func NewServer(st *store.Store, scheduler *core.Scheduler, logger *slog.Logger, opts Options) *Server {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = core.DefaultTimeoutSeconds
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &Server{
		store:     st,
		scheduler: scheduler,
		logger:    logger,
		opts:      opts,
		mcp:       server.NewMCPServer("servermgr", opts.Version, server.WithToolCapabilities(true)),
	}
	s.registerTools()
	return s
}

// ServeStdio serves the tools over stdin/stdout until ctx is done or stdin closes.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.logger.Info("MCP server starting on stdio")
	return server.NewStdioServer(s.mcp).Listen(ctx, os.Stdin, os.Stdout)
}

// Handler returns the streamable HTTP transport, mounted by the API at /mcp.
func (s *Server) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp, server.WithEndpointPath("/mcp"))
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("task_list",
		mcp.WithDescription("List tasks with their schedule and runtime status"),
		mcp.WithString("filter",
			mcp.Description("Which tasks to list"),
			mcp.Enum("all", "enabled", "disabled"),
		),
	), s.handleListTasks)

	s.mcp.AddTool(mcp.NewTool("task_get",
		mcp.WithDescription("Show one task"),
		mcp.WithNumber("task_id", mcp.Required(), mcp.Description("Task ID")),
	), s.handleGetTask)

	s.mcp.AddTool(mcp.NewTool("task_create",
		mcp.WithDescription("Create a shell task. Give a cron expression (5 or 6 fields) or an interval; with neither the task only runs manually"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Task name")),
		mcp.WithString("command", mcp.Required(), mcp.Description("Shell command, run in a login shell")),
		mcp.WithString("cron_expression", mcp.Description("Cron expression, e.g. '0 9 * * 1-5'")),
		mcp.WithNumber("interval_seconds", mcp.Description("Fixed interval in seconds"), mcp.Min(1)),
		mcp.WithNumber("timeout_seconds", mcp.Description("Timeout in seconds"), mcp.Min(0)),
		mcp.WithString("description", mcp.Description("Free-form description")),
		mcp.WithBoolean("enabled", mcp.Description("Schedule the task right away, default true")),
	), s.handleCreateTask)

	s.mcp.AddTool(mcp.NewTool("task_toggle",
		mcp.WithDescription("Enable a disabled task or disable an enabled one"),
		mcp.WithNumber("task_id", mcp.Required(), mcp.Description("Task ID")),
	), s.handleToggleTask)

	s.mcp.AddTool(mcp.NewTool("task_delete",
		mcp.WithDescription("Delete a task and its execution history"),
		mcp.WithNumber("task_id", mcp.Required(), mcp.Description("Task ID")),
	), s.handleDeleteTask)

	s.mcp.AddTool(mcp.NewTool("task_run",
		mcp.WithDescription("Run a task now"),
		mcp.WithNumber("task_id", mcp.Required(), mcp.Description("Task ID")),
		mcp.WithBoolean("wait", mcp.Description("Wait for the process to exit and return its output")),
	), s.handleRunTask)

	s.mcp.AddTool(mcp.NewTool("execution_cancel",
		mcp.WithDescription("Stop a running execution and its child processes"),
		mcp.WithNumber("execution_id", mcp.Required(), mcp.Description("Execution ID")),
	), s.handleCancelExecution)

	s.mcp.AddTool(mcp.NewTool("execution_list",
		mcp.WithDescription("Show execution history, newest first"),
		mcp.WithNumber("task_id", mcp.Description("Only executions of this task")),
		mcp.WithString("search", mcp.Description("Substring of task name, command or output")),
		mcp.WithNumber("limit", mcp.Description("Number of records, default 20"), mcp.Min(1), mcp.Max(200)),
	), s.handleListExecutions)

	s.mcp.AddTool(mcp.NewTool("cron_preview",
		mcp.WithDescription("Preview the next fire times of a cron expression"),
		mcp.WithString("cron_expression", mcp.Required(), mcp.Description("Cron expression")),
		mcp.WithNumber("count", mcp.Description("Number of fire times, default 5"), mcp.Min(1), mcp.Max(20)),
	), s.handleCronPreview)

	s.logger.Debug("MCP tools registered", "count", 9)
}
