package main

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/safeshell/safesh/dispatcher"
	"github.com/safeshell/safesh/errs"
	"github.com/safeshell/safesh/policy"
	"github.com/safeshell/safesh/retry"
)

// millisToDuration converts a (possibly zero/absent) milliseconds argument
// into a time.Duration, leaving the dispatcher's own defaulting in charge
// when the caller didn't pass one.
func millisToDuration(ms float64) time.Duration {
	if ms <= 0 {
		return 0
	}

	return time.Duration(ms) * time.Millisecond
}

// serveCmd builds the `serve` subcommand: the MCP server that binds the
// dispatcher's tool methods over stdio (spec.md §6, §9 "Transport").
func serveCmd(cfg policy.Config, env map[string]string) *Command {
	flags := newCmdFlagSet("serve")
	flagDebug := flags.Bool("debug", false, "Enable verbose (development) logging")

	return &Command{
		Flags: flags,
		Usage: "serve [--debug]",
		Short: "Run the MCP server over stdio",
		Exec: func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
			log, err := newLogger(*flagDebug)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			disp, err := newDispatcher(cfg, env, log)
			if err != nil {
				return err
			}
			defer func() { _ = disp.Close() }()

			srv := newMCPServer(disp, log)

			return server.ServeStdio(srv)
		},
	}
}

// newMCPServer registers every spec.md §6 tool against an MCP server bound
// to the given dispatcher, the same one-handler-per-tool shape the
// dispatcher package itself exposes.
func newMCPServer(disp *dispatcher.Dispatcher, log *zap.Logger) *server.MCPServer {
	srv := server.NewMCPServer("safesh", version, server.WithToolCapabilities(false))

	srv.AddTool(mcp.NewTool("run",
		mcp.WithDescription("Run a JS/TS snippet, shell command, file, or import, inside the sandbox"),
		mcp.WithString("code", mcp.Description("Inline JS/TS source to run")),
		mcp.WithString("shcmd", mcp.Description("A shell command line to run via $.cmd/$.git/$.docker/$.deno")),
		mcp.WithString("file", mcp.Description("Path (relative to the project dir) of a script to run")),
		mcp.WithString("module", mcp.Description("A module specifier to dynamically import")),
		mcp.WithString("retryId", mcp.Description("Resume a previously blocked run with a permission choice")),
		mcp.WithString("choice", mcp.Description("once|session|always, used with retryId; defaults to once")),
		mcp.WithString("shellId", mcp.Description("Run inside an existing shell context instead of a throwaway one")),
		mcp.WithBoolean("background", mcp.Description("Return immediately with a PID instead of waiting for completion")),
		mcp.WithNumber("timeoutMs", mcp.Description("Override the default script timeout, in milliseconds")),
	), runToolHandler(disp))

	srv.AddTool(mcp.NewTool("runTask",
		mcp.WithDescription("Run a named task (serial/parallel/xrun) from the project config"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Task name, as declared in the project config's tasks map")),
		mcp.WithString("shellId", mcp.Description("Run inside an existing shell context")),
	), runTaskToolHandler(disp))

	srv.AddTool(mcp.NewTool("startShell",
		mcp.WithDescription("Start a new long-lived shell context"),
		mcp.WithString("cwd", mcp.Description("Initial working directory, defaulting to the session cwd")),
	), startShellToolHandler(disp))

	srv.AddTool(mcp.NewTool("updateShell",
		mcp.WithDescription("Patch a shell context's cwd; env and vars are not accepted by this tool"),
		mcp.WithString("shellId", mcp.Required()),
		mcp.WithString("cwd", mcp.Description("New working directory")),
	), updateShellToolHandler(disp))

	srv.AddTool(mcp.NewTool("endShell",
		mcp.WithDescription("End a shell context, killing any running scripts"),
		mcp.WithString("shellId", mcp.Required()),
	), endShellToolHandler(disp))

	srv.AddTool(mcp.NewTool("listShells",
		mcp.WithDescription("List all known shell contexts"),
	), listShellsToolHandler(disp))

	srv.AddTool(mcp.NewTool("listScripts",
		mcp.WithDescription("List scripts run in a shell context"),
		mcp.WithString("shellId", mcp.Required()),
	), listScriptsToolHandler(disp))

	srv.AddTool(mcp.NewTool("getScriptOutput",
		mcp.WithDescription("Fetch new output from a background script since a given offset"),
		mcp.WithString("shellId", mcp.Required()),
		mcp.WithString("scriptId", mcp.Required()),
		mcp.WithNumber("since", mcp.Description("Byte offset of output already seen")),
	), getScriptOutputToolHandler(disp))

	srv.AddTool(mcp.NewTool("killScript",
		mcp.WithDescription("Terminate a running background script"),
		mcp.WithString("shellId", mcp.Required()),
		mcp.WithString("scriptId", mcp.Required()),
		mcp.WithString("signal", mcp.Description("Signal to send, defaulting to SIGTERM")),
	), killScriptToolHandler(disp))

	srv.AddTool(mcp.NewTool("waitScript",
		mcp.WithDescription("Block until a background script finishes or the timeout elapses"),
		mcp.WithString("shellId", mcp.Required()),
		mcp.WithString("scriptId", mcp.Required()),
		mcp.WithNumber("timeoutMs", mcp.Description("Maximum time to wait, in milliseconds")),
	), waitScriptToolHandler(disp))

	srv.AddTool(mcp.NewTool("listJobs",
		mcp.WithDescription("List child processes spawned by a shell's scripts"),
		mcp.WithString("shellId", mcp.Required(), mcp.Description("Shell context whose jobs to list")),
		mcp.WithString("scriptId", mcp.Description("Restrict to a single script")),
	), listJobsToolHandler(disp))

	return srv
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(string(body)), nil
}

// toolError renders an *errs.Error (or any other error) as a tool result
// rather than a transport-level failure, per spec.md §7: callers see a
// structured error body, not a dropped connection.
func toolError(err error) (*mcp.CallToolResult, error) {
	if apiErr, ok := err.(*errs.Error); ok {
		body, marshalErr := json.Marshal(map[string]any{
			"kind":       apiErr.Kind,
			"message":    apiErr.Message,
			"details":    apiErr.Details,
			"suggestion": apiErr.Suggestion,
		})
		if marshalErr == nil {
			res := mcp.NewToolResultText(string(body))
			res.IsError = true

			return res, nil
		}
	}

	return mcp.NewToolResultError(err.Error()), nil
}

func runToolHandler(disp *dispatcher.Dispatcher) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		choice := retry.ChoiceOnce

		switch req.GetString("choice", "once") {
		case "session":
			choice = retry.ChoiceSession
		case "always":
			choice = retry.ChoiceAlways
		}

		out, err := disp.Run(ctx, dispatcher.RunInput{
			Code:       req.GetString("code", ""),
			Shcmd:      req.GetString("shcmd", ""),
			File:       req.GetString("file", ""),
			Module:     req.GetString("module", ""),
			RetryID:    req.GetString("retryId", ""),
			ShellID:    req.GetString("shellId", ""),
			Background: req.GetBool("background", false),
			Timeout:    millisToDuration(req.GetFloat("timeoutMs", 0)),
			UserChoice: choice,
		})
		if err != nil {
			return toolError(err)
		}

		return jsonResult(out)
	}
}

func runTaskToolHandler(disp *dispatcher.Dispatcher) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := disp.RunTask(ctx, dispatcher.RunTaskInput{
			Name:    req.GetString("name", ""),
			ShellID: req.GetString("shellId", ""),
		})
		if err != nil {
			return toolError(err)
		}

		return jsonResult(out)
	}
}

func startShellToolHandler(disp *dispatcher.Dispatcher) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := disp.StartShell(ctx, dispatcher.StartShellInput{Cwd: req.GetString("cwd", "")})
		if err != nil {
			return toolError(err)
		}

		return jsonResult(out)
	}
}

func updateShellToolHandler(disp *dispatcher.Dispatcher) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		in := dispatcher.UpdateShellInput{ShellID: req.GetString("shellId", "")}

		if cwd := req.GetString("cwd", ""); cwd != "" {
			in.Cwd = &cwd
		}

		out, err := disp.UpdateShell(ctx, in)
		if err != nil {
			return toolError(err)
		}

		return jsonResult(out)
	}
}

func endShellToolHandler(disp *dispatcher.Dispatcher) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		err := disp.EndShell(ctx, dispatcher.EndShellInput{ShellID: req.GetString("shellId", "")})
		if err != nil {
			return toolError(err)
		}

		return mcp.NewToolResultText("ok"), nil
	}
}

func listShellsToolHandler(disp *dispatcher.Dispatcher) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := disp.ListShells(ctx)
		if err != nil {
			return toolError(err)
		}

		return jsonResult(out)
	}
}

func listScriptsToolHandler(disp *dispatcher.Dispatcher) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := disp.ListScripts(ctx, dispatcher.ListScriptsInput{ShellID: req.GetString("shellId", "")})
		if err != nil {
			return toolError(err)
		}

		return jsonResult(out)
	}
}

func getScriptOutputToolHandler(disp *dispatcher.Dispatcher) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := disp.GetScriptOutput(ctx, dispatcher.GetScriptOutputInput{
			ShellID:  req.GetString("shellId", ""),
			ScriptID: req.GetString("scriptId", ""),
			Since:    int(req.GetFloat("since", 0)),
		})
		if err != nil {
			return toolError(err)
		}

		return jsonResult(out)
	}
}

func killScriptToolHandler(disp *dispatcher.Dispatcher) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		err := disp.KillScript(ctx, dispatcher.KillScriptInput{
			ShellID:  req.GetString("shellId", ""),
			ScriptID: req.GetString("scriptId", ""),
			Signal:   req.GetString("signal", ""),
		})
		if err != nil {
			return toolError(err)
		}

		return mcp.NewToolResultText("ok"), nil
	}
}

func waitScriptToolHandler(disp *dispatcher.Dispatcher) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := disp.WaitScript(ctx, dispatcher.WaitScriptInput{
			ShellID:  req.GetString("shellId", ""),
			ScriptID: req.GetString("scriptId", ""),
			Timeout:  millisToDuration(req.GetFloat("timeoutMs", 0)),
		})
		if err != nil {
			return toolError(err)
		}

		return jsonResult(out)
	}
}

func listJobsToolHandler(disp *dispatcher.Dispatcher) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := disp.ListJobs(ctx, dispatcher.ListJobsInput{
			ShellID:  req.GetString("shellId", ""),
			ScriptID: req.GetString("scriptId", ""),
		})
		if err != nil {
			return toolError(err)
		}

		return jsonResult(out)
	}
}
