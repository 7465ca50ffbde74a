package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rhuss/dialog/pkg/engine"
)

type askOptions struct {
	model    string
	effort   string
	persona  string
	system   string
	tools    []string
	noStream bool
	jsonOut  bool
}

var askOpts askOptions

var askCmd = &cobra.Command{
	Use:   "ask <prompt>",
	Short: "Run one conversation and print the answer",
	Long:  "Run a single conversation for the prompt. Content is streamed to stdout as it arrives; tool calls are reported on stderr.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configFile)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := buildStack(ctx, cfg)
		if err != nil {
			return fmt.Errorf("building engine: %w", err)
		}
		defer st.Close()

		return runAsk(ctx, st.engine, strings.Join(args, " "), askOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	f := askCmd.Flags()
	f.StringVarP(&askOpts.model, "model", "m", "", "Model hint (overrides endpoint.default_model)")
	f.StringVar(&askOpts.effort, "effort", "", "Reasoning effort hint (low, medium, high)")
	f.StringVar(&askOpts.persona, "persona", "", "Persona used to scale tool deadlines")
	f.StringVar(&askOpts.system, "system", "", "System prompt override")
	f.StringSliceVar(&askOpts.tools, "tools", nil, "Restrict the tools offered to the model")
	f.BoolVar(&askOpts.noStream, "no-stream", false, "Wait for the final answer instead of streaming")
	f.BoolVar(&askOpts.jsonOut, "json", false, "Print the full result as JSON")
}

// runAsk runs one conversation with g and renders it to out. Progress
// lines go to errOut.
func runAsk(ctx context.Context, g *engine.Engine, prompt string, opts askOptions, out, errOut io.Writer) error {
	genOpts := engine.GenerateOptions{
		Model:        opts.model,
		Effort:       opts.effort,
		Persona:      opts.persona,
		SystemPrompt: opts.system,
		AllowedTools: opts.tools,
	}

	var (
		result *engine.Result
		err    error
	)
	if opts.noStream || opts.jsonOut {
		result, err = g.Generate(ctx, prompt, genOpts)
	} else {
		result, err = g.GenerateStream(ctx, prompt, genOpts, engine.StreamHandler{
			OnChunk: func(chunk string, _ engine.ChunkMetadata) {
				fmt.Fprint(out, chunk)
			},
			OnToolCall: func(call engine.ToolCallRecord) {
				status := "ok"
				if !call.Result.Success {
					status = "failed: " + call.Result.Error
				}
				fmt.Fprintf(errOut, "\n[tool %s %s] %s\n", call.Name, call.Arguments, status)
			},
		})
	}
	if err != nil {
		return err
	}

	switch {
	case opts.jsonOut:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	case opts.noStream:
		fmt.Fprintln(out, result.Text)
	default:
		fmt.Fprintln(out)
	}

	for i, s := range result.Sources {
		fmt.Fprintf(out, "[%d] %s %s\n", i+1, s.Title, s.URL)
	}
	if result.MaxIterationsReached {
		fmt.Fprintf(errOut, "stopped after %d iterations\n", result.IterationCount)
	}
	return nil
}
