package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"pipelit.dev/pipelit/features/model/middleware"
	"pipelit.dev/pipelit/features/model/providers"
	"pipelit.dev/pipelit/runtime/components"
	"pipelit.dev/pipelit/runtime/dispatch"
	"pipelit.dev/pipelit/runtime/exec"
	"pipelit.dev/pipelit/runtime/execution"
	execinmem "pipelit.dev/pipelit/runtime/execution/inmem"
	"pipelit.dev/pipelit/runtime/hooks"
	"pipelit.dev/pipelit/runtime/model"
	"pipelit.dev/pipelit/runtime/queue"
	queueinmem "pipelit.dev/pipelit/runtime/queue/inmem"
	"pipelit.dev/pipelit/runtime/stream"
	"pipelit.dev/pipelit/runtime/telemetry"
	"pipelit.dev/pipelit/runtime/triggers"
	"pipelit.dev/pipelit/runtime/workflow"

	cpinmem "pipelit.dev/pipelit/runtime/checkpoint/inmem"
	nodeloginmem "pipelit.dev/pipelit/runtime/nodelog/inmem"
)

func runCmd() *cobra.Command {
	var (
		input       string
		triggerNode string
		secretsFile string
		timeout     time.Duration
		concurrency int
		quiet       bool
	)
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Execute one workflow and print its final output",
		Long: `Run loads a workflow file, fires its chat or manual trigger and executes
it in-process with in-memory stores. Node status is reported on stderr
while the run progresses; the final output is printed to stdout as JSON.

Executions that suspend (human confirmation, delays, sub-workflow waits)
cannot be resumed by this command. Use serve with durable stores for
workflows that park.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := loadWorkflowFile(args[0])
			if err != nil {
				return err
			}
			// The file is the operator's explicit choice; the active flag
			// only gates trigger resolution in multi-workflow deployments.
			wf.Active = true

			var creds workflow.CredentialResolver
			if secretsFile != "" {
				fc, err := loadCredentialsFile(secretsFile)
				if err != nil {
					return err
				}
				creds = fc
			}
			return runWorkflow(cmd, wf, runOptions{
				input:       input,
				triggerNode: triggerNode,
				creds:       creds,
				timeout:     timeout,
				concurrency: concurrency,
				quiet:       quiet,
			})
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "trigger input text")
	cmd.Flags().StringVar(&triggerNode, "trigger", "", "trigger node ID (default: first chat or manual trigger)")
	cmd.Flags().StringVar(&secretsFile, "secrets", "", "YAML file resolving credential references")
	cmd.Flags().DurationVar(&timeout, "timeout", dispatch.DefaultChatTimeout, "how long to wait for the execution to finish")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "cap on concurrently running nodes per wave (0 = default)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress node status output")
	return cmd
}

type runOptions struct {
	input       string
	triggerNode string
	creds       workflow.CredentialResolver
	timeout     time.Duration
	concurrency int
	quiet       bool
}

func runWorkflow(cmd *cobra.Command, wf *workflow.Workflow, opts runOptions) error {
	ctx := cmd.Context()
	logger := telemetry.NewClueLogger()

	reg, err := components.DefaultRegistry(components.Config{
		Models: providers.Factory(providers.Options{
			Middleware: []func(model.Client) model.Client{
				middleware.NewBreaker(middleware.BreakerOptions{Logger: logger}),
			},
		}),
	})
	if err != nil {
		return err
	}

	q := queueinmem.NewQueue()
	defer q.Close()
	execs := execinmem.NewStore()
	logs := nodeloginmem.NewStore()
	cps := cpinmem.NewStore()
	bus := hooks.NewBus()

	d := dispatch.New(reg, dispatch.StaticSource{wf}, execs, q, bus,
		dispatch.WithChatTimeout(opts.timeout),
		dispatch.WithLogger(logger),
	)
	engineOpts := []dispatch.EngineOption{dispatch.WithEngineLogger(logger)}
	if opts.creds != nil {
		engineOpts = append(engineOpts, dispatch.WithCredentialResolver(opts.creds))
	}
	if opts.concurrency > 0 {
		engineOpts = append(engineOpts, dispatch.WithExecutorOptions(exec.WithWaveConcurrency(opts.concurrency)))
	}
	eng := dispatch.NewEngine(d, execs, logs, cps, bus, engineOpts...)

	pool := queue.NewPool(q, []string{dispatch.DefaultQueue}, queue.WithPoolLogger(logger))
	eng.Bind(pool)
	pool.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := pool.Stop(stopCtx); err != nil {
			logger.Error(stopCtx, "worker pool shutdown", "err", err)
		}
	}()

	if !opts.quiet {
		sub := bus.Subscribe(hooks.ChannelAll)
		defer sub.Close()
		go printStatus(cmd.ErrOrStderr(), sub)
	}

	evt, chat, err := triggerEvent(wf, opts.input, opts.triggerNode)
	if err != nil {
		return err
	}

	output, err := fire(ctx, d, execs, evt, chat, opts.timeout)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}

// fire dispatches the event and waits for the terminal record. Chat events
// block inside the dispatcher and return the final output directly; manual
// events are awaited and the output read back from the execution record.
func fire(ctx context.Context, d *dispatch.Dispatcher, execs execution.Store, evt triggers.Event, chat bool, timeout time.Duration) (map[string]any, error) {
	if chat {
		_, output, err := d.DispatchChat(ctx, evt)
		return output, err
	}

	id, err := d.DispatchEvent(ctx, evt)
	if err != nil {
		return nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	status, err := d.AwaitExecution(waitCtx, id)
	if err != nil {
		return nil, fmt.Errorf("await execution %s: %w", id, err)
	}
	rec, err := execs.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch status {
	case execution.StatusCompleted:
		return rec.FinalOutput, nil
	case execution.StatusInterrupted:
		return nil, fmt.Errorf("execution %s suspended (%s): resume it from a serve worker", id, rec.InterruptReason)
	default:
		if rec.Error != "" {
			return nil, fmt.Errorf("execution %s %s: %s", id, status, rec.Error)
		}
		return nil, fmt.Errorf("execution %s %s", id, status)
	}
}

// triggerEvent picks the trigger node to fire. An explicit node ID must name
// a chat or manual trigger; otherwise the first chat trigger wins, then the
// first manual one.
func triggerEvent(wf *workflow.Workflow, input, nodeID string) (triggers.Event, bool, error) {
	if nodeID != "" {
		for _, n := range wf.Nodes {
			if n.ID != nodeID {
				continue
			}
			switch n.Type {
			case triggers.TypeChat:
				return triggers.ChatMessage(wf.Slug, input, n.ID, uuid.NewString()), true, nil
			case triggers.TypeManual:
				return triggers.ManualRun(input, n.ID), false, nil
			default:
				return triggers.Event{}, false, fmt.Errorf("node %s is %s: run fires chat or manual triggers only", n.ID, n.Type)
			}
		}
		return triggers.Event{}, false, fmt.Errorf("workflow has no node %q", nodeID)
	}
	for _, n := range wf.Nodes {
		if n.Type == triggers.TypeChat {
			return triggers.ChatMessage(wf.Slug, input, n.ID, uuid.NewString()), true, nil
		}
	}
	for _, n := range wf.Nodes {
		if n.Type == triggers.TypeManual {
			return triggers.ManualRun(input, n.ID), false, nil
		}
	}
	return triggers.Event{}, false, errors.New("workflow has no chat or manual trigger")
}

// printStatus renders bus events as progress lines until the subscription
// closes.
func printStatus(w io.Writer, sub *hooks.Subscription) {
	for evt := range sub.C() {
		switch e := evt.(type) {
		case *stream.NodeStatus:
			if e.Data.Error != "" {
				fmt.Fprintf(w, "  %-20s %s: %s\n", e.Data.NodeID, e.Data.Status, e.Data.Error)
				continue
			}
			fmt.Fprintf(w, "  %-20s %s\n", e.Data.NodeID, e.Data.Status)
		case *stream.ExecutionInterrupted:
			fmt.Fprintf(w, "suspended: %s\n", e.Data.Reason)
		case *stream.ExecutionFailed:
			fmt.Fprintf(w, "failed: %s\n", e.Data.Error)
		case *stream.ExecutionCompleted:
			fmt.Fprintf(w, "completed in %dms\n", e.Data.DurationMS)
		}
	}
}
