package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhubert/plural-kernel/channel"
	"github.com/zhubert/plural-kernel/cli"
	"github.com/zhubert/plural-kernel/config"
	"github.com/zhubert/plural-kernel/logger"
	"github.com/zhubert/plural-kernel/manager"
	"github.com/zhubert/plural-kernel/message"
)

var kernelCommand string
var inProcess bool

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Launch a kernel and run lines read from stdin",
	Long: `Launch a kernel and send it every line read from stdin as an execute
request. Output published by the kernel is printed as it arrives.

Lines starting with % are console commands:
  %complete TEXT   list completions
  %info NAME       show what NAME refers to
  %history         show input history
  %restart         restart the kernel
  %quit            leave the console`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if kernelCommand != "" {
			cfg.KernelCommand = kernelCommand
		}
		if err := initLogging(cfg, logger.DefaultLogPath); err != nil {
			return err
		}

		opts := cfg.ManagerOptions()
		if inProcess {
			l := manager.NewInProcessLauncher()
			l.Options = cfg.KernelOptions()
			opts = append(opts, manager.WithLauncher(l))
		} else if err := cli.ValidateRequired(cli.DefaultPrerequisites(cfg.KernelCommand)); err != nil {
			return err
		}

		c := newConsole(cfg, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		opts = append(opts,
			manager.WithSession(message.NewSession(cfg.Username)),
			manager.WithChannelErrorHandler(c.channelFailed),
		)
		c.m = manager.New(opts...)
		return c.run(cmd.Context())
	},
}

func init() {
	consoleCmd.Flags().StringVar(&kernelCommand, "kernel", "", "Kernel executable (default from config)")
	consoleCmd.Flags().BoolVar(&inProcess, "in-process", false, "Run the kernel inside the console process")
	rootCmd.AddCommand(consoleCmd)
}

type console struct {
	cfg    *config.Config
	m      *manager.KernelManager
	in     *bufio.Scanner
	out    io.Writer
	errOut io.Writer

	replies   chan *message.Message
	inputReqs chan *message.Message
	failures  chan error
	output    *channel.Collector

	prompt string
}

func newConsole(cfg *config.Config, in io.Reader, out, errOut io.Writer) *console {
	return &console{
		cfg:       cfg,
		in:        bufio.NewScanner(in),
		out:       out,
		errOut:    errOut,
		replies:   make(chan *message.Message, 16),
		inputReqs: make(chan *message.Message, 1),
		failures:  make(chan error, 3),
		output:    channel.NewCollector(),
		prompt:    "In [1]: ",
	}
}

func (c *console) run(ctx context.Context) error {
	log := logger.WithComponent("console")

	if err := c.m.StartKernel(ctx, c.cfg.LaunchOptions()); err != nil {
		return err
	}
	defer c.m.Shutdown()
	if err := c.connect(ctx); err != nil {
		return err
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	go func() {
		for range interrupts {
			if err := c.m.SignalKernel(os.Interrupt); err != nil {
				log.Warn("failed to interrupt kernel", "error", err)
			}
		}
	}()

	for {
		c.render()
		fmt.Fprint(c.out, c.prompt)
		if !c.in.Scan() {
			fmt.Fprintln(c.out)
			return c.in.Err()
		}
		line := strings.TrimSpace(c.in.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "%") {
			quit, err := c.magic(ctx, line)
			if err != nil {
				return err
			}
			if quit {
				return nil
			}
			continue
		}

		if err := c.execute(ctx, line); err != nil {
			return err
		}
	}
}

// connect registers the console's handlers on fresh channels, starts them
// and fetches the first prompt.
func (c *console) connect(ctx context.Context) error {
	c.m.CommandChannel().SetHandler(channel.HandlerFunc(c.onReply))
	c.m.BroadcastChannel().SetHandler(c.output)
	c.m.InputChannel().Handle(message.TypeInputRequest, channel.HandlerFunc(c.onInputRequest))
	if err := c.m.StartChannels(); err != nil {
		return err
	}

	id, err := c.m.CommandChannel().Prompt()
	if err != nil {
		return err
	}
	reply, err := c.await(ctx, id)
	if err != nil {
		return err
	}
	var p message.PromptReply
	if err := reply.Decode(&p); err == nil && p.PromptString != "" {
		c.prompt = p.PromptString
	}
	return nil
}

// onReply and onInputRequest run on channel goroutines and never block
// them; a message nobody is waiting for is dropped once the buffer is full.
func (c *console) onReply(m *message.Message) {
	select {
	case c.replies <- m:
	default:
		logger.WithComponent("console").Warn("dropping unclaimed reply", "type", m.Type, "parent", m.ParentID())
	}
}

func (c *console) onInputRequest(m *message.Message) {
	select {
	case c.inputReqs <- m:
	default:
		logger.WithComponent("console").Warn("dropping input request", "id", m.ID)
	}
}

func (c *console) channelFailed(name string, err error) {
	select {
	case c.failures <- fmt.Errorf("lost connection to kernel: %w", err):
	default:
	}
}

func (c *console) execute(ctx context.Context, code string) error {
	id, err := c.m.CommandChannel().Execute(code, false)
	if err != nil {
		return err
	}
	reply, err := c.await(ctx, id)
	if err != nil {
		return err
	}
	c.render()

	var r message.ExecuteReply
	if err := reply.Decode(&r); err != nil {
		return err
	}
	if r.Status == message.StatusAborted {
		fmt.Fprintln(c.errOut, "aborted")
	}
	if r.NextPrompt != nil && r.NextPrompt.PromptString != "" {
		c.prompt = r.NextPrompt.PromptString
	}
	return nil
}

// await waits for the reply to the request with id, answering input
// requests from stdin while it waits.
func (c *console) await(ctx context.Context, id string) (*message.Message, error) {
	for {
		select {
		case m := <-c.replies:
			if m.ParentID() == id {
				return m, nil
			}
		case req := <-c.inputReqs:
			c.render()
			var ir message.InputRequest
			_ = req.Decode(&ir)
			fmt.Fprint(c.out, ir.Prompt)
			value := ""
			if c.in.Scan() {
				value = c.in.Text()
			}
			if err := c.m.InputChannel().Input(value); err != nil {
				return nil, err
			}
		case err := <-c.failures:
			return nil, err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// render prints everything the kernel has published so far.
func (c *console) render() {
	c.m.BroadcastChannel().Flush(c.cfg.Timeouts.Flush.Duration)
	for _, m := range c.output.Drain() {
		switch m.Type {
		case message.TypeStream:
			var s message.Stream
			if m.Decode(&s) != nil {
				continue
			}
			if s.Name == message.StreamStderr {
				fmt.Fprint(c.errOut, s.Data)
			} else {
				fmt.Fprint(c.out, s.Data)
			}
		case message.TypePyout:
			var p message.Pyout
			if m.Decode(&p) == nil {
				fmt.Fprintf(c.out, "Out[%d]: %s\n", p.PromptNumber, p.Data)
			}
		case message.TypePyerr:
			var p message.Pyerr
			if m.Decode(&p) != nil {
				continue
			}
			for _, line := range p.Traceback {
				fmt.Fprintln(c.errOut, line)
			}
			fmt.Fprintf(c.errOut, "%s: %s\n", p.EName, p.EValue)
		}
	}
}

// magic runs a console command and reports whether the console should exit.
func (c *console) magic(ctx context.Context, line string) (bool, error) {
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "%"), " ")
	arg = strings.TrimSpace(arg)
	cmd := c.m.CommandChannel()

	switch name {
	case "quit", "exit":
		return true, nil

	case "complete":
		id, err := cmd.Complete(arg, arg, -1, "")
		if err != nil {
			return false, err
		}
		reply, err := c.await(ctx, id)
		if err != nil {
			return false, err
		}
		var r message.CompleteReply
		if err := reply.Decode(&r); err != nil {
			return false, err
		}
		fmt.Fprintln(c.out, strings.Join(r.Matches, "  "))

	case "info":
		id, err := cmd.ObjectInfo(arg)
		if err != nil {
			return false, err
		}
		reply, err := c.await(ctx, id)
		if err != nil {
			return false, err
		}
		var r message.ObjectInfoReply
		if err := reply.Decode(&r); err != nil {
			return false, err
		}
		if r.DocString == "" {
			fmt.Fprintf(c.out, "no information for %s\n", arg)
		} else {
			fmt.Fprintln(c.out, r.DocString)
		}

	case "history":
		id, err := cmd.History(-1, true, false)
		if err != nil {
			return false, err
		}
		reply, err := c.await(ctx, id)
		if err != nil {
			return false, err
		}
		var r message.HistoryReply
		if err := reply.Decode(&r); err != nil {
			return false, err
		}
		for _, n := range sortedHistoryKeys(r.History) {
			fmt.Fprintf(c.out, "%d: %s\n", n, r.History[strconv.Itoa(n)])
		}

	case "restart":
		c.render()
		c.m.StopChannels()
		if err := c.m.RestartKernel(ctx); err != nil {
			return false, err
		}
		c.drainStale()
		if err := c.connect(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(c.out, "kernel restarted")

	default:
		fmt.Fprintf(c.errOut, "unknown command %%%s\n", name)
	}
	return false, nil
}

// drainStale drops messages and failures left over from stopped channels.
func (c *console) drainStale() {
	c.output.Drain()
	for {
		select {
		case <-c.replies:
		case <-c.inputReqs:
		case <-c.failures:
		case <-time.After(10 * time.Millisecond):
			return
		}
	}
}

func sortedHistoryKeys(h map[string]string) []int {
	keys := make([]int, 0, len(h))
	for k := range h {
		n, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		keys = append(keys, n)
	}
	slices.Sort(keys)
	return keys
}
