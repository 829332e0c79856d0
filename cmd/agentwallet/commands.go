package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"AgentWallet/internal/agent"
	"AgentWallet/internal/api"
	"AgentWallet/internal/auth"
	"AgentWallet/internal/ledger"
	"AgentWallet/internal/observability/metrics"
)

// ChatCmd runs the interactive REPL.
type ChatCmd struct{}

func (c *ChatCmd) Run(ctx context.Context, cli *CLI) error {
	a, err := bootstrap(ctx, cli)
	if err != nil {
		return err
	}
	defer a.Close()
	return chat(ctx, a.agent, os.Stdin, os.Stdout)
}

// AskCmd sends one query and prints the reply.
type AskCmd struct {
	Query []string `arg:"" help:"Query text."`
}

func (c *AskCmd) Run(ctx context.Context, cli *CLI) error {
	a, err := bootstrap(ctx, cli)
	if err != nil {
		return err
	}
	defer a.Close()
	return ask(ctx, a.agent, strings.Join(c.Query, " "), os.Stdout)
}

// HistoryCmd prints the most recent ledger entries.
type HistoryCmd struct {
	Limit int `help:"Number of transactions to show." default:"5"`
}

func (c *HistoryCmd) Run(ctx context.Context, cli *CLI) error {
	a, err := bootstrap(ctx, cli)
	if err != nil {
		return err
	}
	defer a.Close()
	return history(ctx, a.store, c.Limit, os.Stdout)
}

// BalanceCmd prints the wallet balance and lifetime spend.
type BalanceCmd struct{}

func (c *BalanceCmd) Run(ctx context.Context, cli *CLI) error {
	a, err := bootstrap(ctx, cli)
	if err != nil {
		return err
	}
	defer a.Close()
	return balance(ctx, a, os.Stdout)
}

// ServicesCmd lists the service catalog.
type ServicesCmd struct{}

func (c *ServicesCmd) Run(ctx context.Context, cli *CLI) error {
	a, err := bootstrap(ctx, cli)
	if err != nil {
		return err
	}
	defer a.Close()
	return services(a, os.Stdout)
}

// ServeCmd starts the HTTP API.
type ServeCmd struct {
	Address string `help:"Listen address (overrides server.address)."`
}

func (c *ServeCmd) Run(ctx context.Context, cli *CLI) error {
	a, err := bootstrap(ctx, cli)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := a.cfg.Server.Address
	if c.Address != "" {
		addr = c.Address
	}
	opts := []api.Option{
		api.WithRequestsPerMinute(a.cfg.Server.RequestsPerMinute),
		api.WithReadTimeout(time.Duration(a.cfg.Server.ReadTimeoutSeconds) * time.Second),
		api.WithAuth(auth.NewService(a.cfg.Server.APIKeys)),
	}
	switch {
	case !a.cfg.Metrics.Enabled:
	case a.cfg.Metrics.Address == "":
		opts = append(opts, api.WithMetrics(a.recorder, a.registry))
	default:
		opts = append(opts, api.WithMetrics(a.recorder, nil))
		go func() {
			if err := metrics.StartServer(ctx, a.cfg.Metrics.Address, a.registry); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error("指标服务异常退出", slog.String("error", err.Error()))
			}
		}()
	}

	server := api.NewServer(addr, a.agent, opts...)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

const chatBanner = `AgentWallet - AI agent with a USDC wallet
Try: weather [city], stock [symbol], news [topic], check balance, history
Type exit, quit or bye to leave.`

// chat reads queries line by line until EOF, an exit word or cancellation.
// A failed call prints its message and keeps the session alive.
func chat(ctx context.Context, ag *agent.Agent, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, chatBanner)
	session := agent.NewSession()
	reader := bufio.NewReader(in)
	for {
		fmt.Fprint(out, "\nYou: ")
		// ReadString has no line length limit; the agent truncates long queries.
		raw, err := reader.ReadString('\n')
		if err != nil && (!errors.Is(err, io.EOF) || raw == "") {
			fmt.Fprintln(out)
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(raw)
		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit", "bye":
			fmt.Fprintf(out, "Goodbye! Calls this session: %d, spent %s USDC\n", session.Calls, session.Spent.String())
			return nil
		}

		var reply agent.Reply
		reply, session, err = ag.Process(ctx, session, line)
		fmt.Fprintf(out, "Agent: %s\n", replyText(reply, err))
	}
}

func ask(ctx context.Context, ag *agent.Agent, query string, out io.Writer) error {
	reply, _, err := ag.Process(ctx, agent.NewSession(), query)
	fmt.Fprintln(out, replyText(reply, err))
	return err
}

func replyText(reply agent.Reply, err error) string {
	if reply.Text != "" || err == nil {
		return reply.Text
	}
	return "Error: " + err.Error()
}

func history(ctx context.Context, store ledger.Store, limit int, out io.Writer) error {
	if limit <= 0 {
		limit = ledger.DefaultRecentLimit
	}
	records, err := store.RecentTransactions(ctx, min(limit, ledger.MaxRecentLimit))
	if err != nil {
		return err
	}
	fmt.Fprintln(out, agent.FormatHistory(records))
	return nil
}

func balance(ctx context.Context, a *app, out io.Writer) error {
	w := a.gateway.Wallet()
	bal := w.Balance(ctx)
	total, err := a.store.TotalSpent(ctx)
	if err != nil {
		return err
	}
	count, err := a.store.TransactionCount(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Mode:\t%s\n", w.Mode())
	fmt.Fprintf(tw, "USDC:\t%s\n", bal.USDC.StringFixed(4))
	fmt.Fprintf(tw, "Native:\t%s\n", bal.Native.String())
	fmt.Fprintf(tw, "Total spent:\t%s USDC\n", total.StringFixed(4))
	fmt.Fprintf(tw, "Transactions:\t%d\n", count)
	fmt.Fprintf(tw, "Calls left this window:\t%d\n", a.gateway.RateRemaining())
	return tw.Flush()
}

func services(a *app, out io.Writer) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tCOST (USDC)\tDESTINATION\tDESCRIPTION")
	for _, svc := range a.gateway.Catalog().Services() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", svc.Name, svc.Cost.String(), svc.Destination, svc.Description)
	}
	return tw.Flush()
}
