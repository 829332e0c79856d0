// Command agentwallet runs the AI agent that pays for third-party services
// with USDC.
//
// Usage:
//
//	agentwallet chat
//	agentwallet ask "What's the weather in Tokyo?"
//	agentwallet history --limit 10
//	agentwallet serve --config configs/agentwallet.json
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"AgentWallet/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Chat     ChatCmd     `cmd:"" default:"1" help:"Start an interactive chat session with the agent."`
	Ask      AskCmd      `cmd:"" help:"Send a single query to the agent."`
	History  HistoryCmd  `cmd:"" help:"Show recent paid service calls."`
	Balance  BalanceCmd  `cmd:"" help:"Show wallet balance and total spent."`
	Services ServicesCmd `cmd:"" help:"List paid services and their prices."`
	Serve    ServeCmd    `cmd:"" help:"Start the HTTP API server."`

	Config   string `short:"c" help:"Path to config file (defaults to $AGENTWALLET_CONFIG or configs/agentwallet.json)." type:"path"`
	LogLevel string `help:"Log level override (debug, info, warn, error)."`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("agentwallet"),
		kong.Description("AgentWallet - an AI agent that pays for services with USDC"),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	err := kctx.Run(&cli)
	_ = logger.Sync()
	kctx.FatalIfErrorf(err)
}
