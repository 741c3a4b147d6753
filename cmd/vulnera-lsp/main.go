// Command vulnera-lsp is a language server that analyzes project manifests
// for vulnerable dependencies and surfaces the results as LSP diagnostics
// and quick-fix code actions.
package main

import (
	"context"
	"errors"

	"github.com/alecthomas/kong"
	"github.com/crossplane/crossplane-runtime/pkg/logging"
	"github.com/sourcegraph/jsonrpc2"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/vulnera-dev/vulnera-lsp/internal/config"
	"github.com/vulnera-dev/vulnera-lsp/internal/lspsrv"
	"github.com/vulnera-dev/vulnera-lsp/internal/store"
)

const errDisconnected = "connection to the editor closed without a graceful shutdown/exit sequence"

// serveCmd starts the server on stdio, the only transport editors launch
// this binary with.
type serveCmd struct {
	Verbose bool `help:"Enable verbose (debug) logging to stderr."`
}

// Run wires the layered config, the document store, and the LSP façade,
// then blocks serving JSON-RPC requests until the connection closes.
func (c *serveCmd) Run() error {
	log := logging.NewLogrLogger(zap.New(zap.UseDevMode(c.Verbose)))

	cfg := config.FromEnv(config.Default())
	st := store.New()

	srv, err := lspsrv.New(st, cfg, lspsrv.WithLogger(log))
	if err != nil {
		return err
	}

	stream := jsonrpc2.NewBufferedStream(lspsrv.StdRWC{}, jsonrpc2.VSCodeObjectCodec{})
	conn := jsonrpc2.NewConn(context.Background(), stream, srv)

	log.Info("vulnera-lsp listening on stdio")
	<-conn.DisconnectNotify()

	// A graceful shutdown/exit sequence terminates the process directly via
	// os.Exit(0) in the dispatcher; reaching here means the transport closed
	// without one, which is a fatal error per the exit-code contract.
	return errors.New(errDisconnected)
}

type cli struct {
	Serve serveCmd `cmd:"" default:"1" help:"Start the vulnerability-analysis language server on stdio."`
}

func main() {
	c := cli{}
	ctx := kong.Parse(&c,
		kong.Name("vulnera-lsp"),
		kong.Description("Language server that surfaces dependency vulnerabilities as LSP diagnostics and quick-fix code actions."),
	)
	ctx.FatalIfErrorf(ctx.Run())
}
