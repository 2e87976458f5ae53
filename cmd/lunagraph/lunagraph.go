// Copyright (C) 2025 The lunagraph authors. All rights reserved.

// Program lunagraph runs Lua scripts against a remote signal graph engine.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/lunagraph/lunagraph"
	"github.com/lunagraph/lunagraph/bridge"
	"github.com/lunagraph/lunagraph/catalog"
	"github.com/lunagraph/lunagraph/channel"
	"github.com/lunagraph/lunagraph/graphtest"
)

var runFlags = struct {
	Local   string `flag:"local,Local UDP bind address"`
	Remote  string `flag:"remote,Remote engine address"`
	Catalog string `flag:"catalog,Path to a YAML processor catalogue (optional)"`
	Chunk   string `flag:"e,Execute this chunk instead of reading script files"`
	Dense   bool   `flag:"dense,Reject nil placeholders in generated procedure calls"`
	Verbose bool   `flag:"v,Log packets exchanged with the engine"`
}{
	Local:  "127.0.0.1:0",
	Remote: "127.0.0.1:5050",
}

var serveFlags = struct {
	Addr string `flag:"addr,UDP listen address"`
}{
	Addr: "127.0.0.1:5050",
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Run Lua scripts against a remote signal graph engine.",
		Commands: []*command.C{
			{
				Name:     "run",
				Usage:    "[script-file...]",
				Help:     "Execute Lua scripts against the remote engine.",
				SetFlags: command.Flags(flax.MustBind, &runFlags),
				Run:      runScripts,
			},
			{
				Name:     "serve",
				Help:     "Run a toy in-memory engine, for local experiments.",
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runScripts(env *command.Env) error {
	if runFlags.Chunk == "" && len(env.Args) == 0 {
		return env.Usagef("provide script files or a chunk with -e")
	}
	initLogging(runFlags.Verbose)

	var cat *catalog.Catalog
	if runFlags.Catalog != "" {
		var err error
		cat, err = catalog.Load(runFlags.Catalog)
		if err != nil {
			return err
		}
	}

	ch, err := channel.Dial(runFlags.Local, runFlags.Remote)
	if err != nil {
		return err
	}
	slog.Info("transport bound", "local", ch.LocalAddr(), "remote", runFlags.Remote)

	conn := lunagraph.NewConn(ch)
	if runFlags.Verbose {
		conn.LogPackets(func(pkt lunagraph.PacketInfo) {
			slog.Debug("packet", "info", pkt.String())
		})
	}

	sess := bridge.New(conn, bridge.Options{Catalog: cat, DenseArgs: runFlags.Dense})
	defer sess.Close()

	ctx := context.Background()
	if runFlags.Chunk != "" {
		if err := sess.Execute(ctx, runFlags.Chunk); err != nil {
			return err
		}
	}
	for _, path := range env.Args {
		slog.Info("executing script", "path", path)
		if err := sess.ExecuteFile(ctx, path); err != nil {
			return err
		}
	}
	return nil
}

func runServe(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("serve takes no arguments")
	}
	initLogging(false)

	ch, err := channel.Listen(serveFlags.Addr)
	if err != nil {
		return err
	}
	slog.Info("engine listening", "addr", ch.LocalAddr())

	if err := graphtest.NewServer().Serve(ch); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func initLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}
