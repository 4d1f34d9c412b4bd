package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/jsherman999/keyspider/internal/graph"
)

func cmdGraph(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("graph", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	layer := fs.String("layer", "all", "Edge layer: auth, usage, all")
	serverID := fs.Int64("server", 0, "Center the graph on this server id")
	depth := fs.Int("depth", 2, "Hop budget for --server")
	keyID := fs.Int64("key", 0, "Restrict to paths using this key id")
	from := fs.String("from", "", "Print hop paths from this node id (e.g. server-1)")
	to := fs.String("to", "", "Print hop paths to this node id")
	activeHours := fs.Int("active-hours", 0, "Mark edges active when seen within this many hours")
	fs.Parse(args)

	_, st, err := openStore(ctx, *configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	data, err := st.LoadGraph(ctx, time.Duration(*activeHours)*time.Hour)
	if err != nil {
		return err
	}
	g := graph.Build(data)

	switch *layer {
	case "all":
	case "auth", "usage":
		g = g.Layer(*layer)
	default:
		return fmt.Errorf("unknown layer %q", *layer)
	}

	if *from != "" || *to != "" {
		if *from == "" || *to == "" {
			return fmt.Errorf("--from and --to go together")
		}
		return emitJSON(g.FindPaths(*from, *to))
	}
	if *serverID != 0 {
		g = g.ServerSubgraph(fmt.Sprintf("server-%d", *serverID), *depth)
	}
	if *keyID != 0 {
		g = g.KeySubgraph(*keyID)
	}
	return emitJSON(g)
}
