// Command cluster bootstraps a chain from a JSON topology file. In
// "run" mode it launches the whole chain in-process via cluster.Launch and
// blocks, the same way cluster_test's tests do, useful for local
// experimentation and for driving the external linearizability checker
// against a real running chain. In "print" mode it instead prints the
// per-replica cmd/replica invocations needed to run the same topology as
// separate OS processes.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"go.uber.org/zap"

	"github.com/arvidk/chainkv/cluster"
	"github.com/arvidk/chainkv/replica"
)

type topologyFile struct {
	Variant  string `json:"variant"`
	Pool     int    `json:"pool"`
	Replicas []struct {
		Name string `json:"name"`
		Addr string `json:"addr"`
	} `json:"replicas"`
}

func main() {
	var (
		mode     = flag.String("mode", "run", `"run" (in-process) or "print" (emit replica command lines)`)
		topoPath = flag.String("topology", "", "path to a JSON topology file")
	)
	flag.Parse()

	if *topoPath == "" {
		log.Fatal("cluster: -topology is required")
	}

	raw, err := os.ReadFile(*topoPath)
	if err != nil {
		log.Fatalf("cluster: reading topology: %v", err)
	}
	var tf topologyFile
	if err := json.Unmarshal(raw, &tf); err != nil {
		log.Fatalf("cluster: parsing topology: %v", err)
	}
	if tf.Pool <= 0 {
		tf.Pool = 8
	}

	variant := cluster.CR
	if tf.Variant == "craq" {
		variant = cluster.CRAQ
	}

	order := make([]replica.Info, len(tf.Replicas))
	for i, r := range tf.Replicas {
		order[i] = replica.Info{Name: r.Name, Addr: r.Addr}
	}

	switch *mode {
	case "print":
		printInvocations(order, variant, tf.Pool, tf.Variant)
	case "run":
		runInProcess(order, variant, tf.Pool)
	default:
		log.Fatalf("cluster: unknown -mode %q", *mode)
	}
}

func printInvocations(order []replica.Info, variant cluster.Variant, pool int, variantName string) {
	topology := cluster.NewChainTopology(order, variant)
	tail := order[len(order)-1].Name
	for i, info := range order {
		var prev, next string
		if i > 0 {
			prev = order[i-1].Name
		}
		if i < len(order)-1 {
			next = order[i+1].Name
		}
		peers := map[string]string{}
		for _, out := range topology[info] {
			peers[out.Name] = out.Addr
		}
		peersJSON, _ := json.Marshal(peers)
		fmt.Printf(
			"replica -variant=%s -name=%s -addr=%s -prev=%q -next=%q -tail=%q -pool=%d -peers=%q\n",
			variantName, info.Name, info.Addr, prev, next, tail, pool, string(peersJSON),
		)
	}
}

func runInProcess(order []replica.Info, variant cluster.Variant, pool int) {
	zlog, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("cluster: building logger: %v", err)
	}
	defer zlog.Sync()

	ctx := context.Background()
	cl, clus, err := cluster.Launch(ctx, order, variant, pool, zlog, os.Stdout)
	if err != nil {
		zlog.Fatal("launch", zap.Error(err))
	}
	defer clus.Close()

	zlog.Info("cluster up", zap.Int("replicas", len(order)))
	_ = cl // the client handle is available for an embedding program; this
	// binary just keeps the chain alive until interrupted.

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig
}
