// Command demo walks one job through its lifecycle against a WAL store and
// shows what a handler observes. Run "start" twice, or "start" then
// "recover", to see committed state survive a restart.
//
//	go run ./cmd/demo start [dir]
//	go run ./cmd/demo recover [dir]
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/ChuLiYu/jobrelay/internal/config"
	"github.com/ChuLiYu/jobrelay/internal/coordinator"
	"github.com/ChuLiYu/jobrelay/internal/hooks"
	"github.com/ChuLiYu/jobrelay/internal/logging"
	"github.com/ChuLiYu/jobrelay/internal/registry"
	"github.com/ChuLiYu/jobrelay/internal/store/wal"
	"github.com/ChuLiYu/jobrelay/pkg/types"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover> [dir]")
		os.Exit(1)
	}
	dir := "data/demo"
	if len(os.Args) > 2 {
		dir = os.Args[2]
	}

	logger, err := logging.New(config.LogConfig{Level: "warn", Format: "console"})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Fatalf("Failed to create %s: %v", dir, err)
	}
	st, err := wal.Open(wal.Options{
		WALPath:      filepath.Join(dir, "jobs.wal"),
		SnapshotPath: filepath.Join(dir, "jobs.snapshot.json"),
		SyncOnAppend: true,
		Logger:       logger,
	})
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	printStats("Recovered state", st.Stats())

	switch os.Args[1] {
	case "start":
		if err := runScenario(st); err != nil {
			log.Fatalf("Scenario failed: %v", err)
		}
		printStats("State after scenario", st.Stats())
	case "recover":
		if err := st.Compact(); err != nil {
			log.Fatalf("Compaction failed: %v", err)
		}
		fmt.Println("Compacted WAL into snapshot.")
	default:
		log.Fatalf("Unknown mode %q", os.Args[1])
	}
}

func runScenario(st *wal.Store) error {
	ctx := context.Background()
	rec := hooks.NewRecorder("demo")
	reg := registry.New()
	reg.Register(rec)
	coord := coordinator.New(st, reg)

	res, err := coord.CreateJob(ctx, json.RawMessage(`{"task":"collect-telemetry","interval":"30s"}`))
	if err != nil {
		return err
	}
	id := res.Job.ID
	fmt.Printf("\nCreated job %s\n", id)

	if _, err := coord.AssignJob(ctx, id, "site-west/floor-3"); err != nil {
		return err
	}
	if _, err := coord.DeleteJob(ctx, id); err != nil {
		return err
	}
	if _, err := coord.AssignJob(ctx, id, "site-west/floor-4"); err != nil {
		fmt.Printf("Assign after delete rejected: %v\n", err)
	}

	// Leave a second job live so "recover" has something to show.
	live, err := coord.CreateJob(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := coord.AssignJob(ctx, live.Job.ID, "site-east/dock"); err != nil {
		return err
	}

	fmt.Println("\nNotifications observed by the handler:")
	for _, n := range rec.For(id) {
		scope := ""
		if n.DeviceScope != "" {
			scope = " scope=" + n.DeviceScope
		}
		fmt.Printf("  %-16s state=%-9s rev=%d%s\n", n.Hook, n.Job.State, n.Job.Revision, scope)
	}
	return nil
}

func printStats(title string, stats map[types.LifecycleState]int) {
	fmt.Printf("\n%s:\n", title)
	if len(stats) == 0 {
		fmt.Println("  (no jobs)")
		return
	}
	states := make([]string, 0, len(stats))
	for s := range stats {
		states = append(states, string(s))
	}
	sort.Strings(states)
	for _, s := range states {
		fmt.Printf("  %-9s %d\n", s, stats[types.LifecycleState(s)])
	}
}
