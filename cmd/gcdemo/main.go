// gcdemo drives the minigc collector through its reference scenarios.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"

	"github.com/chazu/minigc/manifest"
	"github.com/chazu/minigc/stats"
	"github.com/chazu/minigc/vm"

	_ "github.com/tliron/commonlog/simple"
)

type scenario struct {
	name string
	want int
	run  func(v *vm.VM) error
}

var scenarios = []scenario{
	{"Objects on stack are preserved.", 2, func(v *vm.VM) error {
		return pushInts(v, 1, 2)
	}},
	{"Unreached objects are collected.", 0, func(v *vm.VM) error {
		if err := pushInts(v, 1, 2); err != nil {
			return err
		}
		return pop(v, 2)
	}},
	{"Reach nested objects.", 7, func(v *vm.VM) error {
		if err := pushInts(v, 1, 2); err != nil {
			return err
		}
		if _, err := v.PushPair(); err != nil {
			return err
		}
		if err := pushInts(v, 3, 4); err != nil {
			return err
		}
		if _, err := v.PushPair(); err != nil {
			return err
		}
		_, err := v.PushPair()
		return err
	}},
	{"Handle cycles.", 4, func(v *vm.VM) error {
		if err := pushInts(v, 1, 2); err != nil {
			return err
		}
		a, err := v.PushPair()
		if err != nil {
			return err
		}
		if err := pushInts(v, 3, 4); err != nil {
			return err
		}
		b, err := v.PushPair()
		if err != nil {
			return err
		}
		// Set up a cycle, and also make 2 and 4 unreachable.
		if err := v.SetSecond(a, b); err != nil {
			return err
		}
		return v.SetSecond(b, a)
	}},
}

func pushInts(v *vm.VM, values ...int64) error {
	for _, n := range values {
		if _, err := v.PushInt(n); err != nil {
			return err
		}
	}
	return nil
}

func pop(v *vm.VM, n int) error {
	for i := 0; i < n; i++ {
		if _, err := v.Pop(); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	configPath := flag.String("config", "", "Path to minigc.toml (default: search upward from the working directory)")
	verbose := flag.Bool("v", false, "Verbose output (per-cycle diagnostics)")
	churn := flag.Int("churn", 0, "After the scenarios, allocate N short-lived pairs and report heap growth")
	imagePath := flag.String("image", "", "Write a CBOR heap image of the cycle scenario (before collection) to this file")
	statsPath := flag.String("stats", "", "Record every collection cycle in this SQLite database (overrides config)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: gcdemo [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs the collector scenarios and exits non-zero if any fails.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  gcdemo -v                       # Scenarios with cycle diagnostics\n")
		fmt.Fprintf(os.Stderr, "  gcdemo -churn 100000            # Stress the threshold policy\n")
		fmt.Fprintf(os.Stderr, "  gcdemo -stats gc.db -image h.cbor\n")
	}
	flag.Parse()

	m, err := loadManifest(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	verbosity := m.Log.Verbosity
	if *verbose && verbosity < 2 {
		verbosity = 2
	}
	var logPath *string
	if p := m.LogPath(); p != "" {
		logPath = &p
	}
	commonlog.Configure(verbosity, logPath)

	ctx := context.Background()
	var store *stats.Store
	dbPath := m.DatabasePath()
	if *statsPath != "" {
		dbPath = *statsPath
	}
	if dbPath != "" {
		store, err = stats.Open(ctx, dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
	}

	failed := 0
	for i, sc := range scenarios {
		fmt.Printf("Test %d: %s\n", i+1, sc.name)
		capture := ""
		if i == len(scenarios)-1 {
			capture = *imagePath
		}
		if err := runScenario(ctx, m.VMConfig(), store, sc, capture); err != nil {
			fmt.Fprintf(os.Stderr, "  FAIL: %v\n", err)
			failed++
		}
	}

	if *churn > 0 {
		if err := runChurn(ctx, m.VMConfig(), store, *churn); err != nil {
			fmt.Fprintf(os.Stderr, "  FAIL: %v\n", err)
			failed++
		}
	}

	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d scenario(s) failed\n", failed)
		os.Exit(1)
	}
}

func loadManifest(path string) (*manifest.Manifest, error) {
	if path != "" {
		return manifest.LoadFile(path)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	m, err := manifest.FindAndLoad(wd)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = manifest.Default()
	}
	return m, nil
}

func newVM(ctx context.Context, cfg vm.Config, store *stats.Store) *vm.VM {
	v := vm.NewVM(cfg)
	v.OnCollect(func(s *vm.CollectionStats) {
		fmt.Printf("Collected %d objects, %d remaining.\n", s.Collected, s.Remaining)
	})
	if store != nil {
		store.Attach(ctx, v)
	}
	return v
}

func runScenario(ctx context.Context, cfg vm.Config, store *stats.Store, sc scenario, imagePath string) error {
	v := newVM(ctx, cfg, store)
	if err := sc.run(v); err != nil {
		return errors.Join(err, v.Shutdown())
	}

	if imagePath != "" {
		if err := writeImage(v, imagePath); err != nil {
			return errors.Join(err, v.Shutdown())
		}
	}

	if _, err := v.Collect(); err != nil {
		return errors.Join(err, v.Shutdown())
	}
	if err := v.Verify(); err != nil {
		return errors.Join(err, v.Shutdown())
	}
	if got := v.LiveCount(); got != sc.want {
		return errors.Join(fmt.Errorf("live count %d, want %d", got, sc.want), v.Shutdown())
	}
	return v.Shutdown()
}

func writeImage(v *vm.VM, path string) error {
	img, err := v.Image()
	if err != nil {
		return err
	}
	data, err := vm.MarshalImage(img)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("cannot write image %s: %w", path, err)
	}
	fmt.Printf("  wrote %d-node image to %s (%d bytes)\n", len(img.Nodes), path, len(data))
	return nil
}

// runChurn builds n pairs that are dropped right away while one long-lived
// pair stays rooted, and checks the heap never outgrows twice the threshold
// it started from. The VM is shut down on every path.
func runChurn(ctx context.Context, cfg vm.Config, store *stats.Store, n int) error {
	fmt.Printf("Churn: %d short-lived pairs.\n", n)
	v := vm.NewVM(cfg)
	if store != nil {
		store.Attach(ctx, v)
	}
	return errors.Join(churn(v, cfg, n), v.Shutdown())
}

func churn(v *vm.VM, cfg vm.Config, n int) error {
	if err := pushInts(v, -1, -2); err != nil {
		return err
	}
	if _, err := v.PushPair(); err != nil {
		return err
	}

	peak := 0
	for i := 0; i < n; i++ {
		if err := pushInts(v, int64(i), int64(-i)); err != nil {
			return err
		}
		if _, err := v.PushPair(); err != nil {
			return err
		}
		if err := pop(v, 1); err != nil {
			return err
		}
		if live := v.LiveCount(); live > peak {
			peak = live
		}
	}

	fmt.Printf("  %d cycles, %d collected, peak %d live, %d live now\n",
		v.Cycles(), v.TotalCollected(), peak, v.LiveCount())

	bound := 2 * max(cfg.InitialThreshold, cfg.MinThreshold, 8)
	if peak > bound {
		return fmt.Errorf("heap grew to %d live nodes, bound %d", peak, bound)
	}
	return nil
}
