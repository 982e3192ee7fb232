// main.go - ironplcvm CLI: run a compiled .iplc container
//
// License: GPLv3 or later

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ironplc/ironplcvm"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

func main() {
	if len(os.Args) < 2 || os.Args[1] != "run" {
		fmt.Fprintf(os.Stderr, "Usage: ironplcvm run [options] FILE.iplc\n")
		os.Exit(1)
	}
	runCmd := flag.NewFlagSet("run", flag.ExitOnError)
	scans := runCmd.Int("scans", 0, "Execute exactly N scan rounds, then stop (default: run continuously)")
	dumpVars := runCmd.String("dump-vars", "", "Write var[i]: VALUE lines to PATH after stop or trap")
	continuous := runCmd.Bool("continuous", true, "Run until interrupted (SIGINT/SIGTERM); ignored if -scans is set")
	intervalUs := runCmd.Int64("interval-us", 10000, "Scan interval in microseconds between rounds")
	runCmd.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ironplcvm run [options] FILE.iplc\n\nRuns a compiled IronPLC bytecode container.\n\nOptions:\n")
		runCmd.PrintDefaults()
	}
	_ = runCmd.Parse(os.Args[2:])

	if runCmd.NArg() != 1 {
		runCmd.Usage()
		os.Exit(1)
	}
	path := runCmd.Arg(0)

	buf, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading %s: %v\n", path, err)
		os.Exit(1)
	}

	vm := ironplcvm.NewVm(ironplcvm.WithScanIntervalUs(*intervalUs))
	vm.SetLogger(ironplcvm.NewJSONLogger(os.Stderr, nil))

	if err := vm.Load(buf); err != nil {
		fmt.Fprintf(os.Stderr, "load error: %v\n", err)
		os.Exit(1)
	}
	if err := vm.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "start error: %v\n", err)
		os.Exit(1)
	}

	isTTY := term.IsTerminal(int(os.Stdout.Fd()))
	exitCode := runScanLoop(vm, *scans, *continuous, *intervalUs, isTTY)

	if *dumpVars != "" {
		if err := dumpVariables(vm, *dumpVars); err != nil {
			fmt.Fprintf(os.Stderr, "error writing %s: %v\n", *dumpVars, err)
		}
	}
	os.Exit(exitCode)
}

// runScanLoop drives run_round in a loop, racing against an OS-signal
// listener with errgroup exactly the way the spec's domain stack (§11)
// calls for: the CLI layer may use concurrency primitives freely, but the
// VM core underneath stays single-threaded -- only one goroutine ever
// calls into vm.RunRound.
func runScanLoop(vm *ironplcvm.Vm, scans int, continuous bool, intervalUs int64, isTTY bool) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			vm.RequestStop()
			return nil
		case <-gctx.Done():
			return nil
		}
	})

	exitCode := 0
	g.Go(func() error {
		defer cancel()
		var now int64
		round := 0
		for {
			if scans > 0 && round >= scans {
				break
			}
			trap, err := vm.RunRound(now)
			if err != nil {
				exitCode = 1
				break
			}
			round++
			now += intervalUs
			if isTTY {
				sched := vm.Scheduler()
				var maxUs int64
				for _, ts := range sched.Tasks() {
					if ts.MaxExecuteUs > maxUs {
						maxUs = ts.MaxExecuteUs
					}
				}
				fmt.Printf("\rscan %d  max_execute_us=%d\x1b[K", round, maxUs)
			}
			if trap != nil {
				fmt.Fprintf(os.Stderr, "\ntrap: %v\n", *trap)
				exitCode = 2
				break
			}
			if scans == 0 && !continuous {
				break
			}
			if vm.StopRequested() {
				break
			}
		}
		if isTTY {
			fmt.Println()
		}
		if vm.State() == ironplcvm.VMRunning {
			_ = vm.Stop()
		}
		return nil
	})

	_ = g.Wait()
	return exitCode
}

func dumpVariables(vm *ironplcvm.Vm, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	c := vm.Container()
	if c == nil {
		return nil
	}
	for i := uint16(0); i < c.Header.NumVariables; i++ {
		v, ok := vm.ReadVariable(i)
		if !ok {
			continue
		}
		fmt.Fprintf(f, "var[%d]: %d\n", i, ironplcvm.DecodeI64(v))
	}
	return nil
}
