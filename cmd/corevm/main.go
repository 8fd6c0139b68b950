// Command corevm is a demonstration harness for the execution loop in
// internal/cpu: it wires a trivial stand-in translator and executor
// into a real ExecLoop, drives interrupts from an actual SIGUSR1
// handler the way a hosted hypervisor backend would, and can record or
// replay the resulting RR log.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/execloop/corevm/internal/arch/x86"
	"github.com/execloop/corevm/internal/chipset"
	"github.com/execloop/corevm/internal/cpu"
	"github.com/execloop/corevm/internal/debug"
	"github.com/execloop/corevm/internal/rr"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: corevm <run|replay> [flags]")
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "run":
		err = runCmd(os.Args[2:])
	case "replay":
		err = replayCmd(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		slog.Error("corevm: exiting with error", "error", err)
		os.Exit(1)
	}
}

func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to a LoopConfig YAML file (optional)")
	recordPath := fs.String("record", "", "path to write an RR log (optional)")
	tracePath := fs.String("trace", "", "path to write a binary debug trace (optional)")
	maxIterations := fs.Int("max-iterations", 1000, "stop after this many executed blocks even with no interrupt")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *tracePath != "" {
		if err := debug.OpenFile(*tracePath); err != nil {
			return fmt.Errorf("corevm: open trace file: %w", err)
		}
		defer debug.Close()
	}

	config := cpu.DefaultLoopConfig()
	if *configPath != "" {
		loaded, err := cpu.LoadLoopConfig(*configPath)
		if err != nil {
			return err
		}
		config = loaded
	}

	var tap *rr.Tap
	var closeTap func() error = func() error { return nil }
	if *recordPath != "" {
		f, err := os.Create(*recordPath)
		if err != nil {
			return fmt.Errorf("corevm: create record file: %w", err)
		}
		recorder, err := rr.NewRecorder(f)
		if err != nil {
			f.Close()
			return err
		}
		tap = recorder
		closeTap = func() error {
			err := recorder.Close()
			f.Close()
			return err
		}
	} else {
		tap = rr.NewOff()
	}
	defer closeTap()

	env := cpu.NewCPUState()
	env.Flags = 0 // IF clear; nothing in this demo sets it, so HARD requests stay undelivered

	lines := chipset.NewLineSet(nil)
	lines.SetSink(chipset.NewCPUSink(env, lines))

	irqLine := lines.AllocateLine(0x21)

	arbiter := &x86.Arbiter{
		Ack: func(env *cpu.CPUState) uint32 {
			vector, _ := lines.HighestPriorityVector()
			return uint32(vector)
		},
		Deliver: demoDeliverer{lines: lines},
	}

	translator := &demoTranslator{}
	cache := cpu.NewBlockCache(translator, demoMemx{})
	loop := cpu.NewExecLoop(cache, x86.FlagsCodec{}, arbiter, demoDeliverer{lines: lines}, &demoExecutor{maxIterations: *maxIterations}, tap, config)
	loop.DebugHandler = func(env *cpu.CPUState) {
		slog.Info("corevm: debug exception reached", "pc", env.PC)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, unix.SIGUSR1)
		defer signal.Stop(sigs)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sigs:
				slog.Info("corevm: SIGUSR1 received, asserting demo interrupt line")
				irqLine.Pulse()
			}
		}
	})
	group.Go(func() error {
		defer stop()
		ret, err := loop.Execute(env)
		if err != nil {
			return err
		}
		slog.Info("corevm: loop exited", "code", ret)
		return nil
	})

	return group.Wait()
}

func replayCmd(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	logPath := fs.String("log", "", "path to an RR log written by `corevm run -record`")
	useLive := fs.Bool("use-live-exit-request", false, "bypass the logged exit_request and use the live value")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *logPath == "" {
		return fmt.Errorf("corevm: -log is required")
	}

	data, err := os.ReadFile(*logPath)
	if err != nil {
		return fmt.Errorf("corevm: read log: %w", err)
	}

	tap, err := rr.NewReplayer(bytes.NewReader(data), rr.Options{UseLiveExitRequest: *useLive})
	if err != nil {
		return fmt.Errorf("corevm: open replayer: %w", err)
	}

	env := cpu.NewCPUState()
	lines := chipset.NewLineSet(nil)
	arbiter := &x86.Arbiter{
		Ack: func(env *cpu.CPUState) uint32 {
			vector, _ := lines.HighestPriorityVector()
			return uint32(vector)
		},
	}
	translator := &demoTranslator{}
	cache := cpu.NewBlockCache(translator, demoMemx{})
	loop := cpu.NewExecLoop(cache, x86.FlagsCodec{}, arbiter, demoDeliverer{lines: lines}, &demoExecutor{maxIterations: 1 << 30}, tap, cpu.DefaultLoopConfig())

	bar := progressbar.Default(-1, "replaying")
	loop.DebugHandler = func(env *cpu.CPUState) { _ = bar.Add(1) }

	start := time.Now()
	ret, err := loop.Execute(env)
	if err != nil {
		var desync *rr.DesyncError
		if errors.As(err, &desync) {
			return fmt.Errorf("corevm: replay desync: %w", err)
		}
		return err
	}
	slog.Info("corevm: replay finished", "code", ret, "elapsed", time.Since(start))
	return nil
}
