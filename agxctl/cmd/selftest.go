// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"agxfw.dev/agxfw/pkg/agx/buffer"
	"agxfw.dev/agxfw/pkg/agx/fw"
	"agxfw.dev/agxfw/pkg/agx/fwconf"
	"agxfw.dev/agxfw/pkg/agx/fwsim"
	"agxfw.dev/agxfw/pkg/agx/gpu"
	"agxfw.dev/agxfw/pkg/agx/rtkit"
	"agxfw.dev/agxfw/pkg/agx/workqueue"
	"agxfw.dev/agxfw/pkg/iova"
	"agxfw.dev/agxfw/pkg/log"
	"agxfw.dev/agxfw/pkg/memfile"
	"agxfw.dev/agxfw/pkg/metric"
)

const (
	// selftestVMBase is the base of the simulated firmware address space.
	selftestVMBase = 0xffff_ffa0_0000_0000

	// selftestVMSize is the size of the simulated firmware address space.
	selftestVMSize = 1 << 36
)

// Selftest implements subcommands.Command for the "selftest" command.
type Selftest struct {
	queues   int
	batches  int
	batch    int
	memLimit int64
	pause    time.Duration
	timeout  time.Duration
}

// Name implements subcommands.Command.Name.
func (*Selftest) Name() string {
	return "selftest"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Selftest) Synopsis() string {
	return "bring up a device over simulated firmware and submit work"
}

// Usage implements subcommands.Command.Usage.
func (*Selftest) Usage() string {
	return `selftest [flags] - bring up a GPU manager over simulated firmware,
submit batches from several work queues concurrently and print metrics.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Selftest) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.queues, "queues", 8, "number of work queues submitting concurrently.")
	f.IntVar(&s.batches, "batches", 64, "number of batches each work queue submits.")
	f.IntVar(&s.batch, "batch", 4, "number of commands per batch.")
	f.Int64Var(&s.memLimit, "mem-limit", 512<<20, "maximum size of shared memory, in bytes.")
	f.DurationVar(&s.pause, "pause", 0, "pause the firmware for this long after startup so that rings fill up.")
	f.DurationVar(&s.timeout, "timeout", time.Minute, "time limit for the whole run.")
}

// Execute implements subcommands.Command.Execute.
func (s *Selftest) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.queues < 1 || s.batches < 1 || s.batch < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := configFrom(args)
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	if err := s.run(ctx, conf); err != nil {
		Fatalf("selftest: %v", err)
	}
	fmt.Fprintf(os.Stdout, "selftest: %d commands on %d queues in %v\n", s.queues*s.batches*s.batch, s.queues, time.Since(start).Round(time.Millisecond))

	if err := metric.EmitMetricUpdate(); err != nil {
		log.Warningf("Emitting metrics: %v", err)
	}
	if err := writeMetrics(os.Stdout); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (s *Selftest) run(ctx context.Context, conf *fwconf.Config) error {
	mf, err := memfile.New("agxctl", s.memLimit)
	if err != nil {
		return err
	}
	defer mf.Destroy()
	vm, err := iova.New("agx", selftestVMBase, selftestVMSize)
	if err != nil {
		return err
	}
	host, fwEP := rtkit.NewLoopback(max(conf.InboxDepth, 1))
	defer host.Close()

	m, err := gpu.New(conf, mf, vm, host)
	if err != nil {
		return err
	}
	defer m.Close()
	sim := fwsim.New(m.ABI(), vm, fwEP)
	defer sim.Close()

	if s.pause > 0 {
		sim.Pause()
		time.AfterFunc(s.pause, sim.Resume)
	}
	if err := m.Init(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for q := 0; q < s.queues; q++ {
		g.Go(func() error {
			return s.submitter(gctx, m, q)
		})
	}
	g.Go(func() error {
		return s.telemetry(gctx, sim, m.ABI())
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if errs := sim.Errors(); len(errs) > 0 {
		return fmt.Errorf("firmware reported %d errors, first: %w", len(errs), errs[0])
	}
	return nil
}

// submitter drives one work queue.
func (s *Selftest) submitter(ctx context.Context, m *gpu.Manager, q int) error {
	p := workqueue.DefaultParams(fmt.Sprintf("selftest[%d]", q), fw.PipeType(q%fw.NumPipeTypes))
	wq, err := m.NewWorkQueue(p)
	if err != nil {
		return err
	}
	defer wq.Release()
	buf, err := m.NewBuffer(buffer.Params{Name: p.Name, ContextID: uint32(q), Slot: uint32(q), MaxBlocks: 4})
	if err != nil {
		return err
	}
	defer buf.Release()
	if err := buf.Grow(1); err != nil {
		return err
	}
	a := m.NewAllocator(gpu.AllocShared)

	for b := 0; b < s.batches; b++ {
		items := make([]workqueue.Item, 0, s.batch)
		for i := 0; i < s.batch; i++ {
			cmd, err := workqueue.NewCommand(a, buf.InitCommand())
			if err != nil {
				return err
			}
			items = append(items, cmd)
		}
		sub, err := m.SubmitBatch(ctx, wq, items...)
		if err != nil {
			return fmt.Errorf("%s batch %d: %w", wq.Name(), b, err)
		}
		if err := sub.Wait(ctx); err != nil {
			return fmt.Errorf("%s batch %d stamp %v: %w", wq.Name(), b, sub.Stamp(), err)
		}
	}
	log.Infof("Selftest: %s done", wq.Name())
	return nil
}

// telemetry has the firmware post one message of every receive kind,
// including tags the host does not know.
func (s *Selftest) telemetry(ctx context.Context, sim *fwsim.Sim, abi *fw.ABI) error {
	for !sim.Booted() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	posts := []func() error{
		func() error { return sim.PostLog(0, "selftest: firmware log") },
		func() error { return sim.PostTrace(1, [4]uint64{1, 2, 3, 4}) },
		func() error { return sim.PostStats(abi.StatsMax) },
		func() error { return sim.PostStats(abi.StatsMax + 1) },
		func() error { return sim.PostEvent(fw.EventMsg{Tag: 0x55}) },
	}
	for _, post := range posts {
		if err := post(); err != nil {
			return err
		}
	}
	return nil
}

func writeMetrics(w io.Writer) error {
	snap := metric.Snapshot()
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "METRIC\tVALUE\t")
	for _, name := range metric.Names(snap) {
		fmt.Fprintf(tw, "%s\t%d\t\n", name, snap[name])
	}
	return tw.Flush()
}
