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

	"github.com/google/subcommands"

	"agxfw.dev/agxfw/pkg/agx/fw"
	"agxfw.dev/agxfw/pkg/agx/fwconf"
)

// Versions implements subcommands.Command for the "versions" command.
type Versions struct{}

// Name implements subcommands.Command.Name.
func (*Versions) Name() string {
	return "versions"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Versions) Synopsis() string {
	return "list supported firmware versions"
}

// Usage implements subcommands.Command.Usage.
func (*Versions) Usage() string {
	return `versions - list the firmware versions whose ABI is known.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Versions) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Versions) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := configFrom(args)
	if err := writeVersions(os.Stdout, conf.FirmwareVersion); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func writeVersions(w io.Writer, selected fwconf.Version) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tLAYOUT\tSTATS MAX\tBUFFER INFO\t")
	latest := fw.Latest()
	for _, v := range fw.SupportedVersions() {
		abi, err := fw.Lookup(v)
		if err != nil {
			return err
		}
		var notes string
		if v == latest {
			notes += " (latest)"
		}
		if v == selected {
			notes += " (selected)"
		}
		fmt.Fprintf(tw, "%v%s\t%v\t%#x\t%s\t\n", v, notes, abi.Layout, abi.StatsMax, abi.BufferInfo.Name())
	}
	return tw.Flush()
}
