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
	"reflect"
	"text/tabwriter"

	"github.com/google/subcommands"

	"agxfw.dev/agxfw/pkg/agx/fw"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct {
	fields bool
}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "print firmware structure sizes and offsets"
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout [-fields] [struct...] - print the raw structures of the firmware selected by --fw-version.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Layout) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&l.fields, "fields", false, "print the offset of every field.")
}

// Execute implements subcommands.Command.Execute.
func (l *Layout) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := configFrom(args)
	abi, err := fw.Lookup(conf.FirmwareVersion)
	if err != nil {
		Fatalf("%v", err)
	}

	only := make(map[string]bool)
	for _, name := range f.Args() {
		only[name] = true
	}
	var types []reflect.Type
	for _, t := range abi.Structs() {
		if len(only) == 0 || only[t.Name()] {
			types = append(types, t)
			delete(only, t.Name())
		}
	}
	for name := range only {
		Fatalf("firmware %v has no structure %q", abi.Version, name)
	}

	if err := l.write(os.Stdout, abi, types); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (l *Layout) write(w io.Writer, abi *fw.ABI, types []reflect.Type) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "# firmware %v, layout %v\n", abi.Version, abi.Layout)
	fmt.Fprintln(tw, "STRUCT\tSIZE\tALIGN\t")
	for _, t := range types {
		fmt.Fprintf(tw, "%s\t%#x\t%d\t\n", t.Name(), t.Size(), t.Align())
		if !l.fields || t.Kind() != reflect.Struct {
			continue
		}
		for i := 0; i < t.NumField(); i++ {
			sf := t.Field(i)
			fmt.Fprintf(tw, "  +%#x\t%s\t%#x\t\n", sf.Offset, sf.Name, sf.Type.Size())
		}
	}

	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "COMMAND\tSTRUCT\tSIZE\tSTAMP\t")
	for t := fw.CommandRunVertex; t <= fw.CommandInitBufferManager; t++ {
		cl, ok := abi.Command(t)
		if !ok {
			continue
		}
		fmt.Fprintf(tw, "%v\t%s\t%#x\t+%#x\t\n", t, cl.Type.Name(), cl.Size, cl.StampOffset)
	}
	return tw.Flush()
}
