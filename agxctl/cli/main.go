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

// Package cli is the main entrypoint for agxctl.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"

	"agxfw.dev/agxfw/agxctl/cmd"
	"agxfw.dev/agxfw/pkg/agx/fw"
	"agxfw.dev/agxfw/pkg/agx/fwconf"
	"agxfw.dev/agxfw/pkg/eventchannel"
	"agxfw.dev/agxfw/pkg/log"
	"agxfw.dev/agxfw/pkg/metric"
)

const (
	// eventRate and eventBurst bound the rate of events written to the
	// event log.
	eventRate  = 10
	eventBurst = 100
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	fwconf.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	conf, err := fwconf.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Fatalf("%v", err)
	}
	if _, err := fw.Lookup(conf.FirmwareVersion); err != nil {
		cmd.Fatalf("%v", err)
	}

	var logFile io.Writer = os.Stderr
	if conf.LogFilename != "" {
		f, err := log.OpenFile(conf.LogFilename, os.O_WRONLY|os.O_CREATE|os.O_APPEND)
		if err != nil {
			cmd.Fatalf("error opening log file %q: %v", conf.LogFilename, err)
		}
		logFile = f
	}
	log.SetTarget(newEmitter(conf.LogFormat, logFile))
	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	if conf.EventLog != "" {
		f, err := log.OpenFile(conf.EventLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND)
		if err != nil {
			cmd.Fatalf("error opening event log %q: %v", conf.EventLog, err)
		}
		eventchannel.AddEmitter(eventchannel.RateLimitedEmitterFrom(eventchannel.WriterEmitter(f), eventRate, eventBurst))
	}
	if conf.Debug {
		eventchannel.AddEmitter(eventchannel.DebugEmitterFrom(eventchannel.LogEmitter()))
	}
	if err := metric.Initialize(); err != nil {
		cmd.Fatalf("%v", err)
	}

	log.Infof("agxctl: %s %s, firmware %v, args %v", runtime.Version(), runtime.GOARCH, conf.FirmwareVersion, os.Args)

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf)
	if subcmdCode != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, err: %v", subcmdCode)
	}
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by
// agxctl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Selftest), "")
	cb(new(cmd.Layout), "")
	cb(new(cmd.Versions), "")
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{&log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{&log.Writer{Next: logFile}}
	}
	cmd.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}
