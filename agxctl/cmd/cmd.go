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

// Package cmd holds implementations of the agxctl commands.
package cmd

import (
	"fmt"
	"os"

	"agxfw.dev/agxfw/pkg/agx/fwconf"
	"agxfw.dev/agxfw/pkg/log"
)

// Fatalf logs the same message to the log and to stderr, and exits.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintln(os.Stderr, "agxctl: "+msg)
	os.Exit(128)
}

// configFrom returns the configuration subcommands.Execute was called
// with.
func configFrom(args []any) *fwconf.Config {
	return args[0].(*fwconf.Config)
}
