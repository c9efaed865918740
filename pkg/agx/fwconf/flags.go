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

package fwconf

import (
	"flag"
	"fmt"
	"reflect"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	def := Default()

	flagSet.String("config", "", "path to a TOML file with device configuration. Flags given explicitly take precedence.")

	// Firmware flags.
	version := def.FirmwareVersion
	flagSet.Var(&version, "fw-version", "firmware version the device runs, e.g. 12.3 or 13.0b4.")

	// Flow control flags.
	flagSet.Duration("tx-poll-interval", def.TXPollInterval, "interval at which a full transmit ring is re-checked.")
	flagSet.Duration("tx-timeout", def.TXTimeout, "maximum wait for space in a full transmit ring before the operation fails.")
	flagSet.Int("hang-threshold", def.HangThreshold, "consecutive transmit timeouts after which the device is declared hung.")
	slotWait := def.SlotWait
	flagSet.Var(&slotWait, "slot-wait", "what to do when no event slot is free: block (default) or fail.")
	flagSet.Int("inbox-depth", def.InboxDepth, "number of firmware notifications queued before coalescing.")

	// Debugging flags.
	flagSet.Bool("debug", def.Debug, "enable debug logging.")
	flagSet.String("log", def.LogFilename, "file path where internal debug information is written, default is stderr. %PID% is replaced by the process ID.")
	flagSet.String("log-format", def.LogFormat, "log format: text (default) or json.")
	flagSet.String("event-log", def.EventLog, "file path where fatal device events are written in length-prefixed protobuf form.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags, and from the file named by --config if set.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if fl := flagSet.Lookup("config"); fl != nil && fl.Value.String() != "" {
		if err := conf.LoadFile(fl.Value.String()); err != nil {
			return nil, err
		}
		// Explicit flags win over the file.
		var err error
		flagSet.Visit(func(fl *flag.Flag) {
			if err == nil && fl.Name != "config" {
				err = conf.Override(flagSet, fl.Name, fl.Value.String())
			}
		})
		if err != nil {
			return nil, err
		}
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		val := fmt.Sprint(obj.Field(i).Interface())

		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

// Override writes a new value to a flag.
func (c *Config) Override(flagSet *flag.FlagSet, name string, value string) error {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		fieldName, ok := f.Tag.Lookup("flag")
		if !ok || fieldName != name {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			// Flag must exist if there is a field match above.
			panic(fmt.Sprintf("Flag %q not found", name))
		}

		// Use flag to convert the string value to the underlying flag type, using
		// the same rules as the command-line for consistency.
		if err := fl.Value.Set(value); err != nil {
			return fmt.Errorf("error setting flag %s=%q: %w", name, value, err)
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)

		// Validates the config again to ensure it's left in a consistent state.
		return c.validate()
	}
	return fmt.Errorf("flag %q not found. Cannot set it to %q", name, value)
}
