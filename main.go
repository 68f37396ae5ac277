// Copyright (c) 2024 The Falcon Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.
package main

import (
	"fmt"
	"os"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ember/compile"
	"ember/compile/hostruntime"
)

var (
	dumpLIR    bool
	dumpAsm    bool
	cpuProfile string
	cfgFile    string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ember",
		Short: "ember compiles a single function's worth of LIR down to AMD64 machine code",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "host configuration file (viper-format: yaml/json/toml)")
	root.AddCommand(newCompileCmd())
	return root
}

func newCompileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compile <file.y>",
		Short: "lower, allocate and emit machine code for every function in a source file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cpuProfile != "" {
				f, err := os.Create(cpuProfile)
				if err != nil {
					return err
				}
				defer f.Close()
				if err := pprof.StartCPUProfile(f); err != nil {
					return err
				}
				defer pprof.StopCPUProfile()
			}

			cfg, err := loadConfiguration()
			if err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{
				"wordSize": cfg.WordSize, "isMP": cfg.IsMP,
			}).Debug("host configuration loaded")

			art, err := compile.CompileFile(args[0], compile.Options{DumpLIR: dumpLIR, DumpAsm: dumpAsm})
			if err != nil {
				return err
			}
			fmt.Printf("compiled %d function(s) from %s\n", len(art.Functions), args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&dumpLIR, "dump-lir", false, "print each function's LIR after lowering")
	cmd.Flags().BoolVar(&dumpAsm, "dump-asm", false, "print each function's emitted machine code as hex")
	cmd.Flags().StringVar(&cpuProfile, "cpu-profile", "", "write a pprof CPU profile to this file")
	return cmd
}

// loadConfiguration binds cfgFile (if given) through viper and decodes
// the §6 Configuration bundle; compile/hostruntime touches viper only
// in NewConfiguration's struct-tag decode, matching the AMBIENT STACK's
// config layering (see hostruntime/config.go).
func loadConfiguration() (hostruntime.Configuration, error) {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return hostruntime.Configuration{}, err
		}
	}
	return hostruntime.NewConfiguration(v)
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if err := newRootCmd().Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
