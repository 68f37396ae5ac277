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

// Package hostruntime implements the core's only window onto the
// managed runtime it's embedded in (§6 of the backend's own design
// notes): foreign-call resolution, deopt encoding, the patch-site and
// register-allocation contracts, barrier lookup, and code installation.
// Nothing here performs interpretation, collection or class loading —
// the core borrows these capabilities for the duration of one
// compilation and never owns the runtime singleton itself.
package hostruntime

import "github.com/spf13/viper"

// Configuration is the bundle the host hands the core before a
// compilation begins. It is plain data: the core, and this package,
// never touch viper directly past NewConfiguration, so a caller
// embedding this core doesn't need to adopt viper just to construct
// one by hand.
type Configuration struct {
	StackShadowPages        int  `mapstructure:"stack_shadow_pages"`
	IsMP                    bool `mapstructure:"is_mp"`
	WordSize                int  `mapstructure:"word_size"`
	UseCompressedObjectRefs bool `mapstructure:"use_compressed_object_refs"`
	NarrowRefBase           int  `mapstructure:"narrow_ref_base"`
	NarrowRefShift          int  `mapstructure:"narrow_ref_shift"`
	MinObjectAlignment      int  `mapstructure:"min_object_alignment"`
}

// DefaultConfiguration is a multiprocessor (IsMP), 64-bit,
// uncompressed-refs configuration.
func DefaultConfiguration() Configuration {
	return Configuration{
		StackShadowPages:        1,
		IsMP:                    true,
		WordSize:                8,
		UseCompressedObjectRefs: false,
		MinObjectAlignment:      8,
	}
}

// NewConfiguration decodes a Configuration from the given viper
// instance, the way moby's daemon/config package decodes its own
// bundle: the driver populates v from flags/env/file and this function
// owns only the struct-tag binding, so `compile/hostruntime` itself
// never reaches into a flag set.
func NewConfiguration(v *viper.Viper) (Configuration, error) {
	cfg := DefaultConfiguration()
	if err := v.Unmarshal(&cfg); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}
