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
package hostruntime

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// errHostRejectedf reports §7 category 3 (runtime-lookup failure): the
// host refused a request the core made of it. Mirrors
// compile/codegen/errs.go's newErr shape (pkg/errors stack trace +
// logrus warn) but lives here rather than importing codegen's
// unexported CodegenError constructor, since this package's failures
// originate on the host side of the interface, not the core side.
func errHostRejectedf(format string, args ...interface{}) error {
	err := errors.Wrap(fmt.Errorf(format, args...), "host-rejected")
	logrus.WithField("kind", "host-rejected").Warn(err)
	return err
}
