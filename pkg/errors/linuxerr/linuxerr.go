// Copyright 2021 The gVisor Authors.
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

// Package linuxerr contains error codes exported as error interface pointers.
// This allows for fast comparison and return operations comperable to
// unix.Errno constants.
package linuxerr

import (
	goerrors "errors"

	"agxfw.dev/agxfw/pkg/errors"
	"golang.org/x/sys/unix"
)

// The following errors are semantically identical to Errno of type
// unix.Errno. Since the types are distinct (these are *errors.Error), they
// are not directly comparable; use Equals, which also sees through wrapping.
var (
	ENOENT    = errors.New(unix.ENOENT, "no such file or directory")
	EIO       = errors.New(unix.EIO, "I/O error")
	EAGAIN    = errors.New(unix.EAGAIN, "try again")
	ENOMEM    = errors.New(unix.ENOMEM, "out of memory")
	EFAULT    = errors.New(unix.EFAULT, "bad address")
	EBUSY     = errors.New(unix.EBUSY, "device or resource busy")
	EEXIST    = errors.New(unix.EEXIST, "file exists")
	ENODEV    = errors.New(unix.ENODEV, "no such device")
	EINVAL    = errors.New(unix.EINVAL, "invalid argument")
	ENOSPC    = errors.New(unix.ENOSPC, "no space left on device")
	ERANGE    = errors.New(unix.ERANGE, "math result not representable")
	ENOTSUP   = errors.New(unix.ENOTSUP, "operation not supported")
	ETIMEDOUT = errors.New(unix.ETIMEDOUT, "connection timed out")
	ECANCELED = errors.New(unix.ECANCELED, "operation canceled")
)

var unixMap = map[unix.Errno]*errors.Error{
	unix.ENOENT:    ENOENT,
	unix.EIO:       EIO,
	unix.EAGAIN:    EAGAIN,
	unix.ENOMEM:    ENOMEM,
	unix.EFAULT:    EFAULT,
	unix.EBUSY:     EBUSY,
	unix.EEXIST:    EEXIST,
	unix.ENODEV:    ENODEV,
	unix.EINVAL:    EINVAL,
	unix.ENOSPC:    ENOSPC,
	unix.ERANGE:    ERANGE,
	unix.ENOTSUP:   ENOTSUP,
	unix.ETIMEDOUT: ETIMEDOUT,
	unix.ECANCELED: ECANCELED,
}

// ErrorFromUnix returns a linuxerr from a unix.Errno. Errnos without a
// registered value are returned as is.
func ErrorFromUnix(err unix.Errno) error {
	if err == 0 {
		return nil
	}
	if e, ok := unixMap[err]; ok {
		return e
	}
	return err
}

// ToUnix converts a linuxerr to a unix.Errno.
func ToUnix(e *errors.Error) unix.Errno {
	if e == nil {
		return 0
	}
	return e.Errno()
}

// Equals checks if a linuxerr is equivalent to an error anywhere in the
// chain of err. Both *errors.Error and unix.Errno values match by number.
func Equals(e *errors.Error, err error) bool {
	if e == nil {
		return err == nil
	}
	for err != nil {
		switch v := err.(type) {
		case *errors.Error:
			if v.Errno() == e.Errno() {
				return true
			}
		case unix.Errno:
			if v == e.Errno() {
				return true
			}
		}
		err = goerrors.Unwrap(err)
	}
	return false
}
