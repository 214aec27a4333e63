/*
   Copyright The updatekit Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package errcode defines the terminal outcomes of an update stage.
package errcode

import "fmt"

// Code is the single terminal outcome surfaced by a stage. A stage emits
// exactly one Code; none of these are retried internally.
type Code int

const (
	// Success means all partitions verified and the extents check passed.
	Success Code = iota

	// Error covers hasher failures, read scheduling failures and the
	// terminal path taken after cancellation.
	Error

	// NewRootfsVerificationError means the freshly written target partition
	// does not match its expected digest, while the source partition (if
	// any) is intact.
	NewRootfsVerificationError

	// DownloadStateInitializationError means both the target and the source
	// digests mismatched: the delta payload was generated for a device in a
	// different state.
	DownloadStateInitializationError

	// FilesystemVerifierError covers I/O failures, a missing device path
	// with nonzero size, an untouched-dynamic-partition extent mismatch and
	// verity finalize I/O failures.
	FilesystemVerifierError

	// VerityCalculationError means the verity writer failed to initialize
	// or to absorb filesystem data.
	VerityCalculationError
)

func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case Error:
		return "error"
	case NewRootfsVerificationError:
		return "new-rootfs-verification-error"
	case DownloadStateInitializationError:
		return "download-state-initialization-error"
	case FilesystemVerifierError:
		return "filesystem-verifier-error"
	case VerityCalculationError:
		return "verity-calculation-error"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}
