//go:build !linux

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

package dynpart

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// DeviceMapperConfig configures a device-mapper-backed Controller.
type DeviceMapperConfig struct {
	MapperDir           string
	SlotSuffixes        []string
	SnapshotCompression bool
}

// NewDeviceMapper is only implemented on Linux.
func NewDeviceMapper(config DeviceMapperConfig) (*DeviceMapper, error) {
	return nil, fmt.Errorf("device mapper control: %w", errdefs.ErrNotImplemented)
}

// DeviceMapper is only implemented on Linux.
type DeviceMapper struct {
	Stub
}
