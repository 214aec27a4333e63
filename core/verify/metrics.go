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

package verify

import metrics "github.com/docker/go-metrics"

var (
	verifyTimer    metrics.Timer
	outcomeCounter metrics.LabeledCounter
)

func init() {
	ns := metrics.NewNamespace("ota", "verify", nil)
	verifyTimer = ns.NewTimer("duration", "time spent verifying the partitions of an install plan")
	outcomeCounter = ns.NewLabeledCounter("outcomes", "terminal verification outcomes", "code")
	metrics.Register(ns)
}
