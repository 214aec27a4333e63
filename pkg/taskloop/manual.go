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

package taskloop

// ManualLoop is a Loop dispatched explicitly by the caller, one task at a
// time. It exists so tests can single-step a cooperative pipeline and
// inject cancellation between chunks.
type ManualLoop struct {
	taskQueue
}

var _ Loop = (*ManualLoop)(nil)

func NewManual() *ManualLoop {
	return &ManualLoop{}
}

// PostTask enqueues f; nothing runs until RunOnce or RunUntilIdle.
func (m *ManualLoop) PostTask(f func()) TaskID {
	return m.post(f)
}

// CancelTask removes a pending task.
func (m *ManualLoop) CancelTask(id TaskID) bool {
	return m.cancel(id)
}

// RunOnce dispatches the oldest pending task. It reports whether a task
// ran.
func (m *ManualLoop) RunOnce() bool {
	f, ok := m.pop()
	if !ok {
		return false
	}
	f()
	return true
}

// RunUntilIdle dispatches tasks, including ones posted while draining,
// until none are pending. It returns the number of tasks run.
func (m *ManualLoop) RunUntilIdle() int {
	var n int
	for m.RunOnce() {
		n++
	}
	return n
}

// Pending returns the number of queued tasks.
func (m *ManualLoop) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
