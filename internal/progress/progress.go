// Copyright 2025 SirSeer, LLC
//
// Licensed under the Business Source License 1.1 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://mariadb.com/bsl11
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package progress reports export progress to an operator.
package progress

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Reporter receives the running document count after every chunk.
type Reporter interface {
	Report(done, total int)
}

// Nop discards all reports.
type Nop struct{}

// Report implements Reporter.
func (Nop) Report(done, total int) {}

// Console rewrites a single status line with percentage and ETA.
type Console struct {
	mu      sync.Mutex
	out     io.Writer
	start   time.Time
	now     func() time.Time
	printed bool
}

// NewConsole creates a reporter writing to out, usually stderr.
func NewConsole(out io.Writer) *Console {
	return newConsole(out, time.Now)
}

func newConsole(out io.Writer, now func() time.Time) *Console {
	return &Console{out: out, start: now(), now: now}
}

// Report implements Reporter.
func (c *Console) Report(done, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.printed = true
	if total <= 0 {
		fmt.Fprintf(c.out, "\rProgress: %d documents", done)
		return
	}

	percent := float64(done) * 100 / float64(total)
	elapsed := c.now().Sub(c.start)

	var eta string
	if done > 0 && done < total {
		totalTime := elapsed.Seconds() * float64(total) / float64(done)
		remaining := time.Duration(totalTime-elapsed.Seconds()) * time.Second
		if remaining > 0 {
			eta = fmt.Sprintf(" | ETA: %s", remaining.Round(time.Second))
		}
	}

	fmt.Fprintf(c.out, "\rProgress: %d / %d documents [%.1f%%]%s", done, total, percent, eta)
}

// Finish clears the status line if anything was printed.
func (c *Console) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.printed {
		fmt.Fprint(c.out, "\r\033[K")
		c.printed = false
	}
}

// Elapsed returns the time since the reporter was created.
func (c *Console) Elapsed() time.Duration {
	return c.now().Sub(c.start)
}
