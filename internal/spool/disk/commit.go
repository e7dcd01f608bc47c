// Copyright 2026 Redpanda Data, Inc.
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

package disk

type (
	// groupCommitter owns a background goroutine that collects concurrent
	// append requests and hands them to fn in batches, so that any number of
	// producers waiting on durability share one fsync.
	groupCommitter struct {
		requestChan chan commitRequest
		fn          func(payloads [][]byte) []error
		done        chan struct{}
	}
	commitRequest struct {
		payload []byte
		respCh  chan error
	}
)

func newGroupCommitter(maxBatchSize int, fn func(payloads [][]byte) []error) *groupCommitter {
	g := &groupCommitter{
		requestChan: make(chan commitRequest, maxBatchSize),
		fn:          fn,
		done:        make(chan struct{}),
	}
	go g.runLoop()
	return g
}

func (g *groupCommitter) runLoop() {
	defer close(g.done)
	for {
		batch := g.dequeueAll()
		if len(batch) == 0 {
			return
		}
		payloads := make([][]byte, len(batch))
		for i, req := range batch {
			payloads[i] = req.payload
		}
		errs := g.fn(payloads)
		for i, req := range batch {
			req.respCh <- errs[i]
		}
	}
}

func (g *groupCommitter) dequeueAll() (batch []commitRequest) {
	for {
		if len(batch) >= cap(g.requestChan) {
			return
		}
		select {
		case req, open := <-g.requestChan:
			if !open {
				return
			}
			batch = append(batch, req)
		default:
			if len(batch) > 0 {
				return
			}
			req, open := <-g.requestChan
			if !open {
				return
			}
			batch = append(batch, req)
		}
	}
}

// submit blocks until payload has been synced to disk or has failed. There is
// no cancellation, once a payload is submitted its outcome is always waited
// for so that the caller never mistakes a durable record for a lost one.
func (g *groupCommitter) submit(payload []byte) error {
	respCh := make(chan error, 1)
	g.requestChan <- commitRequest{payload: payload, respCh: respCh}
	return <-respCh
}

// close waits for all submitted requests to complete and stops the
// background goroutine. It must not be called while submit may still be
// called.
func (g *groupCommitter) close() {
	close(g.requestChan)
	<-g.done
}
