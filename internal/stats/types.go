/*
Copyright 2025 The llm-d Authors

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

package stats

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// TimeFormat is the layout of ModelStatsEntry.LastRequest on the wire.
const TimeFormat = "01/02/06 15:04:05"

var (
	errSparseIndex = errors.New("request log index is not dense")
	errBadIndex    = errors.New("request log index is not a non-negative integer")
)

// Timestamp is a wall-clock time serialized with TimeFormat in the local zone.
type Timestamp struct {
	time.Time
}

// NewTimestamp truncates t to the precision of the wire format.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.Truncate(time.Second)}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.Format(TimeFormat))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseInLocation(TimeFormat, s, time.Local)
	if err != nil {
		return fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	t.Time = parsed
	return nil
}

// ModelStatsEntry is the usage history of one model.
type ModelStatsEntry struct {
	LastRequest Timestamp `json:"last_request"`
	NumRequests int       `json:"num_requests"`
}

// ModelStats maps model identifier to its usage history.
type ModelStats map[string]ModelStatsEntry

// RequestRecord is one routed request.
type RequestRecord struct {
	Model      string  `json:"model"`
	Latency    float64 `json:"latency"`
	Server     string  `json:"server"`
	ServerName string  `json:"server_name"`
}

// RequestLog is the request history in arrival order. A record's position is
// its index, so the index space stays dense by construction.
// On the wire it is an object keyed by the decimal index.
type RequestLog []RequestRecord

func (l RequestLog) MarshalJSON() ([]byte, error) {
	m := make(map[string]RequestRecord, len(l))
	for i, r := range l {
		m[strconv.Itoa(i)] = r
	}
	return json.Marshal(m)
}

func (l *RequestLog) UnmarshalJSON(data []byte) error {
	var m map[string]RequestRecord
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	indices := make([]int, 0, len(m))
	for k := range m {
		i, err := strconv.Atoi(k)
		if err != nil || i < 0 {
			return fmt.Errorf("%w: %q", errBadIndex, k)
		}
		indices = append(indices, i)
	}
	sort.Ints(indices)
	out := make(RequestLog, len(indices))
	for pos, i := range indices {
		if i != pos {
			return fmt.Errorf("%w: expected index %d, found %d", errSparseIndex, pos, i)
		}
		out[pos] = m[strconv.Itoa(i)]
	}
	*l = out
	return nil
}

// Snapshot is a consistent view of the whole Stats Store.
type Snapshot struct {
	Models   ModelStats
	Requests RequestLog
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{Models: ModelStats{}, Requests: RequestLog{}}
}

// Touch marks a request for model at now, creating the entry if needed.
func (s *Snapshot) Touch(model string, now time.Time) ModelStatsEntry {
	e := s.Models[model]
	e.LastRequest = NewTimestamp(now)
	e.NumRequests++
	s.Models[model] = e
	return e
}

// RecordRequest touches the model entry and appends rec to the request log.
// It returns the index assigned to rec.
func (s *Snapshot) RecordRequest(rec RequestRecord, now time.Time) int {
	s.Touch(rec.Model, now)
	s.Requests = append(s.Requests, rec)
	return len(s.Requests) - 1
}

// EnsureModel creates an entry with no requests for model if none exists.
// It reports whether an entry was created.
func (s *Snapshot) EnsureModel(model string, now time.Time) bool {
	if _, ok := s.Models[model]; ok {
		return false
	}
	s.Models[model] = ModelStatsEntry{LastRequest: NewTimestamp(now)}
	return true
}

// Drop removes the entry of model and reports whether it existed.
func (s *Snapshot) Drop(model string) bool {
	if _, ok := s.Models[model]; !ok {
		return false
	}
	delete(s.Models, model)
	return true
}

// Retain keeps only the newest max request records. Indices are re-densified.
// A max of zero or less keeps everything.
func (s *Snapshot) Retain(max int) int {
	if max <= 0 || len(s.Requests) <= max {
		return 0
	}
	dropped := len(s.Requests) - max
	kept := make(RequestLog, max)
	copy(kept, s.Requests[dropped:])
	s.Requests = kept
	return dropped
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		Models:   make(ModelStats, len(s.Models)),
		Requests: make(RequestLog, len(s.Requests)),
	}
	for k, v := range s.Models {
		out.Models[k] = v
	}
	copy(out.Requests, s.Requests)
	return out
}

func (s *Snapshot) normalize() {
	if s.Models == nil {
		s.Models = ModelStats{}
	}
	if s.Requests == nil {
		s.Requests = RequestLog{}
	}
}
