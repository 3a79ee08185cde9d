// Copyright 2025 Tom Barlow
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

package envelope

// RoutingSlip is the ordered remaining-and-executed record carried with an
// envelope. Itinerary holds the remaining work (head is current);
// Executed holds steps that have completed successfully; Compensations is
// reserved and never populated by this package; InsertedSteps counts
// itinerary-edit insertions made over this slip's lifetime.
type RoutingSlip struct {
	Itinerary     []ActivitySpec `json:"itinerary"`
	Executed      []ActivitySpec `json:"executed"`
	Compensations []ActivitySpec `json:"compensations"`
	InsertedSteps int            `json:"inserted_steps"`
}

// NewRoutingSlip builds a fresh slip with the given remaining work.
func NewRoutingSlip(itinerary []ActivitySpec) *RoutingSlip {
	return &RoutingSlip{
		Itinerary:     append([]ActivitySpec(nil), itinerary...),
		Executed:      []ActivitySpec{},
		Compensations: []ActivitySpec{},
	}
}

// NextStep returns the head of Itinerary, or (zero, false) if finished.
// Pure: does not mutate the slip.
func (s *RoutingSlip) NextStep() (ActivitySpec, bool) {
	if len(s.Itinerary) == 0 {
		return ActivitySpec{}, false
	}
	return s.Itinerary[0], true
}

// PreviousStep returns the last executed step, or (zero, false) if none.
func (s *RoutingSlip) PreviousStep() (ActivitySpec, bool) {
	if len(s.Executed) == 0 {
		return ActivitySpec{}, false
	}
	return s.Executed[len(s.Executed)-1], true
}

// IsFinished reports whether the itinerary is empty.
func (s *RoutingSlip) IsFinished() bool {
	return len(s.Itinerary) == 0
}

// MarkComplete pops step off the itinerary head and appends it to Executed,
// but only if step matches the current head. A mismatch is a silent no-op,
// which tolerates benign retries: a redelivered message that already
// advanced the slip simply fails to match and changes nothing.
func (s *RoutingSlip) MarkComplete(step ActivitySpec) {
	head, ok := s.NextStep()
	if !ok || !head.Equal(step) {
		return
	}
	s.Itinerary = s.Itinerary[1:]
	s.Executed = append(s.Executed, head)
}

// InsertActivities inserts up to min(len(newSteps), max(0, limit-InsertedSteps))
// entries immediately after the current head (position 1), leaving the head
// itself unchanged so the currently executing worker's MarkComplete still
// matches. Returns the number of activities actually inserted.
func (s *RoutingSlip) InsertActivities(newSteps []ActivitySpec, limit int) int {
	remaining := limit - s.InsertedSteps
	if remaining <= 0 || len(newSteps) == 0 {
		return 0
	}
	n := len(newSteps)
	if n > remaining {
		n = remaining
	}
	toInsert := newSteps[:n]

	if len(s.Itinerary) == 0 {
		// No current head: insertion has nothing to preserve position
		// relative to, so the new steps simply become the itinerary.
		s.Itinerary = append(append([]ActivitySpec(nil), toInsert...), s.Itinerary...)
	} else {
		head := s.Itinerary[0]
		rest := s.Itinerary[1:]
		merged := make([]ActivitySpec, 0, len(s.Itinerary)+n)
		merged = append(merged, head)
		merged = append(merged, toInsert...)
		merged = append(merged, rest...)
		s.Itinerary = merged
	}

	s.InsertedSteps += n
	return n
}
