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

package solver

import (
	"fmt"
	"strings"
)

// Assignment is the solver's request_count x node_count matrix of {0,1}.
// Row i is request i; column j is the node with ordinal j.
type Assignment [][]uint8

// NewAssignment returns an all-zero matrix.
func NewAssignment(requests, nodes int) Assignment {
	a := make(Assignment, requests)
	for i := range a {
		a[i] = make([]uint8, nodes)
	}
	return a
}

// Requests returns the number of rows.
func (a Assignment) Requests() int {
	return len(a)
}

// Nodes returns the number of columns.
func (a Assignment) Nodes() int {
	if len(a) == 0 {
		return 0
	}
	return len(a[0])
}

// RowSum returns the number of nodes request i is assigned to.
func (a Assignment) RowSum(i int) int {
	sum := 0
	for _, v := range a[i] {
		sum += int(v)
	}
	return sum
}

// NodeFor returns the ordinal of the node request i is assigned to.
func (a Assignment) NodeFor(i int) (int, bool) {
	for j, v := range a[i] {
		if v == 1 {
			return j, true
		}
	}
	return 0, false
}

// Validate checks that every row sums to at most one.
func (a Assignment) Validate() error {
	for i := range a {
		if s := a.RowSum(i); s > 1 {
			return fmt.Errorf("request %d assigned to %d nodes", i, s)
		}
	}
	return nil
}

func (a Assignment) String() string {
	var b strings.Builder
	for i, row := range a {
		if i > 0 {
			b.WriteByte('\n')
		}
		for j, v := range row {
			if j > 0 {
				b.WriteByte(' ')
			}
			b.WriteByte('0' + v)
		}
	}
	return b.String()
}
