// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package plan

import (
	"fmt"

	"github.com/pingcap/errors"
)

type ErrorKind int

const (
	// ErrStructuralInvariant is a rule or memo bug: signature drift,
	// duplicated members, double indirection.
	ErrStructuralInvariant ErrorKind = iota + 1
	// ErrDisconnectedJoinRegion is a join block without a predicate path
	// between all of its relations.
	ErrDisconnectedJoinRegion
	// ErrUnsatisfiableProperty is a group that cannot supply a required
	// property even with enforcers.
	ErrUnsatisfiableProperty
	// ErrMissingJoinPredicate is a pair without a connecting predicate
	// while cross joins are disabled.
	ErrMissingJoinPredicate
)

func (kind ErrorKind) String() string {
	switch kind {
	case ErrStructuralInvariant:
		return "structural invariant violation"
	case ErrDisconnectedJoinRegion:
		return "disconnected join region"
	case ErrUnsatisfiableProperty:
		return "unsatisfiable property requirement"
	case ErrMissingJoinPredicate:
		return "missing join predicate"
	default:
		return fmt.Sprintf("unknown plan error %d", int(kind))
	}
}

type PlanError struct {
	Kind ErrorKind
	Msg  string
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// NewPlanError returns a PlanError with a stack trace attached.
func NewPlanError(kind ErrorKind, format string, args ...any) error {
	return errors.Trace(&PlanError{
		Kind: kind,
		Msg:  fmt.Sprintf(format, args...),
	})
}

// IsPlanError reports whether the cause of err is a PlanError of kind.
func IsPlanError(err error, kind ErrorKind) bool {
	if err == nil {
		return false
	}
	pe, ok := errors.Cause(err).(*PlanError)
	return ok && pe.Kind == kind
}
