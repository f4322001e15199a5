package load

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownStage is returned by ParseStage for an unrecognized selector.
var ErrUnknownStage = errors.New("load: unknown stage")

// Stage selects which part of the load to run.
type Stage string

const (
	StagePrechecks Stage = "prechecks"
	StagePayment   Stage = "payment"
	StageBook      Stage = "book"
	StageCustomer  Stage = "customer"
	StageFact      Stage = "fact"
	StageChecks    Stage = "checks"
	StageAll       Stage = "all"
)

// Pipeline is the order StageAll runs in.
var Pipeline = []Stage{StagePrechecks, StagePayment, StageBook, StageCustomer, StageFact, StageChecks}

// ParseStage parses a selector. Empty input selects StageAll.
func ParseStage(s string) (Stage, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return StageAll, nil
	}
	st := Stage(s)
	if st == StageAll {
		return st, nil
	}
	for _, p := range Pipeline {
		if p == st {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w %q (want one of %s, all)", ErrUnknownStage, s, stageList())
}

// Expand returns the stages a selector runs, in order.
func (s Stage) Expand() []Stage {
	if s == StageAll {
		return append([]Stage(nil), Pipeline...)
	}
	return []Stage{s}
}

func stageList() string {
	names := make([]string, len(Pipeline))
	for i, p := range Pipeline {
		names[i] = string(p)
	}
	return strings.Join(names, ", ")
}
