package commit

// Stage is a state of the commit state machine. Stages are entered strictly
// in declaration order; RolledBack can follow any stage before Committed.
type Stage uint8

const (
	StageOpen Stage = iota
	StageConflictsResolved
	StagePrimaryIndexWritten
	StageSecondaryIndexWritten
	StageMetadataWritten
	StageCacheUpdated
	StageNowAdvanced
	StageCommitted
	StageRolledBack
)

func (s Stage) String() string {
	switch s {
	case StageOpen:
		return "open"
	case StageConflictsResolved:
		return "conflicts_resolved"
	case StagePrimaryIndexWritten:
		return "primary_index_written"
	case StageSecondaryIndexWritten:
		return "secondary_index_written"
	case StageMetadataWritten:
		return "metadata_written"
	case StageCacheUpdated:
		return "cache_updated"
	case StageNowAdvanced:
		return "now_advanced"
	case StageCommitted:
		return "committed"
	case StageRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// FaultInjector is asked before the coordinator enters each stage. A
// non-nil error aborts the commit and rolls it back.
type FaultInjector interface {
	BeforeStage(s Stage) error
}

// FaultFunc adapts a function to FaultInjector.
type FaultFunc func(s Stage) error

func (f FaultFunc) BeforeStage(s Stage) error { return f(s) }

// NoFaults never fails.
type NoFaults struct{}

func (NoFaults) BeforeStage(Stage) error { return nil }

// FailAt fails when stage s is about to be entered.
func FailAt(s Stage, err error) FaultInjector {
	return FaultFunc(func(current Stage) error {
		if current == s {
			return err
		}
		return nil
	})
}
