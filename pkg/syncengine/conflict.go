package syncengine

import (
	"time"

	"github.com/nimbusuite/hub/pkg/errors"
	"github.com/nimbusuite/hub/pkg/models"
)

// ConflictAction is what the engine should do with a conflicted record
type ConflictAction string

const (
	// ActionUpdateLocal writes the resolved record to the local side
	ActionUpdateLocal ConflictAction = "update_local"
	// ActionUpdateExternal pushes the resolved record to the external side
	ActionUpdateExternal ConflictAction = "update_external"
	// ActionSkip leaves both sides untouched
	ActionSkip ConflictAction = "skip"
	// ActionFlag skips and marks the record for operator review
	ActionFlag ConflictAction = "flag"
)

// MergeTieBreak selects which side wins a field that differs on both sides
type MergeTieBreak string

const (
	// TieBreakSource prefers the external (source) value. This matches the
	// historical behavior and is the default.
	TieBreakSource MergeTieBreak = "prefer_source"
	// TieBreakTarget prefers the local (target) value
	TieBreakTarget MergeTieBreak = "prefer_target"
)

// Resolution is the outcome of resolving one conflicted record
type Resolution struct {
	Action ConflictAction
	Record Record
}

// ResolveConflict reconciles a record present on both sides. "source" is the
// external record, "target" the local one.
func ResolveConflict(strategy models.ConflictStrategy, source, target Record, tieBreak MergeTieBreak) (Resolution, error) {
	switch strategy {
	case models.ConflictSourceWins:
		return Resolution{Action: ActionUpdateLocal, Record: source}, nil

	case models.ConflictTargetWins:
		return Resolution{Action: ActionUpdateExternal, Record: target}, nil

	case models.ConflictNewestWins:
		sourceTime := recordTime(source)
		targetTime := recordTime(target)
		switch {
		case sourceTime.After(targetTime):
			return Resolution{Action: ActionUpdateLocal, Record: source}, nil
		case targetTime.After(sourceTime):
			return Resolution{Action: ActionUpdateExternal, Record: target}, nil
		default:
			// Equal timestamps: nothing to reconcile
			return Resolution{Action: ActionSkip}, nil
		}

	case models.ConflictMerge:
		return Resolution{Action: ActionUpdateLocal, Record: merge(source, target, tieBreak)}, nil

	case models.ConflictManual:
		return Resolution{Action: ActionFlag}, nil
	}

	return Resolution{}, errors.Newf(errors.ErrorTypeConfig, "unknown conflict strategy %q", strategy)
}

// merge combines both sides field by field: identical values keep, values
// present on one side only are taken, and differing values fall to the
// configured tie-break side.
func merge(source, target Record, tieBreak MergeTieBreak) Record {
	merged := make(Record, len(source)+len(target))

	for key, targetVal := range target {
		merged[key] = targetVal
	}

	for key, sourceVal := range source {
		targetVal, inTarget := target[key]
		if !inTarget {
			merged[key] = sourceVal
			continue
		}
		if equalValue(sourceVal, targetVal) {
			continue
		}
		if tieBreak != TieBreakTarget {
			merged[key] = sourceVal
		}
	}

	return merged
}

// recordTime parses a record's updated_at field; zero when absent
func recordTime(rec Record) time.Time {
	v, ok := rec["updated_at"]
	if !ok {
		return time.Time{}
	}

	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed
			}
		}
	case float64:
		return time.Unix(int64(t), 0)
	}
	return time.Time{}
}

func equalValue(a, b interface{}) bool {
	return toString(a) == toString(b)
}
