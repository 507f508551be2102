package ticketsync

import "reflect"

// FieldChange holds the before/after values of one record field.
type FieldChange struct {
	Old any
	New any
}

// Exclusions is the set of volatile field names skipped when diffing,
// checked by bare field name at every nesting level.
type Exclusions map[string]struct{}

func NewExclusions(fields []string) Exclusions {
	set := make(Exclusions, len(fields))
	for _, field := range fields {
		set[field] = struct{}{}
	}
	return set
}

// DefaultExclusions covers the bookkeeping fields the ticketing system
// rewrites on every touch.
func DefaultExclusions() Exclusions {
	return NewExclusions([]string{
		"sys_updated_on",
		"sys_updated_by",
		"sys_created_on",
		"sys_created_by",
		"sys_mod_count",
		"sys_tags",
		"sys_class_name",
		"sys_domain_path",
		"work_notes",
		"comments",
		"comments_and_work_notes",
		"activity_due",
		"last_login_time",
		"last_login",
		"link",
	})
}

// CompareRecords returns the field-level differences between two record
// snapshots keyed by dotted path. Nested maps are walked recursively; a
// nested map missing on one side is compared against an empty map so only
// the leaves that actually exist are reported.
func CompareRecords(oldRecord, newRecord map[string]any, exclude Exclusions) map[string]FieldChange {
	changes := map[string]FieldChange{}
	compareInto(changes, "", oldRecord, newRecord, exclude)
	return changes
}

func compareInto(changes map[string]FieldChange, prefix string, oldRecord, newRecord map[string]any, exclude Exclusions) {
	for key := range fieldUnion(oldRecord, newRecord) {
		if _, skip := exclude[key]; skip {
			continue
		}
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		oldValue, oldOK := oldRecord[key]
		newValue, newOK := newRecord[key]
		oldMap, oldIsMap := oldValue.(map[string]any)
		newMap, newIsMap := newValue.(map[string]any)

		switch {
		case oldIsMap && newIsMap:
			compareInto(changes, path, oldMap, newMap, exclude)
		case oldIsMap && !newOK:
			compareInto(changes, path, oldMap, map[string]any{}, exclude)
		case newIsMap && !oldOK:
			compareInto(changes, path, map[string]any{}, newMap, exclude)
		default:
			if !reflect.DeepEqual(oldValue, newValue) {
				changes[path] = FieldChange{Old: oldValue, New: newValue}
			}
		}
	}
}

func fieldUnion(a, b map[string]any) map[string]struct{} {
	union := make(map[string]struct{}, len(a)+len(b))
	for key := range a {
		union[key] = struct{}{}
	}
	for key := range b {
		union[key] = struct{}{}
	}
	return union
}
