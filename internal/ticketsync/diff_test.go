package ticketsync

import (
	"reflect"
	"testing"
)

func TestCompareRecordsIdentityIsEmpty(t *testing.T) {
	record := map[string]any{
		"state": "2",
		"assignment_group": map[string]any{
			"display_value": "Network",
			"link":          "https://example/api/group/1",
		},
	}
	changes := CompareRecords(record, record, DefaultExclusions())
	if len(changes) != 0 {
		t.Fatalf("changes = %v, want empty", changes)
	}
}

func TestCompareRecordsNestedDottedPath(t *testing.T) {
	oldRecord := map[string]any{"a": map[string]any{"b": 1}}
	newRecord := map[string]any{"a": map[string]any{"b": 2}}
	changes := CompareRecords(oldRecord, newRecord, nil)
	want := map[string]FieldChange{"a.b": {Old: 1, New: 2}}
	if !reflect.DeepEqual(changes, want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
}

func TestCompareRecordsMissingNestedRecursesIntoLeaves(t *testing.T) {
	oldRecord := map[string]any{}
	newRecord := map[string]any{"cmdb": map[string]any{"name": "srv-1", "env": "prod"}}
	changes := CompareRecords(oldRecord, newRecord, nil)
	if len(changes) != 2 {
		t.Fatalf("changes = %v, want two leaf entries", changes)
	}
	if got := changes["cmdb.name"]; got.Old != nil || got.New != "srv-1" {
		t.Fatalf("cmdb.name = %+v", got)
	}
	if got := changes["cmdb.env"]; got.Old != nil || got.New != "prod" {
		t.Fatalf("cmdb.env = %+v", got)
	}
}

func TestCompareRecordsExcludesAtEveryLevel(t *testing.T) {
	exclude := NewExclusions([]string{"sys_updated_on"})
	oldRecord := map[string]any{
		"sys_updated_on": "2024-01-01 00:00:00",
		"nested": map[string]any{
			"sys_updated_on": "2024-01-01 00:00:00",
			"state":          "1",
		},
	}
	newRecord := map[string]any{
		"sys_updated_on": "2024-02-02 00:00:00",
		"nested": map[string]any{
			"sys_updated_on": "2024-02-02 00:00:00",
			"state":          "2",
		},
	}
	changes := CompareRecords(oldRecord, newRecord, exclude)
	want := map[string]FieldChange{"nested.state": {Old: "1", New: "2"}}
	if !reflect.DeepEqual(changes, want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
}

func TestCompareRecordsLeafAddedAndRemoved(t *testing.T) {
	changes := CompareRecords(
		map[string]any{"gone": "x"},
		map[string]any{"added": "y"},
		nil,
	)
	if got := changes["gone"]; got.Old != "x" || got.New != nil {
		t.Fatalf("gone = %+v", got)
	}
	if got := changes["added"]; got.Old != nil || got.New != "y" {
		t.Fatalf("added = %+v", got)
	}
}
