package ticketsync

import (
	"fmt"
	"sort"
	"strings"
)

// OriginTag identifies which sync stage authored a cross-system message.
// Every comment and attachment the job writes carries one tag's prefix so
// the reverse pass can recognize its own output and not echo it back.
type OriginTag int

const (
	OriginNone OriginTag = iota
	OriginTicketComment
	OriginCaseComment
	OriginTicketAttachment
	OriginCaseAttachment
	OriginNotifier
)

func (t OriginTag) String() string {
	switch t {
	case OriginTicketComment:
		return "ticket-comment"
	case OriginCaseComment:
		return "case-comment"
	case OriginTicketAttachment:
		return "ticket-attachment"
	case OriginCaseAttachment:
		return "case-attachment"
	case OriginNotifier:
		return "notifier"
	default:
		return "none"
	}
}

// OriginTags maps each tag to its body prefix. Membership is checked by
// tag, not by ad-hoc string literals scattered through the sync passes.
type OriginTags struct {
	prefixes map[OriginTag]string
	byLength []OriginTag
}

// DefaultOriginTags returns the prefixes the job has always written, so an
// upgraded deployment keeps recognizing messages from earlier cycles.
func DefaultOriginTags() *OriginTags {
	tags, err := NewOriginTags(map[OriginTag]string{
		OriginTicketComment:    "ServiceNow:",
		OriginCaseComment:      "SecOps:",
		OriginTicketAttachment: "From ServiceNow:",
		OriginCaseAttachment:   "From SecOps:",
		OriginNotifier:         "Sync Incidents Job: ",
	})
	if err != nil {
		panic(err)
	}
	return tags
}

func NewOriginTags(prefixes map[OriginTag]string) (*OriginTags, error) {
	seen := map[string]OriginTag{}
	tags := &OriginTags{prefixes: make(map[OriginTag]string, len(prefixes))}
	for tag, prefix := range prefixes {
		if tag == OriginNone {
			return nil, fmt.Errorf("origin tag %v cannot carry a prefix", tag)
		}
		if strings.TrimSpace(prefix) == "" {
			return nil, fmt.Errorf("origin tag %v has an empty prefix", tag)
		}
		if other, dup := seen[prefix]; dup {
			return nil, fmt.Errorf("origin tags %v and %v share prefix %q", other, tag, prefix)
		}
		seen[prefix] = tag
		tags.prefixes[tag] = prefix
		tags.byLength = append(tags.byLength, tag)
	}
	// Longest prefix wins during classification so overlapping prefixes
	// cannot shadow each other.
	sort.Slice(tags.byLength, func(i, j int) bool {
		return len(tags.prefixes[tags.byLength[i]]) > len(tags.prefixes[tags.byLength[j]])
	})
	return tags, nil
}

func (t *OriginTags) Prefix(tag OriginTag) string {
	return t.prefixes[tag]
}

// Apply prefixes body with the tag's marker.
func (t *OriginTags) Apply(tag OriginTag, body string) string {
	prefix := t.prefixes[tag]
	if strings.HasSuffix(prefix, " ") {
		return prefix + body
	}
	return prefix + " " + body
}

// Classify reports which tag authored body, or OriginNone for
// user-authored text.
func (t *OriginTags) Classify(body string) OriginTag {
	for _, tag := range t.byLength {
		if strings.HasPrefix(body, t.prefixes[tag]) {
			return tag
		}
	}
	return OriginNone
}

// Matches reports whether body carries any of the given tags.
func (t *OriginTags) Matches(body string, tags ...OriginTag) bool {
	got := t.Classify(body)
	for _, tag := range tags {
		if got == tag {
			return true
		}
	}
	return false
}
