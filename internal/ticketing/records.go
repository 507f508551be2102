package ticketing

import "time"

// TicketRecord is one raw row from the ticket table. Raw keeps every field the
// API returned; Number and SysID are extracted for addressing.
type TicketRecord struct {
	Number string
	SysID  string
	Raw    map[string]any
}

// RelatedLinks returns the link-shaped fields of the record: any field whose
// value is an object carrying a "link" URL (assignment group, caller, parent
// and so on). The key and display value ride along for notification text.
func (r TicketRecord) RelatedLinks() []RelatedLink {
	var links []RelatedLink
	for key, value := range r.Raw {
		nested, ok := value.(map[string]any)
		if !ok {
			continue
		}
		link, _ := nested["link"].(string)
		if link == "" {
			continue
		}
		display, _ := nested["display_value"].(string)
		links = append(links, RelatedLink{
			URL:          link,
			FieldKey:     key,
			DisplayValue: display,
		})
	}
	return links
}

type RelatedLink struct {
	URL          string
	FieldKey     string
	DisplayValue string
}

type Comment struct {
	SysID     string
	Value     string
	CreatedOn time.Time
	Raw       map[string]any
}

type Attachment struct {
	SysID        string
	FileName     string
	ContentType  string
	DownloadLink string
	CreatedOn    time.Time
}

// AffectedResource is one row of the task↔configuration-item association
// table: resource sys_id plus the ticket sys_id referencing it.
type AffectedResource struct {
	SysID       string
	TicketSysID string
	Raw         map[string]any
}

// ResourceRecord is the detail record of a configuration item.
type ResourceRecord struct {
	SysID string
	Name  string
	Raw   map[string]any
}

func stringField(raw map[string]any, key string) string {
	switch value := raw[key].(type) {
	case string:
		return value
	case map[string]any:
		if s, ok := value["value"].(string); ok && s != "" {
			return s
		}
		if s, ok := value["display_value"].(string); ok {
			return s
		}
	}
	return ""
}
