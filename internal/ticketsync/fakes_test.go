package ticketsync

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/agentworkforce/ticketbridge/internal/caseplatform"
	"github.com/agentworkforce/ticketbridge/internal/ticketing"
)

type postedAttachment struct {
	sysID       string
	name        string
	content     string
	contentType string
}

type fakeTicketClient struct {
	tickets         map[string]ticketing.TicketRecord
	comments        map[string][]ticketing.Comment
	attachments     map[string][]ticketing.Attachment
	contents        map[string][]byte
	related         map[string]map[string]any
	resources       []ticketing.AffectedResource
	resourceDetails map[string]ticketing.ResourceRecord

	getTicketsErr        func(numbers []string) error
	affectedResourcesErr error
	ticketPages          [][]string

	postedComments    map[string][]string
	postedAttachments []postedAttachment
}

func newFakeTicketClient() *fakeTicketClient {
	return &fakeTicketClient{
		tickets:         map[string]ticketing.TicketRecord{},
		comments:        map[string][]ticketing.Comment{},
		attachments:     map[string][]ticketing.Attachment{},
		contents:        map[string][]byte{},
		related:         map[string]map[string]any{},
		resourceDetails: map[string]ticketing.ResourceRecord{},
		postedComments:  map[string][]string{},
	}
}

func (f *fakeTicketClient) GetTickets(ctx context.Context, numbers []string, since time.Time) ([]ticketing.TicketRecord, error) {
	f.ticketPages = append(f.ticketPages, append([]string(nil), numbers...))
	if f.getTicketsErr != nil {
		if err := f.getTicketsErr(numbers); err != nil {
			return nil, err
		}
	}
	var out []ticketing.TicketRecord
	if len(numbers) == 0 {
		for _, record := range f.tickets {
			out = append(out, record)
		}
		return out, nil
	}
	for _, number := range numbers {
		if record, ok := f.tickets[number]; ok {
			out = append(out, record)
		}
	}
	return out, nil
}

func (f *fakeTicketClient) GetComments(ctx context.Context, ticketSysID string, since time.Time) ([]ticketing.Comment, error) {
	return f.comments[ticketSysID], nil
}

func (f *fakeTicketClient) GetAttachments(ctx context.Context, ticketSysID string, since time.Time) ([]ticketing.Attachment, error) {
	return f.attachments[ticketSysID], nil
}

func (f *fakeTicketClient) GetAttachmentContent(ctx context.Context, downloadLink string) ([]byte, error) {
	content, ok := f.contents[downloadLink]
	if !ok {
		return nil, &ticketing.NotFoundError{Resource: downloadLink}
	}
	return content, nil
}

func (f *fakeTicketClient) AddComment(ctx context.Context, ticketNumber, text string) error {
	f.postedComments[ticketNumber] = append(f.postedComments[ticketNumber], text)
	return nil
}

func (f *fakeTicketClient) AddAttachment(ctx context.Context, ticketSysID, name string, content io.Reader, contentType string) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	f.postedAttachments = append(f.postedAttachments, postedAttachment{
		sysID: ticketSysID, name: name, content: string(data), contentType: contentType,
	})
	return nil
}

func (f *fakeTicketClient) GetRelatedLink(ctx context.Context, link string) (map[string]any, error) {
	payload, ok := f.related[link]
	if !ok {
		return nil, &ticketing.NotFoundError{Resource: link}
	}
	return payload, nil
}

func (f *fakeTicketClient) GetAffectedResources(ctx context.Context, ticketSysIDs []string) ([]ticketing.AffectedResource, error) {
	if f.affectedResourcesErr != nil {
		return nil, f.affectedResourcesErr
	}
	var out []ticketing.AffectedResource
	for _, resource := range f.resources {
		for _, sysID := range ticketSysIDs {
			if resource.TicketSysID == sysID {
				out = append(out, resource)
			}
		}
	}
	if len(out) == 0 {
		return nil, &ticketing.NotFoundError{}
	}
	return out, nil
}

func (f *fakeTicketClient) GetAffectedResourceDetails(ctx context.Context, sysIDs []string, since time.Time) ([]ticketing.ResourceRecord, error) {
	var out []ticketing.ResourceRecord
	for _, sysID := range sysIDs {
		if record, ok := f.resourceDetails[sysID]; ok {
			out = append(out, record)
		}
	}
	return out, nil
}

type savedCaseAttachment struct {
	caseID   string
	name     string
	fileType string
	content  string
}

type fakeCaseClient struct {
	caseIDs           []string
	overviews         map[string]*caseplatform.CaseOverview
	contextProps      map[string]string
	caseComments      map[string][]caseplatform.CaseComment
	caseAttachments   map[string][]caseplatform.CaseAttachment
	attachmentContent map[string][]byte

	filters          []caseplatform.CaseFilter
	postedComments   map[string][]string
	savedAttachments []savedCaseAttachment
}

func newFakeCaseClient() *fakeCaseClient {
	return &fakeCaseClient{
		overviews:         map[string]*caseplatform.CaseOverview{},
		contextProps:      map[string]string{},
		caseComments:      map[string][]caseplatform.CaseComment{},
		caseAttachments:   map[string][]caseplatform.CaseAttachment{},
		attachmentContent: map[string][]byte{},
		postedComments:    map[string][]string{},
	}
}

func contextPropKey(scope caseplatform.ContextScope, identifier, key string) string {
	return fmt.Sprintf("%s/%s/%s", scope, identifier, key)
}

func (f *fakeCaseClient) GetCaseIDsByFilter(ctx context.Context, filter caseplatform.CaseFilter) ([]string, error) {
	f.filters = append(f.filters, filter)
	return f.caseIDs, nil
}

func (f *fakeCaseClient) GetCaseOverview(ctx context.Context, caseID string) (*caseplatform.CaseOverview, error) {
	overview, ok := f.overviews[caseID]
	if !ok {
		return nil, fmt.Errorf("case %s missing", caseID)
	}
	return overview, nil
}

func (f *fakeCaseClient) GetContextProperty(ctx context.Context, scope caseplatform.ContextScope, identifier, key string) (string, bool, error) {
	value, ok := f.contextProps[contextPropKey(scope, identifier, key)]
	return value, ok, nil
}

func (f *fakeCaseClient) AddComment(ctx context.Context, caseID, text string) error {
	f.postedComments[caseID] = append(f.postedComments[caseID], text)
	return nil
}

func (f *fakeCaseClient) FetchCaseComments(ctx context.Context, caseID string, since time.Time) ([]caseplatform.CaseComment, error) {
	return f.caseComments[caseID], nil
}

func (f *fakeCaseClient) GetCaseAttachments(ctx context.Context, caseID string) ([]caseplatform.CaseAttachment, error) {
	return f.caseAttachments[caseID], nil
}

func (f *fakeCaseClient) GetCaseAttachmentContent(ctx context.Context, attachmentID string) ([]byte, error) {
	content, ok := f.attachmentContent[attachmentID]
	if !ok {
		return nil, fmt.Errorf("attachment %s missing", attachmentID)
	}
	return content, nil
}

func (f *fakeCaseClient) SaveAttachmentToCase(ctx context.Context, caseID, name, fileType string, content io.Reader) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	f.savedAttachments = append(f.savedAttachments, savedCaseAttachment{
		caseID: caseID, name: name, fileType: fileType, content: string(data),
	})
	return nil
}
