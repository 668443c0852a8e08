package intake

import (
	"strings"
	"testing"
	"time"

	"github.com/ctreminiom/go-atlassian/v2/pkg/infra/models"

	"github.com/agentgate/agentgate/internal/config"
	gateerrors "github.com/agentgate/agentgate/internal/errors"
	"github.com/agentgate/agentgate/internal/order"
)

func text(s string) *models.CommentNodeScheme {
	return &models.CommentNodeScheme{Type: "text", Text: s}
}

func paragraph(children ...*models.CommentNodeScheme) *models.CommentNodeScheme {
	return &models.CommentNodeScheme{Type: "paragraph", Content: children}
}

func TestADFToText(t *testing.T) {
	doc := &models.CommentNodeScheme{
		Type: "doc",
		Content: []*models.CommentNodeScheme{
			{Type: "heading", Attrs: map[string]interface{}{"level": float64(2)}, Content: []*models.CommentNodeScheme{text("Context")}},
			paragraph(text("The login endpoint "), text("returns 500.")),
			{Type: "bulletList", Content: []*models.CommentNodeScheme{
				{Type: "listItem", Content: []*models.CommentNodeScheme{paragraph(text("first"))}},
				{Type: "listItem", Content: []*models.CommentNodeScheme{paragraph(text("second"))}},
			}},
			{Type: "codeBlock", Content: []*models.CommentNodeScheme{text("curl /login")}},
		},
	}

	got := ADFToText(doc)
	want := "Context\n\nThe login endpoint returns 500.\n\n- first\n- second\ncurl /login"
	if got != want {
		t.Errorf("ADFToText = %q, want %q", got, want)
	}
}

func TestADFToTextNil(t *testing.T) {
	if got := ADFToText(nil); got != "" {
		t.Errorf("ADFToText(nil) = %q, want empty", got)
	}
}

func TestADFToTextOrderedListAndQuote(t *testing.T) {
	doc := &models.CommentNodeScheme{
		Type: "doc",
		Content: []*models.CommentNodeScheme{
			{Type: "orderedList", Content: []*models.CommentNodeScheme{
				{Type: "listItem", Content: []*models.CommentNodeScheme{paragraph(text("alpha"))}},
				{Type: "listItem", Content: []*models.CommentNodeScheme{paragraph(text("beta"))}},
			}},
			{Type: "blockquote", Content: []*models.CommentNodeScheme{paragraph(text("quoted"))}},
		},
	}

	got := ADFToText(doc)
	if !strings.Contains(got, "1. alpha") || !strings.Contains(got, "2. beta") {
		t.Errorf("ordered list missing from %q", got)
	}
	if !strings.Contains(got, "> quoted") {
		t.Errorf("blockquote missing from %q", got)
	}
}

func TestADFToTextUnknownNodeKeepsContent(t *testing.T) {
	doc := &models.CommentNodeScheme{
		Type: "doc",
		Content: []*models.CommentNodeScheme{
			{Type: "panel", Content: []*models.CommentNodeScheme{paragraph(text("inside panel"))}},
		},
	}
	if got := ADFToText(doc); !strings.Contains(got, "inside panel") {
		t.Errorf("unknown node dropped its content: %q", got)
	}
}

func TestConvertIssue(t *testing.T) {
	created := models.DateTimeScheme(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	updated := models.DateTimeScheme(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))

	issue := &models.IssueScheme{
		Key: "GATE-7",
		Fields: &models.IssueFieldsScheme{
			Summary: "Fix token refresh",
			Description: &models.CommentNodeScheme{
				Type:    "doc",
				Content: []*models.CommentNodeScheme{paragraph(text("Refresh loops forever."))},
			},
			IssueType: &models.IssueTypeScheme{Name: "Bug"},
			Status: &models.StatusScheme{
				Name:           "In Progress",
				StatusCategory: &models.StatusCategoryScheme{Key: "indeterminate"},
			},
			Priority: &models.PriorityScheme{Name: "High"},
			Labels:   []string{"auth", "backend"},
			Components: []*models.ComponentScheme{
				{Name: "api"},
				nil,
				{Name: ""},
			},
			Created: &created,
			Updated: &updated,
		},
	}

	got := convertIssue(issue)
	if got.Key != "GATE-7" || got.Summary != "Fix token refresh" {
		t.Errorf("key/summary = %q/%q", got.Key, got.Summary)
	}
	if got.Description != "Refresh loops forever." {
		t.Errorf("description = %q", got.Description)
	}
	if got.IssueType != "Bug" || got.Status != "In Progress" || got.StatusKey != "indeterminate" {
		t.Errorf("type/status = %q/%q/%q", got.IssueType, got.Status, got.StatusKey)
	}
	if got.Priority != "High" {
		t.Errorf("priority = %q", got.Priority)
	}
	if len(got.Components) != 1 || got.Components[0] != "api" {
		t.Errorf("components = %v, want [api]", got.Components)
	}
	if !got.Created.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("created = %v", got.Created)
	}
}

func TestConvertIssueNilFields(t *testing.T) {
	got := convertIssue(&models.IssueScheme{Key: "GATE-8"})
	if got.Key != "GATE-8" || got.Summary != "" {
		t.Errorf("got %+v", got)
	}
	if got := convertIssue(nil); got.Key != "" {
		t.Errorf("nil issue gave %+v", got)
	}
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(config.JiraConfig{Email: "dev@example.com"})
	if !isConfigMissing(err) {
		t.Errorf("missing base URL: err = %v", err)
	}

	_, err = NewClient(config.JiraConfig{BaseURL: "https://acme.atlassian.net"})
	if !isConfigMissing(err) {
		t.Errorf("missing email: err = %v", err)
	}

	t.Setenv("AGENTGATE_TEST_JIRA_TOKEN", "")
	_, err = NewClient(config.JiraConfig{
		BaseURL:  "https://acme.atlassian.net",
		Email:    "dev@example.com",
		TokenEnv: "AGENTGATE_TEST_JIRA_TOKEN",
	})
	if !isConfigMissing(err) {
		t.Errorf("missing token: err = %v", err)
	}

	t.Setenv("AGENTGATE_TEST_JIRA_TOKEN", "secret")
	client, err := NewClient(config.JiraConfig{
		BaseURL:  "https://acme.atlassian.net/",
		Email:    "dev@example.com",
		TokenEnv: "AGENTGATE_TEST_JIRA_TOKEN",
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if client == nil {
		t.Fatal("NewClient returned nil client")
	}
}

func isConfigMissing(err error) bool {
	var ge *gateerrors.GateError
	return gateerrors.As(err, &ge) && ge.Code == gateerrors.CodeConfigMissing
}

func TestPriorityFromName(t *testing.T) {
	cases := []struct {
		name string
		want int
	}{
		{"Highest", PriorityHighest},
		{"high", PriorityHigh},
		{"Medium", PriorityNormal},
		{"Low", PriorityLow},
		{"LOWEST", PriorityLowest},
		{"", PriorityNormal},
		{"Blocker", PriorityNormal},
	}
	for _, tc := range cases {
		if got := PriorityFromName(tc.name); got != tc.want {
			t.Errorf("PriorityFromName(%q) = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestOrderFromIssue(t *testing.T) {
	issue := Issue{
		Key:         "GATE-7",
		Summary:     "Fix token refresh",
		Description: "Refresh loops forever.",
		Priority:    "High",
		Labels:      []string{"auth"},
		Components:  []string{"api"},
	}
	ws := order.WorkspaceSource{Kind: order.SourceGit, URL: "https://example.com/repo.git"}

	ord := OrderFromIssue(issue, ws)
	if ord.TaskPrompt != "Fix token refresh\n\nRefresh loops forever." {
		t.Errorf("prompt = %q", ord.TaskPrompt)
	}
	if !strings.HasPrefix(ord.Note, "jira:GATE-7") {
		t.Errorf("note = %q, want jira key anchor first", ord.Note)
	}
	if !strings.Contains(ord.Note, "labels:auth") || !strings.Contains(ord.Note, "components:api") {
		t.Errorf("note = %q, want labels and components", ord.Note)
	}
	if ord.Workspace != ws {
		t.Errorf("workspace = %+v", ord.Workspace)
	}
}

func TestOrderFromIssueSummaryOnly(t *testing.T) {
	ord := OrderFromIssue(Issue{Key: "GATE-9", Summary: "Tidy logs"}, order.WorkspaceSource{Kind: order.SourceFresh})
	if ord.TaskPrompt != "Tidy logs" {
		t.Errorf("prompt = %q", ord.TaskPrompt)
	}
	if ord.Note != "jira:GATE-9" {
		t.Errorf("note = %q", ord.Note)
	}
}
