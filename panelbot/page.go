package panelbot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"
)

// PageProvider supplies one page of the panel. PageNumber is the only
// required method; everything else is an optional capability, declared by
// implementing one of the interfaces below. Absent capabilities degrade
// gracefully (the feature is hidden, never an error).
type PageProvider interface {
	// PageNumber returns the 1-based page this provider serves.
	PageNumber() int
}

// PageTitler supplies the page's embed title.
type PageTitler interface {
	PageTitle() string
}

// PageDescriber supplies the page's embed description.
type PageDescriber interface {
	PageDescription() string
}

// PageContenter supplies the page body for a specific user.
type PageContenter interface {
	PageContent(ctx context.Context, userID string) (string, error)
}

// ModalSpec describes a query modal in gateway-agnostic terms; the Discord
// layer maps it to actual modal components.
type ModalSpec struct {
	Title       string
	Label       string
	Placeholder string
	MinLength   int
	MaxLength   int
}

// QueryModaler indicates the page offers a query modal.
type QueryModaler interface {
	QueryModal() ModalSpec
}

// QueryModalHandler handles the submitted query, returning the text to
// show in the result field.
type QueryModalHandler interface {
	HandleQueryModal(ctx context.Context, query string, session *Session) (string, error)
}

// SelectOption is one choice in a page's select menu.
type SelectOption struct {
	Label       string
	Value       string
	Description string
}

// SelectMenuHandler indicates the page offers a select menu.
type SelectMenuHandler interface {
	SelectOptions(ctx context.Context) []SelectOption
	HandleSelectMenu(ctx context.Context, value string, session *Session) (string, error)
}

// AutocompleteHandler supplies suggestions for the page's query input.
type AutocompleteHandler interface {
	HandleAutocomplete(ctx context.Context, userID string, partial string) ([]string, error)
}

// pageCapabilities caches the optional-interface checks for one provider.
// Resolution happens once, when the page set is built, rather than at
// every call site.
type pageCapabilities struct {
	provider     PageProvider
	titler       PageTitler
	describer    PageDescriber
	contenter    PageContenter
	modaler      QueryModaler
	queryHandler QueryModalHandler
	selector     SelectMenuHandler
	completer    AutocompleteHandler
}

func resolveCapabilities(p PageProvider) *pageCapabilities {
	caps := &pageCapabilities{provider: p}
	if v, ok := p.(PageTitler); ok {
		caps.titler = v
	}
	if v, ok := p.(PageDescriber); ok {
		caps.describer = v
	}
	if v, ok := p.(PageContenter); ok {
		caps.contenter = v
	}
	if v, ok := p.(QueryModaler); ok {
		caps.modaler = v
	}
	if v, ok := p.(QueryModalHandler); ok {
		caps.queryHandler = v
	}
	if v, ok := p.(SelectMenuHandler); ok {
		caps.selector = v
	}
	if v, ok := p.(AutocompleteHandler); ok {
		caps.completer = v
	}
	return caps
}

// PageSet is the registry of panel pages, keyed by page number. Page
// numbers must form a contiguous range starting at 1.
type PageSet struct {
	pages map[int]*pageCapabilities
}

// NewPageSet resolves capabilities for each provider and validates the
// numbering.
func NewPageSet(providers ...PageProvider) (*PageSet, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("at least one page provider is required")
	}
	pages := make(map[int]*pageCapabilities, len(providers))
	for _, p := range providers {
		n := p.PageNumber()
		if n < 1 {
			return nil, fmt.Errorf("invalid page number %d", n)
		}
		if _, exists := pages[n]; exists {
			return nil, fmt.Errorf("duplicate page number %d", n)
		}
		pages[n] = resolveCapabilities(p)
	}
	numbers := make([]int, 0, len(pages))
	for n := range pages {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	for i, n := range numbers {
		if n != i+1 {
			return nil, fmt.Errorf(
				"page numbers must be contiguous from 1, got %v", numbers,
			)
		}
	}
	return &PageSet{pages: pages}, nil
}

// TotalPages returns the number of registered pages.
func (p *PageSet) TotalPages() int {
	return len(p.pages)
}

// Page returns the capabilities for the given page number.
func (p *PageSet) Page(n int) (*pageCapabilities, bool) {
	caps, ok := p.pages[n]
	return caps, ok
}

// QueryPage returns the lowest-numbered page that handles query modals,
// if any. Used to route the slash command's optional initial query.
func (p *PageSet) QueryPage() (int, *pageCapabilities, bool) {
	for n := 1; n <= len(p.pages); n++ {
		caps := p.pages[n]
		if caps.queryHandler != nil {
			return n, caps, true
		}
	}
	return 0, nil, false
}

// Completer returns the lowest-numbered page that handles autocomplete,
// if any.
func (p *PageSet) Completer() (AutocompleteHandler, bool) {
	for n := 1; n <= len(p.pages); n++ {
		if caps := p.pages[n]; caps.completer != nil {
			return caps.completer, true
		}
	}
	return nil, false
}

// OverviewPage is the first panel page: a static greeting plus per-user
// usage numbers from the backing database.
type OverviewPage struct {
	DB *gorm.DB
}

func (OverviewPage) PageNumber() int { return 1 }

func (OverviewPage) PageTitle() string { return "Overview" }

func (OverviewPage) PageDescription() string {
	return "Use the buttons below to browse, or the search button to query."
}

func (p OverviewPage) PageContent(
	ctx context.Context,
	userID string,
) (string, error) {
	// the user's row may not exist yet on their very first interaction
	var user PanelUser
	err := p.DB.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("error loading user: %w", err)
	}
	var closed int64
	if err = p.DB.WithContext(ctx).Model(&SessionAudit{}).Where(
		"user_id = ?", userID,
	).Count(&closed).Error; err != nil {
		return "", fmt.Errorf("error counting past sessions: %w", err)
	}
	return fmt.Sprintf(
		"Sessions opened: **%d**\nPast sessions: **%d**",
		user.SessionsOpened,
		closed,
	), nil
}

// DirectoryPage lists PanelEntry rows, filtered by the category chosen in
// the page's select menu.
type DirectoryPage struct {
	DB *gorm.DB

	// ListLimit bounds how many entries are rendered. Zero means the
	// default of 10.
	ListLimit int
}

const directorySelectMenuID = "directory_category"

func (DirectoryPage) PageNumber() int { return 2 }

func (DirectoryPage) PageTitle() string { return "Directory" }

func (DirectoryPage) PageDescription() string {
	return "Pick a category to filter the listing."
}

func (p DirectoryPage) limit() int {
	if p.ListLimit > 0 {
		return p.ListLimit
	}
	return 10
}

func (p DirectoryPage) PageContent(
	ctx context.Context,
	_ string,
) (string, error) {
	return p.listing(ctx, "")
}

func (p DirectoryPage) listing(ctx context.Context, category string) (string, error) {
	q := p.DB.WithContext(ctx).Model(&PanelEntry{}).Order("name")
	if category != "" {
		q = q.Where("category = ?", category)
	}
	var entries []PanelEntry
	if err := q.Limit(p.limit()).Find(&entries).Error; err != nil {
		return "", fmt.Errorf("error listing entries: %w", err)
	}
	if len(entries) == 0 {
		return "No entries.", nil
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("• **%s** — %s", e.Name, truncate(e.Content, 80)))
	}
	return strings.Join(lines, "\n"), nil
}

func (p DirectoryPage) SelectOptions(ctx context.Context) []SelectOption {
	var categories []string
	err := p.DB.WithContext(ctx).Model(&PanelEntry{}).Distinct(
		columnEntryCategory,
	).Order(columnEntryCategory).Limit(25).Pluck(
		columnEntryCategory, &categories,
	).Error
	if err != nil {
		return nil
	}
	options := make([]SelectOption, 0, len(categories))
	for _, c := range categories {
		if c == "" {
			continue
		}
		options = append(options, SelectOption{Label: c, Value: c})
	}
	return options
}

func (p DirectoryPage) HandleSelectMenu(
	ctx context.Context,
	value string,
	session *Session,
) (string, error) {
	session.RecordSelection(directorySelectMenuID, value)
	return p.listing(ctx, value)
}

// SearchPage runs a substring search over PanelEntry names and content,
// driven by a query modal.
type SearchPage struct {
	DB *gorm.DB

	// ResultLimit bounds search results. Zero means the default of 10.
	ResultLimit int
}

func (SearchPage) PageNumber() int { return 3 }

func (SearchPage) PageTitle() string { return "Search" }

func (SearchPage) PageDescription() string {
	return "Use the search button to run a query."
}

func (p SearchPage) limit() int {
	if p.ResultLimit > 0 {
		return p.ResultLimit
	}
	return 10
}

func (p SearchPage) QueryModal() ModalSpec {
	return ModalSpec{
		Title:       "Search entries",
		Label:       "Query",
		Placeholder: "Ex: \"backup\", \"welcome message\"",
		MinLength:   1,
		MaxLength:   100,
	}
}

func (p SearchPage) PageContent(
	_ context.Context,
	_ string,
) (string, error) {
	return "No query yet.", nil
}

func (p SearchPage) HandleQueryModal(
	ctx context.Context,
	query string,
	_ *Session,
) (string, error) {
	pattern := "%" + strings.TrimSpace(query) + "%"
	var entries []PanelEntry
	err := p.DB.WithContext(ctx).Where(
		"name LIKE ? OR content LIKE ?", pattern, pattern,
	).Order("name").Limit(p.limit()).Find(&entries).Error
	if err != nil {
		return "", fmt.Errorf("error searching entries: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Sprintf("No results for **%s**.", truncate(query, 50)), nil
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("• **%s** — %s", e.Name, truncate(e.Content, 80)))
	}
	return strings.Join(lines, "\n"), nil
}

func (p SearchPage) HandleAutocomplete(
	ctx context.Context,
	_ string,
	partial string,
) ([]string, error) {
	var names []string
	err := p.DB.WithContext(ctx).Model(&PanelEntry{}).Where(
		"name LIKE ?", strings.TrimSpace(partial)+"%",
	).Order("name").Limit(25).Pluck("name", &names).Error
	if err != nil {
		return nil, fmt.Errorf("error completing entry names: %w", err)
	}
	return names, nil
}

// DefaultPageSet returns the built-in pages backed by the given database.
func DefaultPageSet(db *gorm.DB) (*PageSet, error) {
	return NewPageSet(
		OverviewPage{DB: db},
		DirectoryPage{DB: db},
		SearchPage{DB: db},
	)
}
