package search

import (
	"strings"
	"unicode/utf8"

	"github.com/blevesearch/bleve/v2/analysis"
	bsearch "github.com/blevesearch/bleve/v2/search"
	"github.com/blevesearch/bleve/v2/search/query"
)

// Request holds the raw search parameters. An attribute takes part in the
// query when it is non-blank after trimming; CategoryIDs when non-empty.
type Request struct {
	Zipcode     string
	Keywords    string
	OrgName     string
	CategoryIDs []int64
	Tags        string
	Page        string
	PerPage     string
}

// Clause names, in composition order
const (
	ClauseOrganization = "organization_filter"
	ClauseTags         = "tags_query"
	ClauseKeywords     = "keyword_filter"
	ClauseZipcode      = "zipcode_filter"
	ClauseCategories   = "category_filter"
)

// ClauseKind tells whether a clause contributes to relevance
type ClauseKind int

const (
	// KindFilter restricts the result set without affecting the score
	KindFilter ClauseKind = iota
	// KindQuery restricts the result set and contributes to the score
	KindQuery
)

func (k ClauseKind) String() string {
	if k == KindQuery {
		return "query"
	}
	return "filter"
}

// Clause is one condition of a composite query
type Clause struct {
	Name  string
	Kind  ClauseKind
	Query query.Query
}

// Composite is the result of composing a Request: the clauses that were
// present, in composition order. All clauses must match.
type Composite struct {
	Clauses []Clause
}

// Query returns the bleve query for the composite. With no clauses every
// document matches.
func (c *Composite) Query() query.Query {
	if len(c.Clauses) == 0 {
		return query.NewMatchAllQuery()
	}

	conjuncts := make([]query.Query, len(c.Clauses))
	for i, clause := range c.Clauses {
		conjuncts[i] = clause.Query
	}
	return query.NewConjunctionQuery(conjuncts)
}

// Scored reports whether any clause contributes to relevance
func (c *Composite) Scored() bool {
	for _, clause := range c.Clauses {
		if clause.Kind == KindQuery {
			return true
		}
	}
	return false
}

// Names returns the names of the present clauses in order
func (c *Composite) Names() []string {
	names := make([]string, len(c.Clauses))
	for i, clause := range c.Clauses {
		names[i] = clause.Name
	}
	return names
}

// Order returns the fixed result ordering: featured locations first, then
// covid-19 related ones, then most recently updated, then by relevance and
// finally by id so that equal keys still sort the same way every time.
// A fresh value is returned on each call since bleve keeps per-search
// state in sort fields.
func (c *Composite) Order() bsearch.SortOrder {
	return bsearch.SortOrder{
		&bsearch.SortField{
			Field:   FieldFeaturedAt,
			Type:    bsearch.SortFieldAsDate,
			Missing: bsearch.SortFieldMissingLast,
		},
		&bsearch.SortField{
			Field:   FieldCovid19,
			Type:    bsearch.SortFieldAsDate,
			Missing: bsearch.SortFieldMissingLast,
		},
		&bsearch.SortField{
			Field: FieldUpdatedAt,
			Type:  bsearch.SortFieldAsDate,
			Desc:  true,
		},
		&bsearch.SortScore{Desc: true},
		&bsearch.SortField{
			Field: FieldID,
			Type:  bsearch.SortFieldAsNumber,
		},
	}
}

// keywordFields are searched by the keyword clause with their weights
var keywordFields = []struct {
	name  string
	boost float64
}{
	{FieldOrganizationName, 3},
	{FieldName, 2},
	{FieldDescription, 1},
	{FieldKeywords, 1},
}

type clauseBuilder struct {
	name  string
	kind  ClauseKind
	build func(c *Composer, req *Request) (query.Query, bool)
}

// clauseOrder is the composition order. Every builder returns false when
// its attribute is absent from the request.
var clauseOrder = []clauseBuilder{
	{ClauseOrganization, KindFilter, (*Composer).organizationFilter},
	{ClauseTags, KindQuery, (*Composer).tagsQuery},
	{ClauseKeywords, KindQuery, (*Composer).keywordQuery},
	{ClauseZipcode, KindFilter, (*Composer).zipcodeFilter},
	{ClauseCategories, KindFilter, (*Composer).categoryFilter},
}

// Composer turns search requests into composite queries
type Composer struct {
	analyzer analysis.Analyzer
}

// NewComposer returns a composer that analyzes free text with analyzer.
// A nil analyzer selects TextAnalyzer, which is what the indexes use for
// their text fields.
func NewComposer(analyzer analysis.Analyzer) *Composer {
	if analyzer == nil {
		analyzer = TextAnalyzer()
	}
	return &Composer{analyzer: analyzer}
}

// Compose folds the present clauses of req into a composite, in order
func (c *Composer) Compose(req *Request) *Composite {
	composite := &Composite{}
	for _, b := range clauseOrder {
		q, ok := b.build(c, req)
		if !ok {
			continue
		}
		composite.Clauses = append(composite.Clauses, Clause{Name: b.name, Kind: b.kind, Query: q})
	}
	return composite
}

// ServiceRequest holds the raw parameters of a service search. Only tags
// take part in the query.
type ServiceRequest struct {
	Tags    string
	Page    string
	PerPage string
}

// ComposeServices builds the service query: a single fuzzy tags clause,
// or every service when tags are blank
func (c *Composer) ComposeServices(req *ServiceRequest) *Composite {
	composite := &Composite{}
	if q, ok := c.tagsQuery(&Request{Tags: req.Tags}); ok {
		composite.Clauses = append(composite.Clauses, Clause{Name: ClauseTags, Kind: KindQuery, Query: q})
	}
	return composite
}

func (c *Composer) organizationFilter(req *Request) (query.Query, bool) {
	name := strings.TrimSpace(req.OrgName)
	if name == "" {
		return nil, false
	}

	q := query.NewMatchPhraseQuery(name)
	q.SetField(FieldOrganizationName)
	q.SetBoost(0)
	return q, true
}

func (c *Composer) tagsQuery(req *Request) (query.Query, bool) {
	text := strings.TrimSpace(req.Tags)
	if text == "" {
		return nil, false
	}
	return fuzzyMatch(c.analyze(text), FieldTags, 1), true
}

func (c *Composer) keywordQuery(req *Request) (query.Query, bool) {
	text := strings.TrimSpace(req.Keywords)
	if text == "" {
		return nil, false
	}

	terms := c.analyze(text)
	if len(terms) == 0 {
		return query.NewMatchNoneQuery(), true
	}

	fields := make([]query.Query, 0, len(keywordFields))
	for _, f := range keywordFields {
		fields = append(fields, fuzzyMatch(terms, f.name, f.boost))
	}
	return query.NewDisjunctionQuery(fields), true
}

func (c *Composer) zipcodeFilter(req *Request) (query.Query, bool) {
	zip := strings.TrimSpace(req.Zipcode)
	if zip == "" {
		return nil, false
	}

	q := query.NewTermQuery(zip)
	q.SetField(FieldZipcode)
	q.SetBoost(0)
	return q, true
}

func (c *Composer) categoryFilter(req *Request) (query.Query, bool) {
	if len(req.CategoryIDs) == 0 {
		return nil, false
	}

	terms := make([]query.Query, 0, len(req.CategoryIDs))
	for _, id := range req.CategoryIDs {
		terms = append(terms, numericEquals(FieldCategoryIDs, id, 0))
	}
	return query.NewDisjunctionQuery(terms), true
}

// analyze returns the distinct terms the analyzer produces for text, in
// order of first occurrence.
func (c *Composer) analyze(text string) []string {
	tokens := c.analyzer.Analyze([]byte(text))

	seen := make(map[string]struct{}, len(tokens))
	terms := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		term := string(tok.Term)
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}
		terms = append(terms, term)
	}
	return terms
}

// fuzzyMatch matches documents where field contains any of terms within
// the automatic edit distance. Disjunctions do not propagate boosts, so
// the field weight is set on every term query.
func fuzzyMatch(terms []string, field string, boost float64) query.Query {
	if len(terms) == 0 {
		return query.NewMatchNoneQuery()
	}

	disjuncts := make([]query.Query, 0, len(terms))
	for _, term := range terms {
		fuzziness := autoFuzziness(term)
		if fuzziness == 0 {
			q := query.NewTermQuery(term)
			q.SetField(field)
			q.SetBoost(boost)
			disjuncts = append(disjuncts, q)
			continue
		}

		q := query.NewFuzzyQuery(term)
		q.SetField(field)
		q.SetFuzziness(fuzziness)
		q.SetBoost(boost)
		disjuncts = append(disjuncts, q)
	}
	return query.NewDisjunctionQuery(disjuncts)
}

// autoFuzziness is the allowed edit distance for a term: exact for one or
// two characters, one edit up to five characters, two edits beyond.
func autoFuzziness(term string) int {
	switch n := utf8.RuneCountInString(term); {
	case n <= 2:
		return 0
	case n <= 5:
		return 1
	default:
		return 2
	}
}
