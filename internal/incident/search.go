package incident

import (
	"fmt"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/maristack/pelorus/internal/models"
)

// searchDoc is the flat projection indexed for full-text incident search.
type searchDoc struct {
	IncidentID string `json:"incident_id"`
	ShipID     string `json:"ship_id"`
	Service    string `json:"service"`
	MetricName string `json:"metric_name"`
	Severity   string `json:"severity"`
	Status     string `json:"status"`
	Summary    string `json:"summary"`
}

// Search maintains an in-memory full-text index over incidents written by
// this process. The SQL store stays the source of truth; the index only
// answers the search endpoint and rebuilds empty on restart.
type Search struct {
	index bleve.Index
}

func NewSearch() (*Search, error) {
	idx, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create incident search index: %w", err)
	}
	return &Search{index: idx}, nil
}

func buildMapping() mapping.IndexMapping {
	docMapping := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	keyword := bleve.NewKeywordFieldMapping()

	docMapping.AddFieldMappingsAt("incident_id", keyword)
	docMapping.AddFieldMappingsAt("ship_id", keyword)
	docMapping.AddFieldMappingsAt("service", keyword)
	docMapping.AddFieldMappingsAt("metric_name", keyword)
	docMapping.AddFieldMappingsAt("severity", keyword)
	docMapping.AddFieldMappingsAt("status", keyword)
	docMapping.AddFieldMappingsAt("summary", text)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = docMapping
	return m
}

// Index adds or replaces an incident document.
func (s *Search) Index(inc *models.Incident) error {
	summary := inc.MetricName + " " + inc.Service + " " + inc.ShipID
	for _, entry := range inc.Timeline {
		summary += " " + entry.Description
	}
	for _, book := range inc.SuggestedRunbooks {
		summary += " " + book
	}

	return s.index.Index(inc.IncidentID, searchDoc{
		IncidentID: inc.IncidentID,
		ShipID:     inc.ShipID,
		Service:    inc.Service,
		MetricName: inc.MetricName,
		Severity:   string(inc.IncidentSeverity),
		Status:     string(inc.Status),
		Summary:    summary,
	})
}

// Query returns matching incident IDs ranked by relevance.
func (s *Search) Query(q string, limit int) ([]string, error) {
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	req := bleve.NewSearchRequestOptions(bleve.NewQueryStringQuery(q), limit, 0, false)
	res, err := s.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("incident search failed: %w", err)
	}
	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// Close releases the index.
func (s *Search) Close() error {
	return s.index.Close()
}
