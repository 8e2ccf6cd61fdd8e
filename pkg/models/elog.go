package models

import "time"

// ELOGAttachment is a named file linked from a logbook entry.
type ELOGAttachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ELOGHit is one reranked electronic-logbook entry.
type ELOGHit struct {
	ELOGID    int       `json:"elog_id"`
	Timestamp time.Time `json:"timestamp"`
	Author    string    `json:"author"`
	Category  string    `json:"category"`
	System    string    `json:"system"`
	Domain    string    `json:"domain"`
	Title     string    `json:"title"`

	BodyHTML  string `json:"body_html"`
	BodyClean string `json:"body_clean"`

	URL         string           `json:"url"`
	Attachments []ELOGAttachment `json:"attachments,omitempty"`

	SemanticScore float64 `json:"semantic_score"`
	FinalScore    float64 `json:"final_score"`

	// RelativeAge is a human-readable age ("3 days ago"), filled in by the
	// tool layer just before the result is handed to the model.
	RelativeAge string `json:"relative_age,omitempty"`
}

// RerankCandidate is the subset of a hit's fields the reranker needs,
// shared by both ELOG and graph retrieval cores.
type RerankCandidate interface {
	RerankBody() string
	RerankTitle() string
	RerankTimestamp() time.Time
	RerankCategory() string
	SetScores(semantic, final float64)
}

func (h *ELOGHit) RerankBody() string          { return h.BodyClean }
func (h *ELOGHit) RerankTitle() string         { return h.Title }
func (h *ELOGHit) RerankTimestamp() time.Time  { return h.Timestamp }
func (h *ELOGHit) RerankCategory() string      { return h.Category }

// SetScores is called by the reranker once it has computed both scores.
func (h *ELOGHit) SetScores(semantic, final float64) {
	h.SemanticScore = semantic
	h.FinalScore = final
}

// ELOGSearchFilter is the structured portion of an ELOG search request.
type ELOGSearchFilter struct {
	Query      string
	Since      *time.Time
	Until      *time.Time
	Category   string
	System     string
	Domain     string
	MaxResults int
}

// ELOGSearchResult is C6's response shape.
type ELOGSearchResult struct {
	TotalFound             int            `json:"total_found"`
	Hits                   []*ELOGHit     `json:"hits"`
	AggregationsByCategory map[string]int `json:"aggregations_by_category,omitempty"`
	AggregationsBySystem   map[string]int `json:"aggregations_by_system,omitempty"`
	AggregationsByDomain   map[string]int `json:"aggregations_by_domain,omitempty"`
}

// ThreadEdge is a parent->child relationship between two ELOG entry ids.
type ThreadEdge struct {
	ParentID int `json:"parent_id"`
	ChildID  int `json:"child_id"`
}

// ThreadGraph is the acyclic ancestor/descendant graph around a queried
// ELOG entry.
type ThreadGraph struct {
	RootID int          `json:"root_id"`
	Hits   []*ELOGHit   `json:"hits"`
	Edges  []ThreadEdge `json:"edges"`
}

// Retriever is the knowledge-graph retrieval mode. The source material
// oscillates between {dense,sparse,both} and {dense,sparse,hybrid}; both
// spellings are accepted and normalized to RetrieverHybrid.
type Retriever string

const (
	RetrieverDense  Retriever = "dense"
	RetrieverSparse Retriever = "sparse"
	RetrieverHybrid Retriever = "hybrid"
)

// NormalizeRetriever accepts either spelling of the fused retrieval mode
// and returns the canonical Retriever value.
func NormalizeRetriever(s string) Retriever {
	switch s {
	case "dense":
		return RetrieverDense
	case "sparse":
		return RetrieverSparse
	case "hybrid", "both":
		return RetrieverHybrid
	default:
		return RetrieverHybrid
	}
}

// Accelerator is a bounded set of facility accelerators the knowledge graph
// may be scoped to.
type Accelerator string

const (
	AcceleratorHIPA     Accelerator = "hipa"
	AcceleratorProscan  Accelerator = "proscan"
	AcceleratorSLS      Accelerator = "sls"
	AcceleratorSwissFEL Accelerator = "swissfel"
	AcceleratorAll      Accelerator = "all"
)

// GraphHit is one result from the knowledge-graph retrieval adapter. It is
// shaped identically to ELOGHit's rerank-relevant fields so C5 can score
// both interchangeably.
type GraphHit struct {
	ArticleID string    `json:"article_id"`
	Timestamp time.Time `json:"timestamp"`
	Category  string    `json:"category"`
	Title     string    `json:"title"`
	BodyClean string    `json:"body_clean"`
	URL       string    `json:"url"`

	SemanticScore float64 `json:"semantic_score"`
	FinalScore    float64 `json:"final_score"`

	// RelativeAge is a human-readable age ("3 days ago"), filled in by the
	// tool layer just before the result is handed to the model.
	RelativeAge string `json:"relative_age,omitempty"`
}

func (h *GraphHit) RerankBody() string         { return h.BodyClean }
func (h *GraphHit) RerankTitle() string        { return h.Title }
func (h *GraphHit) RerankTimestamp() time.Time { return h.Timestamp }
func (h *GraphHit) RerankCategory() string     { return h.Category }

func (h *GraphHit) SetScores(semantic, final float64) {
	h.SemanticScore = semantic
	h.FinalScore = final
}

// GraphSearchResult is C7's response shape, mirroring ELOGSearchResult.
type GraphSearchResult struct {
	TotalFound int         `json:"total_found"`
	Hits       []*GraphHit `json:"hits"`
}
