package models

// CreateCardRequest contains fields for creating a new card. The id is
// allocated by the store.
type CreateCardRequest struct {
	Type           CardType     `json:"type"`
	Priority       Priority     `json:"priority"`
	Title          string       `json:"title"`
	Summary        string       `json:"summary"`
	OwnerAgentID   string       `json:"owner_agent_id"`
	SessionID      string       `json:"session_id"`
	ParentCardID   string       `json:"parent_card_id,omitempty"`
	Links          CardLinks    `json:"links,omitempty"`
	Risk           float64      `json:"risk"`
	Confidence     float64      `json:"confidence"`
	CoverageImpact float64      `json:"coverage_impact"`
	Routing        *Routing     `json:"routing,omitempty"`
	ProposedFix    *ProposedFix `json:"proposed_fix,omitempty"`
}

// CardPatch is a partial update applied by UpdateCard. Nil fields are left
// untouched; the applied patch is recorded in the card's audit log.
type CardPatch struct {
	Status      *CardStatus  `json:"status,omitempty"`
	Priority    *Priority    `json:"priority,omitempty"`
	Title       *string      `json:"title,omitempty"`
	Summary     *string      `json:"summary,omitempty"`
	Routing     *Routing     `json:"routing,omitempty"`
	ProposedFix *ProposedFix `json:"proposed_fix,omitempty"`
	Actor       string       `json:"-"`
}

// CardFilters contains filtering options for listing cards.
type CardFilters struct {
	Type         CardType   `json:"type,omitempty"`
	Status       CardStatus `json:"status,omitempty"`
	OwnerAgentID string     `json:"owner_agent_id,omitempty"`
	ParentCardID string     `json:"parent_card_id,omitempty"`
	SessionID    string     `json:"session_id,omitempty"`
	Limit        int        `json:"limit,omitempty"`
	Offset       int        `json:"offset,omitempty"`
}

// CardListResponse contains a paginated card list.
type CardListResponse struct {
	Cards      []*Card `json:"cards"`
	TotalCount int     `json:"total_count"`
	Limit      int     `json:"limit"`
	Offset     int     `json:"offset"`
}

// AgentFilters contains filtering options for listing agents.
type AgentFilters struct {
	SessionID string      `json:"session_id,omitempty"`
	Scope     AgentScope  `json:"scope,omitempty"`
	Status    AgentStatus `json:"status,omitempty"`
	ParentID  string      `json:"parent_id,omitempty"`
	Limit     int         `json:"limit,omitempty"`
	Offset    int         `json:"offset,omitempty"`
}

// AgentListResponse contains a paginated agent list.
type AgentListResponse struct {
	Agents     []*Agent `json:"agents"`
	TotalCount int      `json:"total_count"`
	Limit      int      `json:"limit"`
	Offset     int      `json:"offset"`
}

// SessionFilters contains filtering options for listing analysis sessions.
type SessionFilters struct {
	Path   string        `json:"path,omitempty"`
	Mode   AnalysisMode  `json:"mode,omitempty"`
	Status SessionStatus `json:"status,omitempty"`
	Limit  int           `json:"limit,omitempty"`
	Offset int           `json:"offset,omitempty"`
}

// SessionListResponse contains a paginated session list.
type SessionListResponse struct {
	Sessions   []*AnalysisSession `json:"sessions"`
	TotalCount int                `json:"total_count"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
}
