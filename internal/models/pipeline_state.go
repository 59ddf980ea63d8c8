package models

import "time"

// Comment-harvest stage names, in execution order.
const (
	StageParseInput       = "parse_input"
	StageFetchAuthor      = "fetch_author"
	StageFetchComments    = "fetch_comments"
	StageDeduplicateUsers = "deduplicate_users"
	StageEnrichProfiles   = "enrich_profiles"
	StageFetchPosts       = "fetch_posts"
	StageFinalize         = "finalize"
)

// StageState holds stage-specific checkpoint progress. Counters only
// move forward; a merge never rolls a recorded value back.
type StageState struct {
	// PageParams is the full multi-field pagination descriptor saved
	// after the last fully processed page.
	PageParams map[string]string `json:"page_params,omitempty"`
	// Cursor is the single-token continuation, kept alongside the full
	// descriptor for callers that only carry a cursor.
	Cursor            string     `json:"cursor,omitempty"`
	PagesFetched      int        `json:"pages_fetched,omitempty"`
	ItemsFetched      int        `json:"items_fetched,omitempty"`
	PagesWithNewItems int        `json:"pages_with_new_items,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// StageEvent is one timestamped entry in the pipeline event log.
type StageEvent struct {
	At      time.Time `json:"at"`
	Level   string    `json:"level"`
	Stage   string    `json:"stage"`
	Message string    `json:"message"`
}

// PipelineState is the merge-only nested checkpoint blob stored on a
// job. It is treated as an immutable snapshot: stage functions build a
// patch, and MergeStage folds it into a copy that replaces the old
// snapshot at the next checkpoint.
type PipelineState struct {
	CurrentStage string                `json:"current_stage,omitempty"`
	Stages       map[string]StageState `json:"stages,omitempty"`
	Events       []StageEvent          `json:"events,omitempty"`
}

// Clone returns a deep copy of the state.
func (s PipelineState) Clone() PipelineState {
	out := PipelineState{CurrentStage: s.CurrentStage}
	if s.Stages != nil {
		out.Stages = make(map[string]StageState, len(s.Stages))
		for name, st := range s.Stages {
			cp := st
			if st.PageParams != nil {
				cp.PageParams = make(map[string]string, len(st.PageParams))
				for k, v := range st.PageParams {
					cp.PageParams[k] = v
				}
			}
			out.Stages[name] = cp
		}
	}
	if len(s.Events) > 0 {
		out.Events = make([]StageEvent, len(s.Events))
		copy(out.Events, s.Events)
	}
	return out
}

// MergeStage folds a stage patch into the state and returns the merged
// snapshot. Merge semantics are append/forward-only: counters keep the
// larger value, params and cursor are replaced only when the patch
// carries them, and timestamps are never cleared.
func (s PipelineState) MergeStage(stage string, patch StageState) PipelineState {
	out := s.Clone()
	out.CurrentStage = stage
	if out.Stages == nil {
		out.Stages = make(map[string]StageState)
	}

	cur := out.Stages[stage]

	if len(patch.PageParams) > 0 {
		cur.PageParams = make(map[string]string, len(patch.PageParams))
		for k, v := range patch.PageParams {
			cur.PageParams[k] = v
		}
	}
	if patch.Cursor != "" {
		cur.Cursor = patch.Cursor
	}
	if patch.PagesFetched > cur.PagesFetched {
		cur.PagesFetched = patch.PagesFetched
	}
	if patch.ItemsFetched > cur.ItemsFetched {
		cur.ItemsFetched = patch.ItemsFetched
	}
	if patch.PagesWithNewItems > cur.PagesWithNewItems {
		cur.PagesWithNewItems = patch.PagesWithNewItems
	}
	if cur.StartedAt == nil && patch.StartedAt != nil {
		cur.StartedAt = patch.StartedAt
	}
	if cur.CompletedAt == nil && patch.CompletedAt != nil {
		cur.CompletedAt = patch.CompletedAt
	}

	out.Stages[stage] = cur
	return out
}

// AppendEvent returns the state with one event appended.
func (s PipelineState) AppendEvent(level, stage, message string) PipelineState {
	out := s.Clone()
	out.Events = append(out.Events, StageEvent{
		At:      time.Now().UTC(),
		Level:   level,
		Stage:   stage,
		Message: message,
	})
	return out
}

// Stage returns the recorded state for a stage, zero value when absent.
func (s PipelineState) Stage(name string) StageState {
	if s.Stages == nil {
		return StageState{}
	}
	return s.Stages[name]
}

// MidPagination reports whether the final checkpoint of the given
// fetch stage was taken before the stage completed, meaning a resume
// should re-enter pagination at the saved descriptor.
func (s PipelineState) MidPagination(stage string) bool {
	st := s.Stage(stage)
	return st.CompletedAt == nil && (len(st.PageParams) > 0 || st.Cursor != "" || st.PagesFetched > 0)
}
