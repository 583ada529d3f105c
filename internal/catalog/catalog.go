// Package catalog holds the static per-work-type phase tables. The catalog is
// pure data: it never touches the store and is loaded once at startup.
package catalog

import (
	"fmt"
	"sort"

	"flow-orchestrator/backend/pkg/models"
)

// PhaseDefinition describes one ordered phase of a work type.
type PhaseDefinition struct {
	Name            string
	Ordinal         int
	InputSchemaRef  string
	OutputSchemaRef string
}

// ErrUnknownWorkType is returned for work types the catalog does not define.
type ErrUnknownWorkType struct {
	WorkType models.WorkType
}

func (e *ErrUnknownWorkType) Error() string {
	return fmt.Sprintf("unknown work type %q", e.WorkType)
}

// Catalog maps work types to their ordered phases and to the child-flow
// phase vocabulary. The vocabulary is an explicit table: some work types name
// phases differently in their projection rows, and inferring the mapping
// from strings is exactly the bug class this table exists to kill.
type Catalog struct {
	phases     map[models.WorkType][]PhaseDefinition
	childNames map[models.WorkType]map[string]string
}

// New returns the catalog for the work types this service ships.
func New() *Catalog {
	c := &Catalog{
		phases:     make(map[models.WorkType][]PhaseDefinition),
		childNames: make(map[models.WorkType]map[string]string),
	}

	c.register(models.WorkTypeDiscovery,
		[]PhaseDefinition{
			{Name: "scan_sources", Ordinal: 1, InputSchemaRef: "discovery/scan-input.json", OutputSchemaRef: "discovery/scan-output.json"},
			{Name: "map_entities", Ordinal: 2, InputSchemaRef: "discovery/map-input.json", OutputSchemaRef: "discovery/map-output.json"},
			{Name: "summarize_inventory", Ordinal: 3, InputSchemaRef: "discovery/summary-input.json", OutputSchemaRef: "discovery/summary-output.json"},
		},
		map[string]string{
			"scan_sources":        "scanning",
			"map_entities":        "entity_mapping",
			"summarize_inventory": "inventory_summary",
		})

	c.register(models.WorkTypeCollection,
		[]PhaseDefinition{
			{Name: "plan_extraction", Ordinal: 1, InputSchemaRef: "collection/plan-input.json", OutputSchemaRef: "collection/plan-output.json"},
			{Name: "extract_records", Ordinal: 2, InputSchemaRef: "collection/extract-input.json", OutputSchemaRef: "collection/extract-output.json"},
			{Name: "cleanse_records", Ordinal: 3, InputSchemaRef: "collection/cleanse-input.json", OutputSchemaRef: "collection/cleanse-output.json"},
			{Name: "load_records", Ordinal: 4, InputSchemaRef: "collection/load-input.json", OutputSchemaRef: "collection/load-output.json"},
		},
		map[string]string{
			"plan_extraction": "planning",
			"extract_records": "extraction",
			"cleanse_records": "cleansing",
			"load_records":    "loading",
		})

	c.register(models.WorkTypeAssessment,
		[]PhaseDefinition{
			{Name: "profile_estate", Ordinal: 1, InputSchemaRef: "assessment/profile-input.json", OutputSchemaRef: "assessment/profile-output.json"},
			{Name: "score_readiness", Ordinal: 2, InputSchemaRef: "assessment/score-input.json", OutputSchemaRef: "assessment/score-output.json"},
			{Name: "compile_report", Ordinal: 3, InputSchemaRef: "assessment/report-input.json", OutputSchemaRef: "assessment/report-output.json"},
		},
		map[string]string{
			"profile_estate":  "profiling",
			"score_readiness": "scoring",
			"compile_report":  "reporting",
		})

	return c
}

func (c *Catalog) register(wt models.WorkType, phases []PhaseDefinition, childNames map[string]string) {
	sort.Slice(phases, func(i, j int) bool { return phases[i].Ordinal < phases[j].Ordinal })
	c.phases[wt] = phases
	c.childNames[wt] = childNames
}

// Phases returns the ordered phase list of a work type.
func (c *Catalog) Phases(wt models.WorkType) ([]PhaseDefinition, error) {
	phases, ok := c.phases[wt]
	if !ok {
		return nil, &ErrUnknownWorkType{WorkType: wt}
	}
	return phases, nil
}

// Total returns the number of phases a work type defines.
func (c *Catalog) Total(wt models.WorkType) (int, error) {
	phases, err := c.Phases(wt)
	if err != nil {
		return 0, err
	}
	return len(phases), nil
}

// NextPhase returns the first phase, in ordinal order, not yet marked
// completed. A nil result with a nil error means every phase is done.
func (c *Catalog) NextPhase(wt models.WorkType, completed map[string]bool) (*PhaseDefinition, error) {
	phases, err := c.Phases(wt)
	if err != nil {
		return nil, err
	}
	for i := range phases {
		if !completed[phases[i].Name] {
			p := phases[i]
			return &p, nil
		}
	}
	return nil, nil
}

// TerminalPhase returns the last phase of a work type.
func (c *Catalog) TerminalPhase(wt models.WorkType) (*PhaseDefinition, error) {
	phases, err := c.Phases(wt)
	if err != nil {
		return nil, err
	}
	p := phases[len(phases)-1]
	return &p, nil
}

// ChildPhaseName maps a canonical phase name onto the work type's child-flow
// vocabulary. Unmapped names pass through unchanged.
func (c *Catalog) ChildPhaseName(wt models.WorkType, canonical string) string {
	if names, ok := c.childNames[wt]; ok {
		if mapped, ok := names[canonical]; ok {
			return mapped
		}
	}
	return canonical
}

// CompletionList builds the ordered child-flow completion entries for a work
// type from the master state's completed set.
func (c *Catalog) CompletionList(wt models.WorkType, completed map[string]bool) ([]models.PhaseCompletion, error) {
	phases, err := c.Phases(wt)
	if err != nil {
		return nil, err
	}
	list := make([]models.PhaseCompletion, 0, len(phases))
	for _, p := range phases {
		list = append(list, models.PhaseCompletion{
			Name:      c.ChildPhaseName(wt, p.Name),
			Completed: completed[p.Name],
		})
	}
	return list, nil
}
