package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/StudyPipe/internal/models"
)

// FollowUpSeparator joins a base block id and the follow-up index.
const FollowUpSeparator = "::followup::"

// FollowUpID returns the deterministic id of the n-th follow-up of baseID.
func FollowUpID(baseID string, n int) string {
	return fmt.Sprintf("%s%s%d", baseID, FollowUpSeparator, n)
}

// BlockGraph is a read-only, ordered view over a study's blocks. Traversal
// order is the slice order of the study's blocks, with any generated
// follow-ups placed immediately after their base block.
type BlockGraph struct {
	studyID   string
	order     []string
	blocks    map[string]models.BlockDef
	index     map[string]int
	baseOf    map[string]string
	followUps map[string][]string
}

// NewBlockGraph builds the static graph for a study. Duplicate ids keep the
// first definition; ValidateStudy reports them at authoring time.
func NewBlockGraph(study models.Study) *BlockGraph {
	g := &BlockGraph{
		studyID:   study.ID,
		order:     make([]string, 0, len(study.Blocks)),
		blocks:    make(map[string]models.BlockDef, len(study.Blocks)),
		index:     make(map[string]int, len(study.Blocks)),
		baseOf:    make(map[string]string),
		followUps: make(map[string][]string),
	}
	for _, b := range study.Blocks {
		if _, dup := g.blocks[b.ID]; dup {
			continue
		}
		g.blocks[b.ID] = b
		g.index[b.ID] = len(g.order)
		g.order = append(g.order, b.ID)
	}
	return g
}

// WithFollowUps returns a session-scoped copy of g with the generated
// follow-up blocks inserted after their base blocks. Unknown bases are ignored.
func (g *BlockGraph) WithFollowUps(followUps map[string][]models.BlockDef) *BlockGraph {
	if len(followUps) == 0 {
		return g
	}
	out := &BlockGraph{
		studyID:   g.studyID,
		order:     make([]string, 0, len(g.order)),
		blocks:    make(map[string]models.BlockDef, len(g.blocks)),
		index:     make(map[string]int, len(g.index)),
		baseOf:    make(map[string]string),
		followUps: make(map[string][]string),
	}
	for _, id := range g.order {
		if _, isFollowUp := g.baseOf[id]; isFollowUp {
			continue
		}
		out.add(g.blocks[id])
		for _, fu := range followUps[id] {
			if _, exists := out.blocks[fu.ID]; exists {
				continue
			}
			out.add(fu)
			out.baseOf[fu.ID] = id
			out.followUps[id] = append(out.followUps[id], fu.ID)
		}
	}
	return out
}

func (g *BlockGraph) add(b models.BlockDef) {
	g.blocks[b.ID] = b
	g.index[b.ID] = len(g.order)
	g.order = append(g.order, b.ID)
}

// StudyID returns the id of the study the graph was built from.
func (g *BlockGraph) StudyID() string { return g.studyID }

// Len returns the number of blocks, follow-ups included.
func (g *BlockGraph) Len() int { return len(g.order) }

// Block looks up a block by id.
func (g *BlockGraph) Block(id string) (models.BlockDef, bool) {
	b, ok := g.blocks[id]
	return b, ok
}

// First returns the first block in traversal order.
func (g *BlockGraph) First() (models.BlockDef, bool) {
	if len(g.order) == 0 {
		return models.BlockDef{}, false
	}
	return g.blocks[g.order[0]], true
}

// StaticNext returns the id following id in traversal order, or "" at the end.
func (g *BlockGraph) StaticNext(id string) string {
	i, ok := g.index[id]
	if !ok || i+1 >= len(g.order) {
		return ""
	}
	return g.order[i+1]
}

// BaseOf returns the base block id of a generated follow-up.
func (g *BlockGraph) BaseOf(id string) (string, bool) {
	base, ok := g.baseOf[id]
	return base, ok
}

// FollowUpsOf returns the follow-up ids generated for baseID, in order.
func (g *BlockGraph) FollowUpsOf(baseID string) []string {
	return g.followUps[baseID]
}

// IDs returns block ids in traversal order.
func (g *BlockGraph) IDs() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// IsFollowUpID reports whether id has the generated follow-up shape.
func IsFollowUpID(id string) bool {
	return strings.Contains(id, FollowUpSeparator)
}
