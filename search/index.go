// Package search implements the description and member indices and the
// composable query primitives that target them (query.go), realising
// queries to concept-id sets or scored result streams.
package search

import (
	"fmt"
	"strconv"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/wardle/hermes/snomed"
)

// document is the per-description stored document.
// Faceted multi-valued fields (concept-refsets, description-refsets,
// preferred-in, acceptable-in, parents-isa, attr:<typeId>) are folded
// into a single Keywords field using a short prefix per facet, avoiding
// one bleve sub-field per facet.
type document struct {
	DescriptionID     string   `json:"descriptionId"`
	ConceptID         string   `json:"conceptId"`
	Term              string   `json:"term"`
	TermFolded        string   `json:"termFolded"`
	TypeID            string   `json:"typeId"`
	ActiveDescription bool     `json:"activeDescription"`
	ActiveConcept     bool     `json:"activeConcept"`
	IsFSN             bool     `json:"isFSN"`
	IsSynonym         bool     `json:"isSynonym"`
	Keywords          []string `json:"keywords"`
}

// Keyword facet prefixes.
const (
	prefixParentISA         = "pi:" // transitive IS-A ancestor
	prefixDirectParentISA   = "dp:" // direct IS-A parent
	prefixConceptRefset     = "cr:" // concept-level refset membership
	prefixDescriptionRefset = "dr:" // description-level refset membership
	prefixPreferredIn       = "pf:" // preferred-in refset id
	prefixAcceptableIn      = "ap:" // acceptable-in refset id
	prefixAttribute         = "at:" // attr:<typeId>=<destinationId>
	prefixAttributeAtLeast  = "ac:" // attr:<typeId>:<n> cumulative "has at least n" marker, for cardinality refinements
)

func keywordsFor(ed *snomed.ExtendedDescription) []string {
	var kws []string
	for _, id := range ed.RecursiveParentIDs {
		kws = append(kws, prefixParentISA+strconv.FormatInt(id, 10))
	}
	for _, id := range ed.DirectParentIDs {
		kws = append(kws, prefixDirectParentISA+strconv.FormatInt(id, 10))
	}
	for _, id := range ed.ConceptRefsets {
		kws = append(kws, prefixConceptRefset+strconv.FormatInt(id, 10))
	}
	for _, id := range ed.DescriptionRefsets {
		kws = append(kws, prefixDescriptionRefset+strconv.FormatInt(id, 10))
	}
	for _, id := range ed.PreferredIn {
		kws = append(kws, prefixPreferredIn+strconv.FormatInt(id, 10))
	}
	for _, id := range ed.AcceptableIn {
		kws = append(kws, prefixAcceptableIn+strconv.FormatInt(id, 10))
	}
	for typeID, destIDs := range ed.AttributeIDs {
		for _, destID := range destIDs {
			kws = append(kws, fmt.Sprintf("%s%d=%d", prefixAttribute, typeID, destID))
		}
		// cumulative "at least n" markers let a bounded cardinality range
		// [m..n] be realised as a single must(>=m) + must-not(>=n+1) pair
		// without a dedicated numeric field per attribute type.
		for n := 1; n <= len(destIDs); n++ {
			kws = append(kws, fmt.Sprintf("%s%d:%d", prefixAttributeAtLeast, typeID, n))
		}
	}
	return kws
}

// Index wraps a bleve index over description documents.
type Index struct {
	bi bleve.Index
}

func newMapping() mapping.IndexMapping {
	m := bleve.NewIndexMapping()
	m.DefaultAnalyzer = "en"

	keywordFieldMapping := bleve.NewTextFieldMapping()
	keywordFieldMapping.Analyzer = keyword.Name

	idMapping := bleve.NewDocumentMapping()
	idMapping.AddFieldMappingsAt("descriptionId", keywordFieldMapping)
	idMapping.AddFieldMappingsAt("conceptId", keywordFieldMapping)
	idMapping.AddFieldMappingsAt("typeId", keywordFieldMapping)
	idMapping.AddFieldMappingsAt("keywords", keywordFieldMapping)

	termFieldMapping := bleve.NewTextFieldMapping()
	termFieldMapping.Analyzer = "en"
	idMapping.AddFieldMappingsAt("term", termFieldMapping)
	idMapping.AddFieldMappingsAt("termFolded", termFieldMapping)

	boolMapping := bleve.NewBooleanFieldMapping()
	idMapping.AddFieldMappingsAt("activeDescription", boolMapping)
	idMapping.AddFieldMappingsAt("activeConcept", boolMapping)
	idMapping.AddFieldMappingsAt("isFSN", boolMapping)
	idMapping.AddFieldMappingsAt("isSynonym", boolMapping)

	m.DefaultMapping = idMapping
	return m
}

// NewIndex opens (or creates) the description index at path. An empty
// path opens an in-memory index, used by tests and small fixtures.
func NewIndex(path string) (*Index, error) {
	if path == "" {
		bi, err := bleve.NewMemOnly(newMapping())
		if err != nil {
			return nil, err
		}
		return &Index{bi: bi}, nil
	}
	bi, err := bleve.Open(path)
	if err == nil {
		return &Index{bi: bi}, nil
	}
	bi, err = bleve.New(path, newMapping())
	if err != nil {
		return nil, err
	}
	return &Index{bi: bi}, nil
}

// Close releases the index's resources.
func (ix *Index) Close() error { return ix.bi.Close() }

// IndexDescriptions adds or replaces documents for the given extended
// descriptions in a single batch, append-only within a build.
func (ix *Index) IndexDescriptions(eds []*snomed.ExtendedDescription) error {
	batch := ix.bi.NewBatch()
	for _, ed := range eds {
		doc := document{
			DescriptionID:     strconv.FormatInt(ed.Description.ID, 10),
			ConceptID:         strconv.FormatInt(ed.Description.ConceptID, 10),
			Term:              ed.Description.Term,
			TermFolded:        foldTerm(ed.Description.Term),
			TypeID:            strconv.FormatInt(ed.Description.TypeID, 10),
			ActiveDescription: ed.Description.Active,
			ActiveConcept:     ed.ConceptActive,
			IsFSN:             ed.Description.IsFSN(),
			IsSynonym:         ed.Description.IsSynonym(),
			Keywords:          keywordsFor(ed),
		}
		if err := batch.Index(doc.DescriptionID, doc); err != nil {
			return err
		}
	}
	return ix.bi.Batch(batch)
}
