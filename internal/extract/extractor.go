// Package extract mines stored artifacts for statements that recur across
// sessions and stages and groups them into promotion candidates.
//
// Matching is heuristic: canonical patterns first, then similarity clustering
// with the blended score from textsim. The thresholds live in pipeline.Policy.
package extract

import (
	"fmt"
	"sort"
	"unicode/utf8"

	"docpipe/internal/logging"
	"docpipe/internal/pipeline"
	"docpipe/internal/store"
	"docpipe/internal/textsim"
)

// Options bound an extraction run.
type Options struct {
	AllowedStages []pipeline.Stage
	MinSources    int
	MinSessions   int
	MinStages     int
	Limit         int // <= 0 means no limit
}

// DefaultOptions mines the planning stages and requires two of everything.
func DefaultOptions() Options {
	return Options{
		AllowedStages: DefaultStages(),
		MinSources:    2,
		MinSessions:   2,
		MinStages:     2,
		Limit:         20,
	}
}

// DefaultStages are the planning stages worth mining. Implementation and
// feedback describe outcomes rather than intent.
func DefaultStages() []pipeline.Stage {
	return []pipeline.Stage{
		pipeline.StageIntent,
		pipeline.StageContext,
		pipeline.StageSpec,
		pipeline.StagePlan,
		pipeline.StageTasks,
	}
}

// Candidate is a cluster of recurring statements proposed for promotion.
type Candidate struct {
	ClaimText               string                  `json:"claim_text"`
	SuggestedClassification pipeline.Classification `json:"suggested_classification"`
	Canonical               bool                    `json:"canonical"`
	SupportCount            int                     `json:"support_count"`
	SourceCount             int                     `json:"source_count"`
	Sessions                []string                `json:"sessions"`
	Stages                  []pipeline.Stage        `json:"stages"`
	Sources                 []pipeline.ArtifactRef  `json:"sources"`
}

// SourceRefs returns the references to hand to the evidence evaluator.
func (c Candidate) SourceRefs() []pipeline.ArtifactRef {
	out := make([]pipeline.ArtifactRef, len(c.Sources))
	copy(out, c.Sources)
	return out
}

// Extractor mines one store.
type Extractor struct {
	store    *store.Store
	policy   pipeline.Policy
	patterns []CanonicalPattern
}

// New creates an extractor with the default canonical patterns.
func New(s *store.Store, p pipeline.Policy) *Extractor {
	return &Extractor{store: s, policy: p, patterns: DefaultPatterns()}
}

// WithPatterns returns a copy of the extractor using patterns instead.
func (x *Extractor) WithPatterns(patterns []CanonicalPattern) *Extractor {
	cp := *x
	cp.patterns = patterns
	return &cp
}

type member struct {
	statement string
	artifact  store.Artifact
}

type cluster struct {
	pattern        *CanonicalPattern
	representative string
	normalized     string
	members        []member
}

func (c *cluster) add(m member, normalized string) {
	c.members = append(c.members, m)
	if c.pattern != nil {
		return
	}
	if shorter(m.statement, c.representative) {
		c.representative = m.statement
		c.normalized = normalized
	}
}

// shorter orders by length, then lexically, so the representative is stable.
func shorter(a, b string) bool {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	if la != lb {
		return la < lb
	}
	return a < b
}

// Extract returns the candidates of a project, best supported first.
func (x *Extractor) Extract(project string, opts Options) ([]Candidate, error) {
	timer := logging.StartTimer(logging.CategoryExtract, "Extract")
	defer timer.Stop()

	if opts.MinSources < 0 || opts.MinSessions < 0 || opts.MinStages < 0 {
		return nil, fmt.Errorf("%w: minimums must be >= 0", pipeline.ErrValidation)
	}
	allowed := opts.AllowedStages
	if len(allowed) == 0 {
		allowed = DefaultStages()
	}
	stageSet := make(map[pipeline.Stage]bool, len(allowed))
	for _, st := range allowed {
		if !st.Valid() {
			return nil, fmt.Errorf("%w: %q", pipeline.ErrInvalidStage, st)
		}
		stageSet[st] = true
	}

	artifacts, err := x.store.List(project, store.ArtifactFilter{})
	if err != nil {
		return nil, err
	}

	var clusters []*cluster
	canonical := make(map[string]*cluster)
	statements := 0

	for _, a := range artifacts {
		if !stageSet[a.Stage] {
			continue
		}
		seen := make(map[string]bool)
		for _, stmt := range Statements(a.Content) {
			norm := textsim.Normalize(stmt)
			if norm == "" || seen[norm] {
				continue
			}
			seen[norm] = true
			statements++
			m := member{statement: stmt, artifact: a}

			if p, ok := matchCanonical(x.patterns, stmt); ok {
				c := canonical[p.Name]
				if c == nil {
					pat := p
					c = &cluster{pattern: &pat, representative: p.Claim, normalized: textsim.Normalize(p.Claim)}
					canonical[p.Name] = c
					clusters = append(clusters, c)
				}
				c.add(m, norm)
				continue
			}

			var best *cluster
			bestScore := 0.0
			for _, c := range clusters {
				if c.pattern != nil {
					continue
				}
				score := textsim.Blended(norm, c.normalized, x.policy.SequenceWeight, x.policy.JaccardWeight)
				if score > bestScore {
					best, bestScore = c, score
				}
			}
			if best != nil && bestScore >= x.policy.ClusterThreshold {
				best.add(m, norm)
				continue
			}
			clusters = append(clusters, &cluster{representative: stmt, normalized: norm, members: []member{m}})
		}
	}

	var out []Candidate
	for _, c := range clusters {
		cand := c.candidate()
		if cand.SourceCount < opts.MinSources || len(cand.Sessions) < opts.MinSessions || len(cand.Stages) < opts.MinStages {
			continue
		}
		out = append(out, cand)
	}
	SortCandidates(out)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}

	logging.Extract("Extracted %d candidates from %d statements in %d artifacts (%d clusters)",
		len(out), statements, len(artifacts), len(clusters))
	return out, nil
}

func (c *cluster) candidate() Candidate {
	sources := make(map[string]pipeline.ArtifactRef)
	sessions := make(map[string]bool)
	stages := make(map[pipeline.Stage]bool)
	for _, m := range c.members {
		sources[m.artifact.ID] = m.artifact.Ref()
		sessions[m.artifact.Session] = true
		stages[m.artifact.Stage] = true
	}

	cand := Candidate{
		ClaimText:    c.representative,
		Canonical:    c.pattern != nil,
		SupportCount: len(c.members),
		SourceCount:  len(sources),
	}
	if c.pattern != nil {
		cand.SuggestedClassification = c.pattern.Classification
	} else {
		cand.SuggestedClassification = SuggestClassification(c.representative)
	}
	for s := range sessions {
		cand.Sessions = append(cand.Sessions, s)
	}
	sort.Strings(cand.Sessions)
	for st := range stages {
		cand.Stages = append(cand.Stages, st)
	}
	sort.Slice(cand.Stages, func(i, j int) bool { return cand.Stages[i].Rank() < cand.Stages[j].Rank() })
	for _, r := range sources {
		cand.Sources = append(cand.Sources, r)
	}
	sort.Slice(cand.Sources, func(i, j int) bool {
		if cand.Sources[i].Session != cand.Sources[j].Session {
			return cand.Sources[i].Session < cand.Sources[j].Session
		}
		return cand.Sources[i].Stage.Rank() < cand.Sources[j].Stage.Rank()
	})
	return cand
}

// SortCandidates orders by session count, stage count and support (all
// descending), then by shorter and lexically smaller claim text.
func SortCandidates(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if len(a.Sessions) != len(b.Sessions) {
			return len(a.Sessions) > len(b.Sessions)
		}
		if len(a.Stages) != len(b.Stages) {
			return len(a.Stages) > len(b.Stages)
		}
		if a.SupportCount != b.SupportCount {
			return a.SupportCount > b.SupportCount
		}
		la, lb := utf8.RuneCountInString(a.ClaimText), utf8.RuneCountInString(b.ClaimText)
		if la != lb {
			return la < lb
		}
		return a.ClaimText < b.ClaimText
	})
}
