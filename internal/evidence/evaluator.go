package evidence

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"docpipe/internal/logging"
	"docpipe/internal/pipeline"
	"docpipe/internal/store"
	"docpipe/internal/textsim"
)

// Evaluator runs the promotion gate against an artifact store.
type Evaluator struct {
	store    *store.Store
	policy   pipeline.Policy
	detector Detector
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithDetector replaces the sentence-level contradiction heuristics.
func WithDetector(d Detector) Option {
	return func(e *Evaluator) {
		if d != nil {
			e.detector = d
		}
	}
}

// NewEvaluator creates an evaluator bound to s and policy p.
func NewEvaluator(s *store.Store, p pipeline.Policy, opts ...Option) *Evaluator {
	e := &Evaluator{
		store:    s,
		policy:   p,
		detector: DefaultDetector(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Request is one claim proposed for promotion.
type Request struct {
	Project            string
	ClaimText          string
	Classification     pipeline.Classification
	Sources            []pipeline.ArtifactRef
	MinConvergenceDays int
}

// Evaluate scores the request without writing anything.
func (e *Evaluator) Evaluate(req Request) (Decision, error) {
	return e.evaluate(e.store, req)
}

// EvaluateAndRecord evaluates the request and, unless dryRun is set, persists
// the candidate, its sources and the decision record in one transaction.
// DENY decisions are recorded like ALLOW ones.
func (e *Evaluator) EvaluateAndRecord(req Request, dryRun bool) (Decision, error) {
	if dryRun {
		return e.Evaluate(req)
	}

	var decision Decision
	err := e.store.WithTx(func(tx *store.Tx) error {
		d, err := e.evaluate(tx, req)
		if err != nil {
			return err
		}

		evidenceJSON, err := CanonicalJSON(d.Evidence)
		if err != nil {
			return err
		}
		sources := make([]store.CandidateSource, 0, len(d.Evidence.Sources))
		for _, src := range d.Evidence.Sources {
			sources = append(sources, store.CandidateSource{ArtifactID: src.ArtifactID, ContentHash: src.ContentHash})
		}

		rec, err := tx.InsertPromotion(store.NewPromotion{
			Project:        d.Evidence.Project,
			ClaimText:      d.Evidence.ClaimText,
			Classification: d.Evidence.Classification,
			Status:         d.Status,
			FailedChecks:   d.FailedChecks,
			EvidenceJSON:   string(evidenceJSON),
			EvidenceHash:   d.EvidenceHash,
			Sources:        sources,
		})
		if err != nil {
			return err
		}
		d.RecordID = rec.ID
		decision = d
		return nil
	})
	if err != nil {
		return Decision{}, err
	}

	logging.Evidence("Recorded %s for %q as %s", decision.Status, truncate(decision.Evidence.ClaimText, 60), decision.RecordID)
	return decision, nil
}

func (e *Evaluator) evaluate(r store.Reader, req Request) (Decision, error) {
	timer := logging.StartTimer(logging.CategoryEvidence, "Evaluate")
	defer timer.Stop()

	claim := strings.TrimSpace(req.ClaimText)
	if claim == "" {
		return Decision{}, fmt.Errorf("%w: claim text must be non-empty", pipeline.ErrValidation)
	}
	if len(req.Sources) == 0 {
		return Decision{}, fmt.Errorf("%w: at least one source artifact is required", pipeline.ErrValidation)
	}
	if req.MinConvergenceDays < 0 {
		return Decision{}, fmt.Errorf("%w: min convergence days must be >= 0", pipeline.ErrValidation)
	}

	sources, err := loadSources(r, req.Project, req.Sources)
	if err != nil {
		return Decision{}, err
	}

	bundle := Bundle{
		Project:            req.Project,
		ClaimText:          claim,
		Classification:     req.Classification,
		MinConvergenceDays: req.MinConvergenceDays,
		Sources:            make([]SourceSnapshot, 0, len(sources)),
		Feedback:           []string{},
	}
	for _, a := range sources {
		bundle.Sources = append(bundle.Sources, snapshot(a))
	}

	failed := []string{}

	sessions, stages := diversity(sources)
	bundle.Metrics.DistinctSessions = len(sessions)
	bundle.Metrics.DistinctStages = len(stages)
	if len(sessions) < MinDistinctSessions {
		failed = append(failed, CheckSessionDiversity)
	}
	if len(stages) < MinDistinctStages {
		failed = append(failed, CheckStageDiversity)
	}

	maxSim, duplicate := e.duplicates(sources)
	bundle.Metrics.MaxPairwiseSimilarity = round4(maxSim)
	if duplicate {
		failed = append(failed, CheckDuplicateStatement)
	}

	if !e.policy.AllowsClassification(req.Classification) {
		failed = append(failed, CheckClassification)
	}

	feedback, err := collectFeedback(r, req.Project, sources, sessions)
	if err != nil {
		return Decision{}, err
	}
	contradicted, err := e.contradictions(r, req.Project, feedback)
	if err != nil {
		return Decision{}, err
	}
	for _, fb := range feedback {
		bundle.Feedback = append(bundle.Feedback, fb.ID)
	}
	bundle.Metrics.FeedbackSignals = len(feedback)
	bundle.Metrics.ContradictionSignals = contradicted
	if len(feedback) == 0 {
		failed = append(failed, CheckMissingFeedback)
	}
	if contradicted > 0 {
		failed = append(failed, CheckContradicted)
	}

	spread := spreadDays(sources)
	bundle.Metrics.TimestampSpreadDays = round4(spread)
	if spread < float64(req.MinConvergenceDays) {
		failed = append(failed, CheckTemporalStability)
	}

	hash, _, err := Hash(bundle)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Status:       pipeline.DecisionAllow,
		FailedChecks: failed,
		Evidence:     bundle,
		EvidenceHash: hash,
	}
	if len(failed) > 0 {
		d.Status = pipeline.DecisionDeny
	}

	logging.EvidenceDebug("Evaluated %q: %s %v (hash=%s)", truncate(claim, 60), d.Status, failed, hash[:12])
	return d, nil
}

// loadSources resolves refs, drops repeats and orders by artifact id.
func loadSources(r store.Reader, project string, refs []pipeline.ArtifactRef) ([]store.Artifact, error) {
	seen := make(map[string]bool, len(refs))
	out := make([]store.Artifact, 0, len(refs))
	for _, ref := range refs {
		id := pipeline.ArtifactID(project, ref.Session, ref.Stage)
		if seen[id] {
			continue
		}
		seen[id] = true
		a, err := r.Load(project, ref.Session, ref.Stage)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", ref, err)
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func diversity(sources []store.Artifact) (sessions []string, stages []pipeline.Stage) {
	seenSession := make(map[string]bool)
	seenStage := make(map[pipeline.Stage]bool)
	for _, a := range sources {
		if !seenSession[a.Session] {
			seenSession[a.Session] = true
			sessions = append(sessions, a.Session)
		}
		if !seenStage[a.Stage] {
			seenStage[a.Stage] = true
			stages = append(stages, a.Stage)
		}
	}
	sort.Strings(sessions)
	return sessions, stages
}

// duplicates returns the highest pairwise sequence ratio between normalized
// sources and whether any pair counts as the same statement.
func (e *Evaluator) duplicates(sources []store.Artifact) (float64, bool) {
	normalized := make([]string, len(sources))
	for i, a := range sources {
		normalized[i] = textsim.Normalize(a.Content)
	}

	maxSim := 0.0
	duplicate := false
	for i := 0; i < len(sources); i++ {
		for j := i + 1; j < len(sources); j++ {
			sim := textsim.SequenceRatio(normalized[i], normalized[j])
			if sim > maxSim {
				maxSim = sim
			}
			if sources[i].Fingerprint == sources[j].Fingerprint || sim > e.policy.DuplicateThreshold {
				duplicate = true
			}
		}
	}
	return maxSim, duplicate
}

// collectFeedback gathers the feedback artifacts of the involved sessions plus
// feedback linked to any source in the dependency graph.
func collectFeedback(r store.Reader, project string, sources []store.Artifact, sessions []string) ([]store.Artifact, error) {
	byID := make(map[string]store.Artifact)
	for _, session := range sessions {
		fb, err := r.Load(project, session, pipeline.StageFeedback)
		if errors.Is(err, pipeline.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		byID[fb.ID] = fb
	}

	ids := make([]string, 0, len(sources))
	for _, a := range sources {
		ids = append(ids, a.ID)
	}
	linked, err := r.LinkedFeedback(project, ids)
	if err != nil {
		return nil, err
	}
	for _, fb := range linked {
		byID[fb.ID] = fb
	}

	out := make([]store.Artifact, 0, len(byID))
	for _, fb := range byID {
		out = append(out, fb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// contradictions counts feedback artifacts that dispute the claim: either a
// bracketed marker found by the store scan or a detector match.
func (e *Evaluator) contradictions(r store.Reader, project string, feedback []store.Artifact) (int, error) {
	if len(feedback) == 0 {
		return 0, nil
	}
	inScope := make(map[string]bool, len(feedback))
	for _, fb := range feedback {
		inScope[fb.ID] = true
	}

	flagged := make(map[string]bool)
	for _, marker := range ContradictionMarkers {
		hits, err := r.FindByMarker(project, pipeline.StageFeedback, marker)
		if err != nil {
			return 0, err
		}
		for _, a := range hits {
			if inScope[a.ID] {
				flagged[a.ID] = true
			}
		}
	}
	for _, fb := range feedback {
		if !flagged[fb.ID] && e.detector.Contradicts(fb) {
			flagged[fb.ID] = true
		}
	}
	return len(flagged), nil
}

func spreadDays(sources []store.Artifact) float64 {
	if len(sources) < 2 {
		return 0
	}
	earliest := sources[0].UpdatedAt
	latest := sources[0].UpdatedAt
	for _, a := range sources[1:] {
		if a.UpdatedAt.Before(earliest) {
			earliest = a.UpdatedAt
		}
		if a.UpdatedAt.After(latest) {
			latest = a.UpdatedAt
		}
	}
	return latest.Sub(earliest).Hours() / 24
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
