// Package generation implements the Generation stage: it turns a query and
// collected evidence into an initial set of 3-5 hypotheses.
//
// # Paths
//
// Seeds carried from the previous cycle are returned without an oracle call.
// Otherwise the oracle is asked for a JSON list; when that yields nothing
// usable, concepts mined from the evidence are templated into hypotheses,
// and with no evidence at all a fixed default set is returned.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"secondmind/internal/logging"
	"secondmind/internal/perception"
	"secondmind/internal/recovery"
	"secondmind/internal/store"
	"secondmind/internal/types"
)

// Operation is the oracle operation name used by this stage.
const Operation = "generation"

const (
	temperature     = 0.7
	promptEvidence  = 3
	maxSourceLinks  = 3
	excerptLength   = 500
	defaultMinimum  = 3
	defaultMaximum  = 5
	webDataRelevant = 0.8
	summaryRelevant = 0.9
)

// Method records which path produced the hypotheses.
type Method string

const (
	MethodSeeds     Method = "seeds"
	MethodOracle    Method = "oracle"
	MethodHeuristic Method = "heuristic"
	MethodDefault   Method = "default"
)

// Config bounds the size of a generated set.
type Config struct {
	MinHypotheses int
	MaxHypotheses int
}

// Input is what the stage consumes.
type Input struct {
	SessionID string
	Cycle     int
	Query     string
	Evidence  []types.EvidenceItem
	Seeds     []types.Hypothesis
}

// Output is what the stage produces.
type Output struct {
	Hypotheses []types.Hypothesis
	Method     Method
}

// Degraded reports whether a fallback path produced the output.
func (o Output) Degraded() bool {
	return o.Method == MethodHeuristic || o.Method == MethodDefault
}

// Stage is the Generation stage.
type Stage struct {
	oracle perception.Oracle
	store  store.Store
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New creates the stage.
func New(oracle perception.Oracle, st store.Store, cfg Config, logger *zap.Logger) *Stage {
	if cfg.MinHypotheses <= 0 {
		cfg.MinHypotheses = defaultMinimum
	}
	if cfg.MaxHypotheses < cfg.MinHypotheses {
		cfg.MaxHypotheses = max(defaultMaximum, cfg.MinHypotheses)
	}
	return &Stage{
		oracle: oracle,
		store:  st,
		cfg:    cfg,
		logger: logging.For(logger, logging.CategoryGeneration),
		now:    time.Now,
	}
}

var hypothesisSchema = recovery.Schema{
	Shape: recovery.ShapeArray,
	Fields: []recovery.Field{
		{Name: "statement", Kind: recovery.KindString, Required: true},
		{Name: "confidence", Kind: recovery.KindNumber, Required: true},
		{Name: "rationale", Kind: recovery.KindString},
	},
}

// Run produces the hypothesis set. It never fails: every error degrades to a
// fallback path and the result always holds at least MinHypotheses entries.
func (s *Stage) Run(ctx context.Context, in Input) Output {
	log := logging.Session(s.logger, in.SessionID, in.Cycle)

	var out Output
	err := types.Safely(func() error {
		if err := types.Require("generation", "query", strings.TrimSpace(in.Query)); err != nil {
			return err
		}
		out = s.generate(ctx, log, in)
		return nil
	})
	if err != nil {
		var pe *types.PanicError
		if errors.As(err, &pe) {
			log.Error("generation panicked, using default set", zap.Error(err))
		} else {
			log.Warn("generation degraded to default set", zap.Error(err))
		}
		out = Output{Hypotheses: s.defaults(in.SessionID, in.Cycle, in.Query, len(in.Evidence)), Method: MethodDefault}
	}

	s.persist(ctx, log, in, &out)
	log.Info("hypotheses generated",
		zap.String("method", string(out.Method)),
		zap.Int("count", len(out.Hypotheses)),
		zap.Int("evidence", len(in.Evidence)))
	return out
}

func (s *Stage) generate(ctx context.Context, log *zap.Logger, in Input) Output {
	if len(in.Seeds) >= s.cfg.MinHypotheses {
		return Output{Hypotheses: s.restamp(in), Method: MethodSeeds}
	}

	if hyps := s.fromOracle(ctx, log, in); len(hyps) > 0 {
		return Output{Hypotheses: hyps, Method: MethodOracle}
	}

	if len(in.Evidence) == 0 {
		return Output{Hypotheses: s.defaults(in.SessionID, in.Cycle, in.Query, 0), Method: MethodDefault}
	}
	return Output{Hypotheses: s.heuristic(in), Method: MethodHeuristic}
}

// restamp carries seeds into this cycle: ids stay, evidence links are
// recomputed against the new evidence.
func (s *Stage) restamp(in Input) []types.Hypothesis {
	seeds := in.Seeds
	if len(seeds) > s.cfg.MaxHypotheses {
		seeds = seeds[:s.cfg.MaxHypotheses]
	}
	out := make([]types.Hypothesis, 0, len(seeds))
	for _, h := range seeds {
		h.Sources, h.SourceURLs = link(h.Statement, in.Evidence)
		h.Confidence = types.Clamp01(h.Confidence)
		h.ContextItemID = ""
		out = append(out, h)
	}
	return out
}

func (s *Stage) fromOracle(ctx context.Context, log *zap.Logger, in Input) []types.Hypothesis {
	text, err := perception.Ask(perception.WithOperation(ctx, Operation), s.oracle, buildPrompt(in.Query, in.Evidence), temperature)
	if err != nil {
		log.Warn("oracle unavailable, using heuristic", zap.Error(err))
		return nil
	}

	parsed, stage, err := recovery.ParseStage(text, hypothesisSchema)
	if err != nil {
		log.Warn("oracle response unparseable, using heuristic",
			zap.Error(&types.ParseError{Op: "generation response", Err: err}),
			zap.Int("response_len", len(text)))
		return nil
	}
	if stage != recovery.StageStrict {
		log.Debug("oracle response recovered", zap.String("stage", string(stage)))
	}

	list, _ := parsed.([]any)
	now := s.now()
	var hyps []types.Hypothesis
	for _, raw := range list {
		obj, ok := raw.(map[string]any)
		if !ok {
			log.Warn("skipping malformed hypothesis", zap.String("got", recovery.TypeName(raw)))
			continue
		}
		statement, _ := recovery.String(obj, "statement")
		statement = strings.TrimSpace(statement)
		confidence, numeric := recovery.Number(obj, "confidence")
		if statement == "" || !numeric {
			log.Warn("skipping hypothesis without statement or confidence")
			continue
		}
		rationale, _ := recovery.String(obj, "rationale")

		h := types.Hypothesis{
			ID:         types.HypothesisID(in.SessionID, in.Cycle, len(hyps)+1),
			Statement:  statement,
			Confidence: types.Clamp01(confidence),
			Rationale:  rationale,
			CreatedAt:  now,
		}
		h.Sources, h.SourceURLs = link(statement, in.Evidence)
		hyps = append(hyps, h)
		if len(hyps) == s.cfg.MaxHypotheses {
			break
		}
	}
	if len(hyps) > 0 && len(hyps) < s.cfg.MinHypotheses {
		hyps = s.topUp(hyps, in)
	}
	return hyps
}

// link records the evidence items whose content contains statement.
func link(statement string, evidence []types.EvidenceItem) ([]int, []string) {
	needle := strings.ToLower(statement)
	sources := []int{}
	var urls []string
	for i, e := range evidence {
		if !strings.Contains(strings.ToLower(e.Content), needle) {
			continue
		}
		sources = append(sources, i)
		urls = append(urls, e.Source)
		if len(sources) == maxSourceLinks {
			break
		}
	}
	return sources, urls
}

// topUp fills a short set from the default hypotheses.
func (s *Stage) topUp(hyps []types.Hypothesis, in Input) []types.Hypothesis {
	for _, d := range s.defaults(in.SessionID, in.Cycle, in.Query, len(in.Evidence)) {
		if len(hyps) >= s.cfg.MinHypotheses {
			break
		}
		d.ID = types.HypothesisID(in.SessionID, in.Cycle, len(hyps)+1)
		hyps = append(hyps, d)
	}
	return hyps
}

// =============================================================================
// PERSISTENCE
// =============================================================================

func (s *Stage) persist(ctx context.Context, log *zap.Logger, in Input, out *Output) {
	if s.store == nil {
		return
	}
	if out.Method != MethodSeeds {
		for _, e := range in.Evidence {
			s.store.Create(ctx, store.Item{
				SessionID: in.SessionID,
				Type:      "web_data",
				Data: map[string]any{
					"source":   e.Source,
					"title":    e.Title,
					"content":  e.Content,
					"type":     e.Type,
					"metadata": e.Metadata,
					"query":    in.Query,
				},
				Relevance: webDataRelevant,
			})
		}
	}

	for i := range out.Hypotheses {
		h := &out.Hypotheses[i]
		rel := map[string]string{}
		for j, idx := range h.Sources {
			if idx < len(in.Evidence) {
				rel[fmt.Sprintf("source_%d", j)] = in.Evidence[idx].Source
			}
		}
		res := s.store.Create(ctx, store.Item{
			SessionID:     in.SessionID,
			Type:          "hypothesis",
			Data:          *h,
			Relevance:     h.Confidence,
			Relationships: rel,
		})
		h.ContextItemID = res.ItemID
		if !res.Remote {
			log.Debug("hypothesis kept locally", zap.String("id", h.ID), zap.String("item_id", res.ItemID))
		}
	}

	ids := make([]string, len(out.Hypotheses))
	for i, h := range out.Hypotheses {
		ids[i] = h.ID
	}
	s.store.Create(ctx, store.Item{
		SessionID: in.SessionID,
		Type:      "generation_summary",
		Data: map[string]any{
			"query":            in.Query,
			"cycle":            in.Cycle,
			"method":           string(out.Method),
			"hypothesis_count": len(out.Hypotheses),
			"hypothesis_ids":   ids,
			"web_data_count":   len(in.Evidence),
			"timestamp":        s.now().UTC().Format(time.RFC3339),
		},
		Relevance: summaryRelevant,
	})
}
