package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/psantana5/partnerbatch/pkg/batch"
	"github.com/psantana5/partnerbatch/pkg/models"
	"github.com/psantana5/partnerbatch/pkg/scoring"
)

// rankJob recomputes every partner's ranking score
type rankJob struct {
	base
	deps Deps
}

func (j *rankJob) Process(ctx context.Context, raw json.RawMessage, page batch.Page) (*batch.PageResult, error) {
	partners, err := j.deps.Store.ListPartnersAfter(ctx, page.Cursor, page.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to list partners: %w", err)
	}

	tally, err := batch.ForEach(ctx, batch.Abort, partners, func(ctx context.Context, p *models.Partner) error {
		return j.deps.Store.UpdatePartnerRanking(ctx, p.ID, scoring.PartnerScore(p))
	})
	if err != nil {
		return nil, err
	}

	last := ""
	if len(partners) > 0 {
		last = partners[len(partners)-1].ID
	}
	return batch.NewResult(len(partners), last, tally), nil
}

type similarityParams struct {
	ProgramID string `json:"programId"`
}

// similarityJob scores one program against every other program
type similarityJob struct {
	base
	deps Deps
}

func (j *similarityJob) params(raw json.RawMessage) (*similarityParams, error) {
	var p similarityParams
	if err := batch.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireFields(map[string]string{"programId": p.ProgramID}); err != nil {
		return nil, err
	}
	return &p, nil
}

func (j *similarityJob) Validate(raw json.RawMessage) error {
	_, err := j.params(raw)
	return err
}

func (j *similarityJob) Process(ctx context.Context, raw json.RawMessage, page batch.Page) (*batch.PageResult, error) {
	p, err := j.params(raw)
	if err != nil {
		return nil, err
	}
	target, err := j.deps.Store.GetProgram(ctx, p.ProgramID)
	if err != nil {
		return nil, lookup("program", p.ProgramID, err)
	}

	programs, err := j.deps.Store.ListProgramsAfter(ctx, page.Cursor, page.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to list programs: %w", err)
	}

	now := time.Now()
	var sims []*models.ProgramSimilarity
	tally, err := batch.ForEach(ctx, batch.Abort, programs, func(ctx context.Context, other *models.Program) error {
		if other.ID == target.ID {
			return nil
		}
		s := scoring.ComparePrograms(target, other)
		if s.Score < scoring.SimilarityThreshold {
			return nil
		}
		sims = append(sims, &models.ProgramSimilarity{
			ProgramID:        target.ID,
			SimilarProgramID: other.ID,
			Score:            s.Score,
			Jaccard:          s.Jaccard,
			Cosine:           s.Cosine,
			UpdatedAt:        now,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(sims) > 0 {
		if err := j.deps.Store.UpsertProgramSimilarities(ctx, sims); err != nil {
			return nil, fmt.Errorf("failed to store similarities: %w", err)
		}
	}

	last := ""
	if len(programs) > 0 {
		last = programs[len(programs)-1].ID
	}
	result := batch.NewResult(len(programs), last, tally)
	result.Message = fmt.Sprintf("%d similar programs", len(sims))
	return result, nil
}
