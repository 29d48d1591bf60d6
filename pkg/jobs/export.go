package jobs

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/psantana5/partnerbatch/pkg/batch"
	"github.com/psantana5/partnerbatch/pkg/models"
)

var exportHeader = []string{"id", "partner_id", "type", "amount", "earnings", "currency", "status", "created_at"}

type exportParams struct {
	ProgramID string                  `json:"programId"`
	Status    models.CommissionStatus `json:"status,omitempty"`
}

// exportJob writes a program's commissions to a CSV file. Each page lands in
// its own part file so a redelivered page overwrites rather than appends;
// the last page merges the parts into {exportDir}/commissions-{runId}.csv.
// Parts are kept until PruneExportParts removes them, so a redelivered last
// page merges the full set again.
type exportJob struct {
	base
	deps Deps
}

func (j *exportJob) params(raw json.RawMessage) (*exportParams, error) {
	var p exportParams
	if err := batch.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireFields(map[string]string{"programId": p.ProgramID}); err != nil {
		return nil, err
	}
	return &p, nil
}

func (j *exportJob) Validate(raw json.RawMessage) error {
	_, err := j.params(raw)
	return err
}

// ExportPath returns the file a commissions export run produces
func ExportPath(dir, runID string) string {
	return filepath.Join(dir, "commissions-"+runID+".csv")
}

const partsDirPrefix = ".commissions-"

func (j *exportJob) partsDir(runID string) string {
	return filepath.Join(j.deps.ExportDir, partsDirPrefix+runID)
}

// PruneExportParts removes part directories under dir last written before
// cutoff and returns how many it removed.
func PruneExportParts(dir string, cutoff time.Time) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, partsDirPrefix+"*"))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || !info.IsDir() || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (j *exportJob) Process(ctx context.Context, raw json.RawMessage, page batch.Page) (*batch.PageResult, error) {
	p, err := j.params(raw)
	if err != nil {
		return nil, err
	}

	commissions, err := j.deps.Store.ListCommissionsAfter(ctx, models.CommissionFilter{
		ProgramID: p.ProgramID,
		Status:    p.Status,
	}, page.Cursor, page.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to list commissions: %w", err)
	}

	dir := j.partsDir(page.RunID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create export dir: %w", err)
	}
	part := filepath.Join(dir, fmt.Sprintf("part-%06d.csv", page.Number))
	tmp := part + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("failed to create part file: %w", err)
	}
	w := csv.NewWriter(f)
	if page.Cursor == "" {
		if err := w.Write(exportHeader); err != nil {
			f.Close()
			return nil, err
		}
	}
	tally, err := batch.ForEach(ctx, batch.Abort, commissions, func(ctx context.Context, c *models.Commission) error {
		return w.Write([]string{
			c.ID,
			c.PartnerID,
			string(c.Type),
			strconv.FormatInt(c.Amount, 10),
			strconv.FormatInt(c.Earnings, 10),
			c.Currency,
			string(c.Status),
			c.CreatedAt.UTC().Format(time.RFC3339),
		})
	})
	w.Flush()
	if err == nil {
		err = w.Error()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("failed to write part file: %w", err)
	}
	if err := os.Rename(tmp, part); err != nil {
		return nil, fmt.Errorf("failed to commit part file: %w", err)
	}

	last := ""
	if len(commissions) > 0 {
		last = commissions[len(commissions)-1].ID
	}
	return batch.NewResult(len(commissions), last, tally), nil
}

// Finish concatenates the part files in page order
func (j *exportJob) Finish(ctx context.Context, raw json.RawMessage, run *models.JobRun) error {
	dir := j.partsDir(run.ID)
	parts, err := filepath.Glob(filepath.Join(dir, "part-*.csv"))
	if err != nil {
		return err
	}
	final := ExportPath(j.deps.ExportDir, run.ID)
	if len(parts) == 0 {
		if _, err := os.Stat(final); err == nil {
			return nil
		}
		return errors.New("no export parts found")
	}
	sort.Strings(parts)

	tmp := final + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create export: %w", err)
	}
	for _, part := range parts {
		if err := appendFile(out, part); err != nil {
			out.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("failed to commit export: %w", err)
	}

	batch.LoggerFromContext(ctx).Info("Commission export written", map[string]interface{}{
		"path":  final,
		"parts": len(parts),
	})
	return nil
}

func appendFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
