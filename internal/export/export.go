// Package export renders a finished run's duplicate groups and merge
// outcomes as an XLSX workbook and stores it through an artifact sink.
package export

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/dedupe-cli/internal/model"
)

// Sheet names of the export workbook.
const (
	SheetGroups  = "Groups"
	SheetMembers = "Members"
)

// ContentType is the MIME type of the export workbook.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var groupHeader = []string{"Group ID", "Merged", "Merged At", "Primary", "Members", "Failed Deletes", "Message"}

var memberHeader = []string{
	"Group ID", "Contact ID", "HubSpot ID", "First Name", "Last Name", "Email", "Phone", "Company",
	"Role", "Retired", "Error",
}

// Sink stores a rendered artifact and returns a reference to it.
type Sink interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// Exporter builds and stores run exports.
type Exporter struct {
	sink Sink
}

// NewExporter creates an Exporter writing to sink.
func NewExporter(sink Sink) *Exporter {
	return &Exporter{sink: sink}
}

// Export renders the groups of a run and stores the workbook. It returns the
// artifact reference recorded on the finished run.
func (e *Exporter) Export(ctx context.Context, p model.ProcessStatus, groups []model.DuplicateGroup) (string, error) {
	f, err := BuildWorkbook(groups)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return "", eris.Wrap(err, "export: write workbook")
	}

	ref, err := e.sink.Put(ctx, Key(p), buf.Bytes())
	if err != nil {
		return "", eris.Wrapf(err, "export: store artifact for process %s", p.ID)
	}
	zap.L().Info("export: stored artifact",
		zap.String("tenant", p.TenantID),
		zap.String("process_id", p.ID),
		zap.Int("groups", len(groups)),
		zap.Int("bytes", buf.Len()),
		zap.String("artifact", ref),
	)
	return ref, nil
}

// Key returns the artifact key of a run.
func Key(p model.ProcessStatus) string {
	return fmt.Sprintf("%s/%s.xlsx", p.TenantID, p.ID)
}

// BuildWorkbook renders groups into a workbook with a summary sheet and a
// per-member sheet. Rows keep group order and member order.
func BuildWorkbook(groups []model.DuplicateGroup) (*xlsx.File, error) {
	f := xlsx.NewFile()
	gs, err := f.AddSheet(SheetGroups)
	if err != nil {
		return nil, eris.Wrap(err, "export: add groups sheet")
	}
	ms, err := f.AddSheet(SheetMembers)
	if err != nil {
		return nil, eris.Wrap(err, "export: add members sheet")
	}
	addRow(gs, groupHeader...)
	addRow(ms, memberHeader...)

	for _, g := range groups {
		primaryID, failed, message := summary(g)

		row := gs.AddRow()
		row.AddCell().SetInt64(g.ID)
		row.AddCell().SetBool(g.Merged)
		mergedAt := row.AddCell()
		if g.MergedAt != nil {
			mergedAt.SetString(g.MergedAt.UTC().Format(time.RFC3339))
		}
		row.AddCell().SetString(primaryID)
		row.AddCell().SetInt(len(g.Members))
		row.AddCell().SetInt(failed)
		row.AddCell().SetString(message)

		outcomes := outcomesByID(g.MergeResult)
		for _, m := range g.Members {
			role, errText := memberRole(g, m, primaryID, outcomes)
			row := ms.AddRow()
			row.AddCell().SetInt64(g.ID)
			for _, v := range []string{m.ID, m.HubspotID, m.FirstName, m.LastName, m.Email, m.Phone, m.Company, role} {
				row.AddCell().SetString(v)
			}
			row.AddCell().SetBool(m.Deleted)
			row.AddCell().SetString(errText)
		}
	}
	return f, nil
}

func addRow(sheet *xlsx.Sheet, values ...string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

// summary returns the primary contact id, the failed delete count and the
// merge message of a group. Unmerged groups have no primary.
func summary(g model.DuplicateGroup) (string, int, string) {
	if !g.Merged || g.MergeResult == nil {
		return "", 0, ""
	}
	secondaries := make(map[string]bool, len(g.MergeResult.Details.DeleteResults))
	for _, o := range g.MergeResult.Details.DeleteResults {
		secondaries[o.ID] = true
	}
	primary := ""
	for _, m := range g.Members {
		if !secondaries[m.ID] {
			primary = m.ID
			break
		}
	}
	return primary, len(g.MergeResult.FailedDeletes()), g.MergeResult.Message
}

func outcomesByID(r *model.MergeResult) map[string]model.DeleteOutcome {
	out := make(map[string]model.DeleteOutcome)
	if r == nil {
		return out
	}
	for _, o := range r.Details.DeleteResults {
		out[o.ID] = o
	}
	return out
}

func memberRole(g model.DuplicateGroup, m model.Contact, primaryID string, outcomes map[string]model.DeleteOutcome) (string, string) {
	switch {
	case !g.Merged:
		return "unmerged", ""
	case m.ID == primaryID:
		return "primary", ""
	}
	o, ok := outcomes[m.ID]
	if !ok || o.Success {
		return "secondary", ""
	}
	return "secondary", strings.TrimSpace(o.Error)
}
