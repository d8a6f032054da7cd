package http

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"

	domainwf "github.com/garyjia/campus-approvals/internal/domain/workflow"
)

const (
	historySheet = "History"
	xlsxMIME     = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var historyHeaders = []string{"Seq", "Stage", "Stage Name", "Actor", "Role", "Decision", "Result", "Comment", "At"}

// ExportHistory handles GET /api/instances/:id/history.xlsx
func (h *Handlers) ExportHistory(c *gin.Context) {
	id := c.Param("id")

	var entries []domainwf.HistoryEntry
	for entry, err := range h.engine.History(c.Request.Context(), id) {
		if err != nil {
			h.respondError(c, "export", err)
			return
		}
		entries = append(entries, entry)
	}

	data, err := buildHistoryWorkbook(entries)
	if err != nil {
		h.logger.Error("Failed to build history workbook", "instance_id", id, "error", err)
		abortWithError(c, http.StatusInternalServerError, domainwf.ReasonInternal, "failed to build workbook")
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-history.xlsx"`, id))
	c.Data(http.StatusOK, xlsxMIME, data)
}

// buildHistoryWorkbook writes one row per history entry below a bold header row
func buildHistoryWorkbook(entries []domainwf.HistoryEntry) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", historySheet); err != nil {
		return nil, err
	}

	for i, header := range historyHeaders {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(historySheet, cell, header); err != nil {
			return nil, err
		}
	}

	style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, err
	}
	last, _ := excelize.CoordinatesToCellName(len(historyHeaders), 1)
	if err := f.SetCellStyle(historySheet, "A1", last, style); err != nil {
		return nil, err
	}

	for i, entry := range entries {
		row := []interface{}{
			entry.Seq,
			entry.Stage,
			entry.StageName,
			entry.Actor.ID,
			entry.Actor.Role.String(),
			entry.Decision.String(),
			entry.ResultStatus.String(),
			entry.Comment,
			entry.At.UTC().Format(time.RFC3339),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(historySheet, cell, &row); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
