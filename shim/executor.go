package shim

import (
	"context"
	"encoding/json"
	"strings"
	"unicode"

	"github.com/tomyedwab/dbshim/connections"
)

// splitVerb trims the statement and extracts its leading verb, upper-cased.
// A statement with no whitespace is its own verb.
func splitVerb(sqlStmt string) (string, string) {
	trimmed := strings.TrimSpace(sqlStmt)
	verb := trimmed
	if i := strings.IndexFunc(trimmed, unicode.IsSpace); i >= 0 {
		verb = trimmed[:i]
	}
	return trimmed, strings.ToUpper(verb)
}

// runQuery executes a read statement and assembles the result set: one
// ordered column-to-value object per row, column order matching the query's
// column order, rowsAffected fixed at 0 for reads.
func (s *Service) runQuery(ctx context.Context, a *Action, h *connections.Handle, sqlStmt string, args []interface{}) {
	rows, err := h.Query(ctx, sqlStmt, args...)
	if err != nil {
		s.logger.Error("executeSqlStmt -- query failed", "generation", a.Generation,
			"txGeneration", a.TxGeneration, "actionIndex", a.ActionIndex, "error", err)
		s.statementError(a, "exception: "+err.Error())
		return
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		s.statementError(a, "exception: "+err.Error())
		return
	}

	result := resultSet{RowsAffected: 0, Rows: make([]orderedRow, 0)}
	scanValues := make([]interface{}, len(columns))
	scanPtrs := make([]interface{}, len(columns))
	for i := range scanValues {
		scanPtrs[i] = &scanValues[i]
	}

	for rows.Next() {
		if err := rows.Scan(scanPtrs...); err != nil {
			s.statementError(a, "exception: "+err.Error())
			return
		}
		row := make(orderedRow, len(columns))
		for i, name := range columns {
			row[i] = rowField{Name: name, Value: normalizeValue(scanValues[i])}
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		s.statementError(a, "exception: "+err.Error())
		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		s.statementError(a, "exception: "+err.Error())
		return
	}

	s.logger.Info("executeSqlStmt -- returning rows", "generation", a.Generation,
		"txGeneration", a.TxGeneration, "actionIndex", a.ActionIndex, "rowCount", len(result.Rows))
	a.Callback.StatementResult(a.Generation, a.TxGeneration, a.ActionIndex, payload)
}
