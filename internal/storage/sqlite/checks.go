package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Wawtawsha/durandal-mcp/internal/apperr"
)

// CheckResult is the outcome of one startup check.
type CheckResult struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Fatal   bool   `json:"fatal"`  // True when a failure must abort startup
	Detail  string `json:"detail"` // Human-readable explanation
}

// CheckReport aggregates the boot-time check sequence. Ok is false only when
// a fatal check failed; warnings leave the server running and are surfaced
// via get_status.
type CheckReport struct {
	Results []CheckResult `json:"results"`
	Ok      bool          `json:"ok"`
}

// Warnings returns the names of non-fatal checks that did not pass.
func (r CheckReport) Warnings() []string {
	var out []string
	for _, res := range r.Results {
		if !res.Passed && !res.Fatal {
			out = append(out, res.Name)
		}
	}
	return out
}

// RunStartupChecks executes the boot sequence: connectivity, schema,
// read/write probe, and the integrity pragma. Each result is logged. The
// returned error is non-nil only for fatal failures.
func (s *Store) RunStartupChecks(ctx context.Context, log *zap.Logger) (CheckReport, error) {
	report := CheckReport{Ok: true}

	add := func(res CheckResult) {
		report.Results = append(report.Results, res)
		if res.Passed {
			log.Info("startup check passed", zap.String("check", res.Name), zap.String("detail", res.Detail))
			return
		}
		if res.Fatal {
			report.Ok = false
			log.Error("startup check failed", zap.String("check", res.Name), zap.String("detail", res.Detail))
		} else {
			log.Warn("startup check warning", zap.String("check", res.Name), zap.String("detail", res.Detail))
		}
	}

	add(s.checkConnectivity(ctx))
	add(s.checkSchema(ctx))
	add(s.checkReadWrite(ctx))
	add(s.checkIntegrity(ctx))

	if !report.Ok {
		return report, apperr.New(apperr.KindDatabase, "STARTUP_CHECK_FAILED",
			"A fatal startup check failed; see the log for details")
	}
	return report, nil
}

func (s *Store) checkConnectivity(ctx context.Context) CheckResult {
	res := CheckResult{Name: "connectivity", Fatal: true}
	var one int
	if err := s.readDB.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil || one != 1 {
		res.Detail = fmt.Sprintf("SELECT 1 failed: %v", err)
		return res
	}
	res.Passed = true
	res.Detail = "database reachable"
	return res
}

// checkSchema verifies the memories table has its essential columns. Missing
// id or content is fatal; missing optional columns and the presence of
// legacy tables are informational only.
func (s *Store) checkSchema(ctx context.Context) CheckResult {
	res := CheckResult{Name: "schema", Fatal: true}

	rows, err := s.readDB.QueryContext(ctx, "PRAGMA table_info(memories)")
	if err != nil {
		res.Detail = fmt.Sprintf("table_info failed: %v", err)
		return res
	}
	defer rows.Close()

	columns := map[string]bool{}
	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			res.Detail = fmt.Sprintf("table_info scan failed: %v", err)
			return res
		}
		columns[strings.ToLower(name)] = true
	}
	if err := rows.Err(); err != nil {
		res.Detail = fmt.Sprintf("table_info failed: %v", err)
		return res
	}

	for _, essential := range []string{"id", "content"} {
		if !columns[essential] {
			res.Detail = fmt.Sprintf("memories table is missing essential column %q", essential)
			return res
		}
	}

	var notes []string
	for _, optional := range []string{"metadata", "created_at"} {
		if !columns[optional] {
			notes = append(notes, fmt.Sprintf("optional column %q absent", optional))
		}
	}
	for _, legacy := range []string{"projects", "conversation_sessions", "conversation_messages"} {
		var name string
		err := s.readDB.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type='table' AND name = ?", legacy).Scan(&name)
		if err == nil {
			notes = append(notes, fmt.Sprintf("legacy table %q present", legacy))
		}
	}

	res.Passed = true
	res.Detail = "memories schema ok"
	if len(notes) > 0 {
		res.Detail += "; " + strings.Join(notes, ", ")
	}
	return res
}

// checkReadWrite inserts a uniquely-marked sentinel row, reads it back, and
// deletes it. Any failure is fatal: a server that cannot write is useless.
func (s *Store) checkReadWrite(ctx context.Context) CheckResult {
	res := CheckResult{Name: "read_write_probe", Fatal: true}
	marker := "__durandal_startup_probe_" + uuid.NewString()

	if _, err := s.writeDB.ExecContext(ctx,
		"INSERT INTO memories (content, metadata) VALUES (?, ?)", marker, `{"probe":true}`); err != nil {
		res.Detail = fmt.Sprintf("probe insert failed: %v", err)
		return res
	}

	var content string
	if err := s.readDB.QueryRowContext(ctx,
		"SELECT content FROM memories WHERE content = ?", marker).Scan(&content); err != nil {
		res.Detail = fmt.Sprintf("probe read failed: %v", err)
		return res
	}

	if _, err := s.writeDB.ExecContext(ctx,
		"DELETE FROM memories WHERE content = ?", marker); err != nil {
		res.Detail = fmt.Sprintf("probe delete failed: %v", err)
		return res
	}

	res.Passed = true
	res.Detail = "write, read back, and delete all succeeded"
	return res
}

// checkIntegrity runs SQLite's built-in integrity check. Failures are
// warnings, not fatal: the server keeps serving and reports the state via
// get_status.
func (s *Store) checkIntegrity(ctx context.Context) CheckResult {
	res := CheckResult{Name: "integrity"}
	var verdict string
	if err := s.readDB.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&verdict); err != nil {
		res.Detail = fmt.Sprintf("integrity_check failed to run: %v", err)
		return res
	}
	if verdict != "ok" {
		res.Detail = fmt.Sprintf("integrity_check reported: %s", verdict)
		return res
	}
	res.Passed = true
	res.Detail = "integrity ok"
	return res
}
