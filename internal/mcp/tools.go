package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/labflow-qc-server/internal/domain"
	"github.com/labflow-qc-server/internal/review"
	"github.com/labflow-qc-server/internal/service"
)

// GroupParams identifies a control group.
type GroupParams struct {
	TenantID     string `json:"tenant_id,omitempty" jsonschema:"tenant identifier, defaults to 'default'"`
	TestCode     string `json:"test_code" jsonschema:"test code, e.g. GLU"`
	Analyte      string `json:"analyte" jsonschema:"analyte name"`
	ControlLevel string `json:"control_level" jsonschema:"control material level, e.g. 1 or high"`
	LotNumber    string `json:"lot_number" jsonschema:"control material lot"`
}

func (p GroupParams) group() domain.ControlGroup {
	return domain.ControlGroup{
		TestCode:     p.TestCode,
		Analyte:      p.Analyte,
		ControlLevel: p.ControlLevel,
		LotNumber:    p.LotNumber,
	}
}

// RecordMeasurementParams defines parameters for record_qc_measurement.
type RecordMeasurementParams struct {
	GroupParams
	Value          float64 `json:"value" jsonschema:"measured control value"`
	Unit           string  `json:"unit,omitempty" jsonschema:"unit of measure"`
	SequenceNumber uint64  `json:"sequence_number" jsonschema:"strictly increasing position within the group"`
	RunID          string  `json:"run_id,omitempty" jsonschema:"analytical run, pairs levels for R-4s"`
}

// ResetBaselineParams defines parameters for reset_control_baseline.
type ResetBaselineParams struct {
	GroupParams
	Mean          float64 `json:"mean" jsonschema:"assigned target mean"`
	SD            float64 `json:"sd" jsonschema:"assigned standard deviation, must be positive"`
	EffectiveFrom uint64  `json:"effective_from" jsonschema:"first sequence number judged against the baseline"`
	Reason        string  `json:"reason,omitempty" jsonschema:"why the baseline was reset"`
}

// EvaluateParams defines parameters for evaluate_westgard.
type EvaluateParams struct {
	GroupParams
	Mean            float64   `json:"mean" jsonschema:"baseline mean"`
	SD              float64   `json:"sd" jsonschema:"baseline standard deviation"`
	Values          []float64 `json:"values" jsonschema:"values oldest first; the last one is judged"`
	MeanRunLength   int       `json:"mean_run_length,omitempty" jsonschema:"N of the N-x rule, 8 to 12"`
	CrossLevel      string    `json:"cross_level,omitempty" jsonschema:"the other control level in the same run"`
	CrossLevelValue float64   `json:"cross_level_value,omitempty" jsonschema:"the other level's value in the same run"`
	CrossLevelMean  float64   `json:"cross_level_mean,omitempty"`
	CrossLevelSD    float64   `json:"cross_level_sd,omitempty" jsonschema:"set to enable R-4s against the other level"`
}

// ListVerdictsParams defines parameters for list_qc_verdicts.
type ListVerdictsParams struct {
	GroupParams
	Limit int `json:"limit,omitempty" jsonschema:"maximum verdicts to return, newest first"`
}

// SubmitReviewParams defines parameters for submit_verdict_review.
type SubmitReviewParams struct {
	GroupParams
	SequenceNumber   uint64   `json:"sequence_number" jsonschema:"sequence number of the reviewed verdict"`
	Decision         string   `json:"decision" jsonschema:"verdict decision: warn, reject or indeterminate"`
	Rules            []string `json:"rules,omitempty" jsonschema:"fired rule IDs"`
	Reviewer         string   `json:"reviewer" jsonschema:"supervisor name"`
	CorrectiveAction string   `json:"corrective_action,omitempty"`
	ReleaseDecision  string   `json:"release_decision" jsonschema:"release, hold or rerun"`
	Notes            string   `json:"notes,omitempty"`
}

// ListReviewsParams defines parameters for list_verdict_reviews.
type ListReviewsParams struct {
	TenantID string `json:"tenant_id,omitempty" jsonschema:"tenant filter, empty lists every tenant"`
	Limit    int    `json:"limit,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

// ExportReviewsParams defines parameters for export_verdict_reviews.
type ExportReviewsParams struct {
	Filename string `json:"filename,omitempty" jsonschema:"file name inside the export directory"`
}

// QCTools implements the QC tool handlers on top of a QCService.
type QCTools struct {
	qc        *service.QCService
	reviews   review.Store
	exportDir string
	logger    *logrus.Logger
}

// NewQCTools creates the tool set. reviews may be nil, which leaves the review
// tools unregistered.
func NewQCTools(qc *service.QCService, reviews review.Store, exportDir string, logger *logrus.Logger) *QCTools {
	return &QCTools{qc: qc, reviews: reviews, exportDir: exportDir, logger: logger}
}

// Register adds every tool to server.
func (t *QCTools) Register(server *mcp.Server) int {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "record_qc_measurement",
		Description: "Record a quality-control measurement and return the Westgard verdict for its run.",
	}, t.recordMeasurement)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_control_stats",
		Description: "Return the running mean, SD and control limits for a control group.",
	}, t.getControlStats)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "reset_control_baseline",
		Description: "Assign a target mean and SD to a control group, e.g. after a lot change.",
	}, t.resetBaseline)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "evaluate_westgard",
		Description: "Evaluate Westgard rules over supplied values without recording anything.",
	}, t.evaluate)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_qc_verdicts",
		Description: "List stored verdicts for a control group, newest first.",
	}, t.listVerdicts)
	count := 5

	if t.reviews != nil {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "submit_verdict_review",
			Description: "Record a supervisor review of a warn, reject or indeterminate verdict.",
		}, t.submitReview)
		mcp.AddTool(server, &mcp.Tool{
			Name:        "list_verdict_reviews",
			Description: "List supervisor reviews, newest first.",
		}, t.listReviews)
		mcp.AddTool(server, &mcp.Tool{
			Name:        "export_verdict_reviews",
			Description: "Export every verdict review to a JSON file.",
		}, t.exportReviews)
		count += 3
	}
	return count
}

func (t *QCTools) recordMeasurement(ctx context.Context, _ *mcp.CallToolRequest, p RecordMeasurementParams) (*mcp.CallToolResult, any, error) {
	t.logger.WithField("tool", "record_qc_measurement").Info("Tool invoked")

	m := domain.Measurement{
		Group:          p.group(),
		Value:          p.Value,
		Unit:           p.Unit,
		SequenceNumber: p.SequenceNumber,
		RunID:          p.RunID,
		Timestamp:      time.Now().UTC(),
	}
	processed, err := t.qc.Submit(ctx, p.TenantID, m)
	if err != nil && processed == nil {
		return errorResult("Measurement refused", err), nil, nil
	}
	result := jsonResult(verdictSummary(processed.Verdict), processed)
	if err != nil {
		// The verdict stands even when persistence fails.
		result.Content = append(result.Content, &mcp.TextContent{Text: fmt.Sprintf("Warning: %v", err)})
	}
	return result, nil, nil
}

func (t *QCTools) getControlStats(ctx context.Context, _ *mcp.CallToolRequest, p GroupParams) (*mcp.CallToolResult, any, error) {
	t.logger.WithField("tool", "get_control_stats").Info("Tool invoked")

	group := p.group()
	if err := group.Validate(); err != nil {
		return errorResult("Invalid control group", err), nil, nil
	}
	stats, err := t.qc.CurrentStats(ctx, p.TenantID, group)
	if err != nil {
		return errorResult("Statistics unavailable", err), nil, nil
	}
	lower2, upper2 := stats.Limits(2)
	lower3, upper3 := stats.Limits(3)
	body := map[string]any{
		"group": group,
		"stats": stats,
		"cv":    stats.CV(),
		"limits": map[string][]float64{
			"2sd": {lower2, upper2},
			"3sd": {lower3, upper3},
		},
	}
	summary := fmt.Sprintf("%s: mean %.4g, SD %.4g over %d points (%s)", group, stats.Mean, stats.SD, stats.N, stats.Source)
	return jsonResult(summary, body), nil, nil
}

func (t *QCTools) resetBaseline(ctx context.Context, _ *mcp.CallToolRequest, p ResetBaselineParams) (*mcp.CallToolResult, any, error) {
	t.logger.WithField("tool", "reset_control_baseline").Info("Tool invoked")

	stats, err := t.qc.ResetBaseline(ctx, p.TenantID, domain.Baseline{
		Group:         p.group(),
		Mean:          p.Mean,
		SD:            p.SD,
		EffectiveFrom: p.EffectiveFrom,
		Reason:        p.Reason,
	})
	if err != nil {
		return errorResult("Baseline refused", err), nil, nil
	}
	summary := fmt.Sprintf("Baseline for %s set to mean %.4g, SD %.4g from sequence %d", p.group(), stats.Mean, stats.SD, p.EffectiveFrom)
	return jsonResult(summary, stats), nil, nil
}

func (t *QCTools) evaluate(ctx context.Context, _ *mcp.CallToolRequest, p EvaluateParams) (*mcp.CallToolResult, any, error) {
	t.logger.WithField("tool", "evaluate_westgard").Info("Tool invoked")

	req := service.EvaluateRequest{
		Group:         p.group(),
		Mean:          p.Mean,
		SD:            p.SD,
		Values:        p.Values,
		MeanRunLength: p.MeanRunLength,
	}
	if p.CrossLevelSD > 0 {
		value := p.CrossLevelValue
		req.CrossLevelValue = &value
		req.CrossLevelMean = p.CrossLevelMean
		req.CrossLevelSD = p.CrossLevelSD
		req.CrossLevel = p.CrossLevel
	}

	resp, err := t.qc.Evaluate(ctx, p.TenantID, req)
	if err != nil {
		return errorResult("Evaluation failed", err), nil, nil
	}
	return jsonResult(verdictSummary(resp.Verdict), resp), nil, nil
}

func (t *QCTools) listVerdicts(ctx context.Context, _ *mcp.CallToolRequest, p ListVerdictsParams) (*mcp.CallToolResult, any, error) {
	t.logger.WithField("tool", "list_qc_verdicts").Info("Tool invoked")

	group := p.group()
	if err := group.Validate(); err != nil {
		return errorResult("Invalid control group", err), nil, nil
	}
	verdicts, err := t.qc.ListVerdicts(ctx, p.TenantID, group, p.Limit)
	if err != nil {
		return errorResult("Failed to list verdicts", err), nil, nil
	}
	if verdicts == nil {
		verdicts = []domain.StoredVerdict{}
	}
	return jsonResult(fmt.Sprintf("%d verdicts for %s", len(verdicts), group), verdicts), nil, nil
}

func (t *QCTools) submitReview(ctx context.Context, _ *mcp.CallToolRequest, p SubmitReviewParams) (*mcp.CallToolResult, any, error) {
	t.logger.WithField("tool", "submit_verdict_review").Info("Tool invoked")

	tenant := p.TenantID
	if tenant == "" {
		tenant = service.DefaultTenant
	}
	r := &review.Review{
		TenantID:         tenant,
		Group:            p.group(),
		SequenceNumber:   p.SequenceNumber,
		Decision:         domain.Decision(p.Decision),
		Rules:            p.Rules,
		Reviewer:         p.Reviewer,
		CorrectiveAction: p.CorrectiveAction,
		ReleaseDecision:  review.ReleaseDecision(p.ReleaseDecision),
		Notes:            p.Notes,
	}
	if err := t.reviews.Save(ctx, r); err != nil {
		return errorResult("Failed to save review", err), nil, nil
	}
	summary := fmt.Sprintf("Review %d recorded for %s sequence %d: %s", r.ID, r.Group, r.SequenceNumber, r.ReleaseDecision)
	return jsonResult(summary, r), nil, nil
}

func (t *QCTools) listReviews(ctx context.Context, _ *mcp.CallToolRequest, p ListReviewsParams) (*mcp.CallToolResult, any, error) {
	t.logger.WithField("tool", "list_verdict_reviews").Info("Tool invoked")

	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	reviews, err := t.reviews.List(ctx, p.TenantID, limit, p.Offset)
	if err != nil {
		return errorResult("Failed to list reviews", err), nil, nil
	}
	if reviews == nil {
		reviews = []*review.Review{}
	}
	return jsonResult(fmt.Sprintf("%d reviews", len(reviews)), reviews), nil, nil
}

func (t *QCTools) exportReviews(ctx context.Context, _ *mcp.CallToolRequest, p ExportReviewsParams) (*mcp.CallToolResult, any, error) {
	t.logger.WithField("tool", "export_verdict_reviews").Info("Tool invoked")

	name := filepath.Base(p.Filename)
	if p.Filename == "" {
		name = fmt.Sprintf("reviews_%s.json", time.Now().UTC().Format("20060102_150405"))
	}
	if err := os.MkdirAll(t.exportDir, 0755); err != nil {
		return errorResult("Failed to create export directory", err), nil, nil
	}
	path := filepath.Join(t.exportDir, name)

	f, err := os.Create(path)
	if err != nil {
		return errorResult("Failed to create export file", err), nil, nil
	}
	defer f.Close()

	if err := t.reviews.ExportJSON(ctx, f); err != nil {
		return errorResult("Failed to export reviews", err), nil, nil
	}
	count, err := t.reviews.Count(ctx)
	if err != nil {
		return errorResult("Failed to count reviews", err), nil, nil
	}

	body := map[string]any{"file_path": path, "count": count}
	return jsonResult(fmt.Sprintf("Exported %d reviews to %s", count, path), body), nil, nil
}

func verdictSummary(v domain.RunVerdict) string {
	summary := fmt.Sprintf("%s sequence %d: %s", v.Group, v.SequenceNumber, v.Decision)
	if len(v.Violations) > 0 {
		summary += fmt.Sprintf(" (%v)", v.RuleIDs())
	}
	if v.MustHoldResults {
		summary += ", hold patient results"
	}
	return summary
}

// jsonResult returns a summary line followed by the JSON body.
func jsonResult(summary string, body any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return errorResult("Failed to encode result", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: summary},
			&mcp.TextContent{Text: string(data)},
		},
	}
}

// errorResult creates a tool-level error result carrying the error code.
func errorResult(message string, err error) *mcp.CallToolResult {
	text := fmt.Sprintf("Error: %s", message)
	if err != nil {
		text += fmt.Sprintf(" - %s: %v", domain.ErrorCode(err), err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}
}
