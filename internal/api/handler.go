package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/surveil/internal/bus"
	"github.com/opensource-finance/surveil/internal/domain"
	"github.com/opensource-finance/surveil/internal/expr"
	"github.com/opensource-finance/surveil/internal/metrics"
	"github.com/opensource-finance/surveil/internal/repository"
	"github.com/opensource-finance/surveil/internal/resolver"
	"github.com/opensource-finance/surveil/internal/schema"
	"github.com/opensource-finance/surveil/internal/scoresteps"
	"github.com/opensource-finance/surveil/internal/scoring"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Invalidator drops cached resolutions of a setting.
type Invalidator interface {
	Invalidate(ctx context.Context, tenantID, settingID string) error
}

// Deps are the collaborators the API is built from. Repo, Cache, Bus,
// Invalidator, Schemas, Exprs and Metrics may be nil; Resolver and
// Aggregator are derived when nil.
type Deps struct {
	Repo        domain.Repository
	Cache       domain.Cache
	Bus         domain.EventBus
	Resolver    resolver.Resolver
	Invalidator Invalidator
	Aggregator  *scoring.Aggregator
	Schemas     *schema.Validator
	Exprs       *expr.Engine
	Metrics     *metrics.Metrics
	Version     string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo        domain.Repository
	cache       domain.Cache
	bus         domain.EventBus
	resolver    resolver.Resolver
	invalidator Invalidator
	aggregator  *scoring.Aggregator
	schemas     *schema.Validator
	exprs       *expr.Engine
	version     string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	res := deps.Resolver
	if res == nil {
		res = resolver.NewService(deps.Metrics)
	}
	agg := deps.Aggregator
	if agg == nil {
		agg = scoring.NewAggregator(scoring.NewScorer(res, deps.Exprs), deps.Metrics, 0)
	}
	return &Handler{
		repo:        deps.Repo,
		cache:       deps.Cache,
		bus:         deps.Bus,
		resolver:    res,
		invalidator: deps.Invalidator,
		aggregator:  agg,
		schemas:     deps.Schemas,
		exprs:       deps.Exprs,
		version:     deps.Version,
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check event bus health
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready reports whether the metadata store can serve traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ============================================================================
// SETTING HANDLERS
// ============================================================================

// StepWarnings lists the score-step warnings of one value of a setting.
type StepWarnings struct {
	Source   string               `json:"source"`
	Warnings []scoresteps.Warning `json:"warnings"`
}

// SettingResponse is returned when a setting is saved.
type SettingResponse struct {
	Setting      *domain.Setting `json:"setting"`
	StepWarnings []StepWarnings  `json:"stepWarnings,omitempty"`
}

// ResolveRequest is the request body for POST /settings/{id}/resolve.
type ResolveRequest struct {
	Context domain.Context `json:"context"`
}

// ListSettings returns every setting of the tenant.
func (h *Handler) ListSettings(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	settings, err := h.repo.ListSettings(r.Context(), GetTenantID(r.Context()))
	if err != nil {
		h.storeError(w, err, "setting")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"settings": settings,
		"count":    len(settings),
	})
}

// GetSetting retrieves a setting by ID.
func (h *Handler) GetSetting(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	setting, err := h.repo.GetSetting(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.storeError(w, err, "setting")
		return
	}

	writeJSON(w, http.StatusOK, setting)
}

// CreateSetting stores a new setting, replacing any with the same ID.
func (h *Handler) CreateSetting(w http.ResponseWriter, r *http.Request) {
	h.saveSetting(w, r, "", http.StatusCreated)
}

// UpdateSetting replaces the setting named in the path.
func (h *Handler) UpdateSetting(w http.ResponseWriter, r *http.Request) {
	h.saveSetting(w, r, chi.URLParam(r, "id"), http.StatusOK)
}

func (h *Handler) saveSetting(w http.ResponseWriter, r *http.Request, pathID string, status int) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if !h.requireRepo(w) {
		return
	}

	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	if !h.validateDocument(w, schema.Setting, raw) {
		return
	}

	var setting domain.Setting
	if err := json.Unmarshal(raw, &setting); err != nil {
		writeError(w, http.StatusBadRequest, "invalid setting: "+err.Error())
		return
	}
	if pathID != "" && setting.SettingID != pathID {
		writeError(w, http.StatusBadRequest, "setting_id does not match path")
		return
	}
	if errs := setting.ValueErrors(); len(errs) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":      "values do not match value_type " + string(setting.ValueType),
			"violations": errs,
		})
		return
	}

	if err := h.repo.SaveSetting(ctx, tenantID, &setting); err != nil {
		slog.Error("failed to save setting", "setting_id", setting.SettingID, "error", err)
		h.storeError(w, err, "setting")
		return
	}

	h.settingChanged(ctx, tenantID, setting.SettingID, false)

	slog.Info("setting saved",
		"tenant_id", tenantID,
		"setting_id", setting.SettingID,
		"value_type", setting.ValueType,
		"overrides", len(setting.Overrides),
	)

	writeJSON(w, status, SettingResponse{
		Setting:      &setting,
		StepWarnings: settingStepWarnings(&setting),
	})
}

// DeleteSetting removes a setting.
func (h *Handler) DeleteSetting(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	settingID := chi.URLParam(r, "id")

	if !h.requireRepo(w) {
		return
	}

	if err := h.repo.DeleteSetting(ctx, tenantID, settingID); err != nil {
		h.storeError(w, err, "setting")
		return
	}

	h.settingChanged(ctx, tenantID, settingID, true)

	slog.Info("setting deleted", "tenant_id", tenantID, "setting_id", settingID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "setting deleted",
	})
}

// ResolveSetting resolves a stored setting against a context and returns the
// full resolution trace. A value that fails its type check answers 422 with
// the trace attached.
func (h *Handler) ResolveSetting(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !h.requireRepo(w) {
		return
	}

	var req ResolveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	setting, err := h.repo.GetSetting(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		h.storeError(w, err, "setting")
		return
	}

	res, err := h.resolver.Resolve(ctx, setting, req.Context)
	if err != nil {
		if errors.Is(err, domain.ErrResolutionType) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error":      err.Error(),
				"resolution": res,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "resolution failed")
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// settingChanged drops local cached resolutions and announces the change to
// other nodes.
func (h *Handler) settingChanged(ctx context.Context, tenantID, settingID string, deleted bool) {
	if h.invalidator != nil {
		if err := h.invalidator.Invalidate(ctx, tenantID, settingID); err != nil {
			slog.Warn("failed to invalidate resolution cache",
				"setting_id", settingID,
				"error", err,
			)
		}
	}

	if h.bus != nil {
		event := domain.SettingChanged{SettingID: settingID, Deleted: deleted}
		if err := bus.PublishEvent(ctx, h.bus, tenantID, domain.TopicSettingChanged, event); err != nil {
			slog.Warn("failed to publish setting change",
				"setting_id", settingID,
				"error", err,
			)
		}
	}
}

// settingStepWarnings validates every score-step value a setting carries.
func settingStepWarnings(s *domain.Setting) []StepWarnings {
	var out []StepWarnings
	add := func(source string, v domain.Value) {
		tiers, ok := v.(domain.Tiers)
		if !ok {
			return
		}
		if warnings := scoresteps.Validate(tiers); len(warnings) > 0 {
			out = append(out, StepWarnings{Source: source, Warnings: warnings})
		}
	}

	add("default", s.Default)
	for i, o := range s.Overrides {
		add(fmt.Sprintf("overrides[%d]", i), o.Value)
	}
	return out
}

// ============================================================================
// SCORE-STEP HANDLERS
// ============================================================================

// ScoreStepsRequest is the request body for the score-step tooling.
type ScoreStepsRequest struct {
	Steps json.RawMessage `json:"steps"`
	Value *float64        `json:"value,omitempty"`
}

// ScoreStepsReport is the response for POST /score-steps/validate.
type ScoreStepsReport struct {
	Warnings []scoresteps.Warning `json:"warnings"`
	Segments []scoresteps.Segment `json:"segments"`
}

// ScoreStepsResult is the response for POST /score-steps/evaluate.
type ScoreStepsResult struct {
	Score int              `json:"score"`
	Step  domain.ScoreStep `json:"step"`
}

// ValidateScoreSteps reports gaps, overlaps and monotonicity breaks of a
// table along with its drawable segments.
func (h *Handler) ValidateScoreSteps(w http.ResponseWriter, r *http.Request) {
	_, steps, ok := h.decodeSteps(w, r)
	if !ok {
		return
	}

	warnings := scoresteps.Validate(steps)
	if warnings == nil {
		warnings = []scoresteps.Warning{}
	}

	writeJSON(w, http.StatusOK, ScoreStepsReport{
		Warnings: warnings,
		Segments: scoresteps.Segments(steps),
	})
}

// EvaluateScoreSteps scores a value against a table. A value no step
// contains answers 422.
func (h *Handler) EvaluateScoreSteps(w http.ResponseWriter, r *http.Request) {
	req, steps, ok := h.decodeSteps(w, r)
	if !ok {
		return
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	step, err := scoresteps.Evaluate(steps, *req.Value)
	if err != nil {
		if errors.Is(err, domain.ErrNoMatchingTier) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ScoreStepsResult{Score: step.Score, Step: step})
}

func (h *Handler) decodeSteps(w http.ResponseWriter, r *http.Request) (*ScoreStepsRequest, []domain.ScoreStep, bool) {
	var req ScoreStepsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return nil, nil, false
	}
	if len(req.Steps) == 0 {
		writeError(w, http.StatusBadRequest, "steps is required")
		return nil, nil, false
	}
	if !h.validateDocument(w, schema.ScoreSteps, req.Steps) {
		return nil, nil, false
	}

	var steps []domain.ScoreStep
	if err := json.Unmarshal(req.Steps, &steps); err != nil {
		writeError(w, http.StatusBadRequest, "invalid steps: "+err.Error())
		return nil, nil, false
	}
	return &req, steps, true
}

// ============================================================================
// MODEL HANDLERS
// ============================================================================

// EvaluateRequest is the request body for POST /models/{id}/evaluate.
type EvaluateRequest struct {
	Context            domain.Context                      `json:"context"`
	CalculationOutputs map[string]domain.CalculationOutput `json:"calculation_outputs"`
	Timestamp          *time.Time                          `json:"timestamp,omitempty"`
}

// ListModels returns every detection model of the tenant.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	models, err := h.repo.ListModels(r.Context(), GetTenantID(r.Context()))
	if err != nil {
		h.storeError(w, err, "model")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"models": models,
		"count":  len(models),
	})
}

// GetModel retrieves a detection model by ID.
func (h *Handler) GetModel(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	model, err := h.repo.GetModel(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.storeError(w, err, "model")
		return
	}

	writeJSON(w, http.StatusOK, model)
}

// CreateModel stores a detection model. Models are enabled unless the body
// says otherwise; value expressions must compile.
func (h *Handler) CreateModel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if !h.requireRepo(w) {
		return
	}

	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	if !h.validateDocument(w, schema.Model, raw) {
		return
	}

	var req struct {
		domain.DetectionModel
		Enabled *bool `json:"enabled"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid model: "+err.Error())
		return
	}
	model := req.DetectionModel
	model.Enabled = req.Enabled == nil || *req.Enabled

	for _, calc := range model.Calculations {
		if calc.ValueExpression == "" {
			continue
		}
		if h.exprs == nil {
			writeError(w, http.StatusBadRequest, "value expressions are not enabled")
			return
		}
		if err := h.exprs.Validate(calc.ValueExpression); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("calculation %s: invalid value_expression: %v", calc.CalcID, err))
			return
		}
	}

	if err := h.repo.SaveModel(ctx, tenantID, &model); err != nil {
		slog.Error("failed to save model", "model_id", model.ModelID, "error", err)
		h.storeError(w, err, "model")
		return
	}

	slog.Info("model saved",
		"tenant_id", tenantID,
		"model_id", model.ModelID,
		"calculations", len(model.Calculations),
		"enabled", model.Enabled,
	)

	writeJSON(w, http.StatusCreated, &model)
}

// EvaluateModel runs the alert aggregator for one model against the supplied
// calculation outputs, persists the trace and publishes it.
func (h *Handler) EvaluateModel(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if !h.requireRepo(w) {
		return
	}

	var req EvaluateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.CalculationOutputs == nil {
		writeError(w, http.StatusBadRequest, "calculation_outputs is required")
		return
	}

	model, err := h.repo.GetModel(ctx, tenantID, chi.URLParam(r, "id"))
	if err != nil {
		h.storeError(w, err, "model")
		return
	}

	snapshot, err := h.repo.Snapshot(ctx, tenantID)
	if err != nil {
		slog.Error("failed to load snapshot", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load metadata")
		return
	}

	timestamp := time.Now().UTC()
	if req.Timestamp != nil {
		timestamp = req.Timestamp.UTC()
	}

	alert := h.aggregator.Evaluate(ctx, &scoring.EvaluateInput{
		TenantID:  tenantID,
		Model:     model,
		Outputs:   req.CalculationOutputs,
		Context:   req.Context,
		Timestamp: timestamp,
	}, snapshot)

	if err := h.repo.SaveAlertTrace(ctx, tenantID, alert); err != nil {
		slog.Error("failed to save alert trace", "alert_id", alert.AlertID, "error", err)
	}

	if h.bus != nil {
		if err := bus.PublishAlert(ctx, h.bus, tenantID, alert); err != nil {
			slog.Error("failed to publish alert", "alert_id", alert.AlertID, "error", err)
		}
	}

	slog.Info("model evaluated",
		"tenant_id", tenantID,
		"model_id", model.ModelID,
		"alert_id", alert.AlertID,
		"alert_fired", alert.AlertFired,
		"trigger_path", alert.TriggerPath,
		"trace_id", GetTraceID(ctx),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	writeJSON(w, http.StatusOK, alert)
}

// ============================================================================
// ALERT HANDLERS
// ============================================================================

// ListAlerts returns the newest alert traces of a model.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	alerts, err := h.repo.ListAlertTraces(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.storeError(w, err, "alert")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// GetAlert retrieves an alert trace by ID.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	alert, err := h.repo.GetAlertTrace(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.storeError(w, err, "alert")
		return
	}

	writeJSON(w, http.StatusOK, alert)
}

// ============================================================================
// HELPERS
// ============================================================================

func (h *Handler) requireRepo(w http.ResponseWriter) bool {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return false
	}
	return true
}

// storeError maps repository errors to HTTP statuses.
func (h *Handler) storeError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, repository.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "failed to access "+what+" store")
	}
}

// validateDocument answers 400 with every violation when raw fails its schema.
func (h *Handler) validateDocument(w http.ResponseWriter, document string, raw []byte) bool {
	if h.schemas == nil {
		return true
	}
	err := h.schemas.Validate(document, raw)
	if err == nil {
		return true
	}

	var ve *schema.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":      "invalid " + document,
			"violations": ve.Violations,
		})
		return false
	}
	writeError(w, http.StatusInternalServerError, err.Error())
	return false
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	if !json.Valid(raw) {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return nil, false
	}
	return raw, true
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
