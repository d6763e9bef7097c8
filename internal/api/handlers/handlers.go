package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/predictive-dialer/internal/app"
	"github.com/acme/predictive-dialer/internal/dialer"
	apperrors "github.com/acme/predictive-dialer/pkg/errors"
)

// HandlerSet bundles the dialer control handlers.
type HandlerSet struct {
	container *app.Container
	engine    *dialer.Engine
	stores    *dialer.Stores
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(container *app.Container) *HandlerSet {
	return &HandlerSet{
		container: container,
		engine:    container.Engine(),
		stores:    container.Stores(),
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	api := app.Group("/api")
	v1 := api.Group("/v1")

	campaigns := v1.Group("/campaigns")
	campaigns.Post("/:id/start", h.startCampaign)
	campaigns.Post("/:id/stop", h.stopCampaign)
	campaigns.Post("/:id/pause", h.pauseCampaign)
	campaigns.Post("/:id/resume", h.resumeCampaign)
	campaigns.Get("/:id/status", h.campaignStatus)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	translated := translateError(err)
	if fe, ok := translated.(*fiber.Error); ok {
		return ctx.Status(fe.Code).JSON(fiber.Map{"success": false, "message": fe.Message})
	}
	return ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": translated.Error()})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	return ctx.JSON(fiber.Map{"status": "ok"})
}

func (h *HandlerSet) startCampaign(ctx *fiber.Ctx) error {
	id, err := campaignID(ctx)
	if err != nil {
		return err
	}
	if err := h.engine.StartCampaign(ctx.Context(), id); err != nil {
		return translateError(err)
	}
	return ctx.JSON(fiber.Map{"success": true, "message": "predictive dialer started"})
}

func (h *HandlerSet) stopCampaign(ctx *fiber.Ctx) error {
	id, err := campaignID(ctx)
	if err != nil {
		return err
	}
	if err := h.engine.StopCampaign(ctx.Context(), id); err != nil {
		return translateError(err)
	}
	return ctx.JSON(fiber.Map{"success": true, "message": "predictive dialer stopped"})
}

func (h *HandlerSet) pauseCampaign(ctx *fiber.Ctx) error {
	id, err := campaignID(ctx)
	if err != nil {
		return err
	}
	if err := h.engine.PauseCampaign(ctx.Context(), id); err != nil {
		return translateError(err)
	}
	return ctx.JSON(fiber.Map{"success": true, "message": "predictive dialer paused"})
}

func (h *HandlerSet) resumeCampaign(ctx *fiber.Ctx) error {
	id, err := campaignID(ctx)
	if err != nil {
		return err
	}
	if err := h.engine.ResumeCampaign(ctx.Context(), id); err != nil {
		return translateError(err)
	}
	return ctx.JSON(fiber.Map{"success": true, "message": "predictive dialer resumed"})
}

func (h *HandlerSet) campaignStatus(ctx *fiber.Ctx) error {
	id, err := campaignID(ctx)
	if err != nil {
		return err
	}

	campaign, err := h.stores.Campaigns.Get(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	remaining, err := h.stores.Targets.CountRemaining(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	stats, err := h.stores.Calls.Aggregate(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	payload := fiber.Map{
		"campaign": fiber.Map{
			"id":             campaign.ID,
			"name":           campaign.Name,
			"status":         campaign.Status,
			"active":         campaign.Active,
			"failure_reason": campaign.FailureReason,
			"started_at":     campaign.StartedAt,
			"stopped_at":     campaign.StoppedAt,
		},
		"stats": fiber.Map{
			"remaining_numbers": remaining,
			"total_calls":       stats.TotalCalls,
			"answered_calls":    stats.AnsweredCalls,
			"abandoned_calls":   stats.AbandonedCalls,
			"answer_rate":       stats.AnswerRate,
			"abandon_rate":      stats.AbandonRate,
		},
	}
	if state, ok := h.engine.RunState(id); ok {
		payload["run_state"] = state
	}
	return ctx.JSON(fiber.Map{"success": true, "data": payload})
}

func campaignID(ctx *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return uuid.Nil, fiber.NewError(fiber.StatusBadRequest, apperrors.ErrValidation.Error()+": invalid campaign id")
	}
	return id, nil
}
