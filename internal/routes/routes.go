package routes

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	hrflow "github.com/nrawal/hrflow"
)

// Setup wires the workflow HTTP surface onto the app. Authentication is the
// host application's concern: a middleware upstream must have placed the
// acting user's id in c.Locals("user_id").
func Setup(app *fiber.App, svc *hrflow.Service) {
	api := app.Group("/api/v1")

	api.Post("/workflows/:resourceType/:resourceID/submit", func(c *fiber.Ctx) error {
		actorID, err := actor(c)
		if err != nil {
			return err
		}
		resourceID, err := c.ParamsInt("resourceID")
		if err != nil || resourceID <= 0 {
			return fiber.NewError(fiber.StatusBadRequest, "invalid resource id")
		}
		inst, err := svc.Submit(c.Context(), c.Params("resourceType"), uint(resourceID), actorID)
		if err != nil {
			return mapError(err)
		}
		return c.JSON(inst)
	})

	api.Post("/instances/:id/approve", func(c *fiber.Ctx) error {
		return actionRoute(c, func(id, actorID uint, body actionBody) (*hrflow.WorkflowInstance, error) {
			return svc.Approve(c.Context(), id, actorID, body.Comment)
		})
	})

	api.Post("/instances/:id/decline", func(c *fiber.Ctx) error {
		return actionRoute(c, func(id, actorID uint, body actionBody) (*hrflow.WorkflowInstance, error) {
			return svc.Decline(c.Context(), id, actorID, body.Comment)
		})
	})

	api.Post("/instances/:id/adjust", func(c *fiber.Ctx) error {
		return actionRoute(c, func(id, actorID uint, body actionBody) (*hrflow.WorkflowInstance, error) {
			return svc.Adjust(c.Context(), id, actorID, body.Reason)
		})
	})

	api.Post("/instances/:id/cancel", func(c *fiber.Ctx) error {
		return actionRoute(c, func(id, actorID uint, _ actionBody) (*hrflow.WorkflowInstance, error) {
			return svc.Cancel(c.Context(), id, actorID)
		})
	})

	api.Get("/instances/:id", func(c *fiber.Ctx) error {
		id, err := c.ParamsInt("id")
		if err != nil || id <= 0 {
			return fiber.NewError(fiber.StatusBadRequest, "invalid instance id")
		}
		inst, err := svc.GetInstance(c.Context(), uint(id))
		if err != nil {
			return mapError(err)
		}
		return c.JSON(inst)
	})

	api.Get("/instances/:id/approvers", func(c *fiber.Ctx) error {
		id, err := c.ParamsInt("id")
		if err != nil || id <= 0 {
			return fiber.NewError(fiber.StatusBadRequest, "invalid instance id")
		}
		approvers, err := svc.InstanceApprovers(c.Context(), uint(id))
		if err != nil {
			return mapError(err)
		}
		return c.JSON(fiber.Map{"approvers": approvers})
	})

	api.Get("/approvals/pending", func(c *fiber.Ctx) error {
		actorID, err := actor(c)
		if err != nil {
			return err
		}
		pending, err := svc.ListPendingApprovals(c.Context(), actorID)
		if err != nil {
			return mapError(err)
		}
		return c.JSON(pending)
	})
}

type actionBody struct {
	Comment string `json:"comment"`
	Reason  string `json:"reason"`
}

func actionRoute(c *fiber.Ctx, fn func(id, actorID uint, body actionBody) (*hrflow.WorkflowInstance, error)) error {
	actorID, err := actor(c)
	if err != nil {
		return err
	}
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "invalid instance id")
	}

	var body actionBody
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}

	inst, err := fn(uint(id), actorID, body)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(inst)
}

func actor(c *fiber.Ctx) (uint, error) {
	userID, ok := c.Locals("user_id").(uint)
	if !ok {
		return 0, fiber.NewError(fiber.StatusUnauthorized, "user_id not found in context")
	}
	return userID, nil
}

// mapError translates the library's sentinel errors onto HTTP statuses.
// Precondition conflicts are 409 so clients can tell a lost race from a
// malformed request.
func mapError(err error) error {
	switch {
	case errors.Is(err, hrflow.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, hrflow.ErrNotAuthorized), errors.Is(err, hrflow.ErrNotCreator):
		return fiber.NewError(fiber.StatusForbidden, err.Error())
	case errors.Is(err, hrflow.ErrNoMatchingTemplate), errors.Is(err, hrflow.ErrNoApprovers):
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, hrflow.ErrWrongStatus),
		errors.Is(err, hrflow.ErrInstanceTerminal),
		errors.Is(err, hrflow.ErrNotCurrentStep),
		errors.Is(err, hrflow.ErrStepAlreadyResolved),
		errors.Is(err, hrflow.ErrDeclineNotAllowed),
		errors.Is(err, hrflow.ErrAdjustNotAllowed),
		errors.Is(err, hrflow.ErrNegativeBalance):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, hrflow.ErrInvalidInput):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return err
}
