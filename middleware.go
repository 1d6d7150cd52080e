package hrflow

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// RequirePermission provides Fiber middleware gating a route on one
// permission. The authenticated user id must already sit in c.Locals
// ("user_id"); an optional "location_id" local narrows the check to a
// location.
func (s *Service) RequirePermission(permission string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, ok := c.Locals("user_id").(uint)
		if !ok {
			s.logAudit(c.Context(), 0, "middleware_check",
				fmt.Sprintf("permission:%s", permission), 0, "missing user_id")
			return fiber.NewError(fiber.StatusUnauthorized, "user_id not found in context")
		}

		var opts AuthorityOptions
		if locID, ok := c.Locals("location_id").(uint); ok {
			opts.LocationID = &locID
		}

		dec, err := s.Authorize(c.Context(), userID, permission, opts)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		if !dec.Authorized {
			s.logAudit(c.Context(), userID, "middleware_check",
				fmt.Sprintf("permission:%s", permission), 0, dec.Reason)
			return fiber.NewError(fiber.StatusForbidden, dec.Reason)
		}
		return c.Next()
	}
}
