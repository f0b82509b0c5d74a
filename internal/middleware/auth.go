package middleware

import (
	"strconv"

	"genflow-api/internal/ctx"
	"genflow-api/internal/shared"

	"github.com/labstack/echo/v4"
)

// ExtractUser attaches the caller when the bearer credential resolves.
// Calls bearing the internal key name the user in the X-User-Id header.
func (u *UserManager) ExtractUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(cc echo.Context) error {
		c := cc.(*ctx.Context)
		c.User = nil

		token, err := shared.ExtractBearer(c, 0)
		if err != nil {
			return next(c)
		}

		if u.internalKey != "" && token == u.internalKey {
			id, err := strconv.ParseUint(c.Request().Header.Get(shared.InternalUserIDHeader), 10, 64)
			if err != nil || id == 0 {
				return next(c)
			}
			c.User = &shared.UserMetadata{UserID: id}
			c.LogValues.Internal = true
		} else {
			if len(token) < shared.SessionTokenMinLength {
				return next(c)
			}
			user, err := u.getUserFromSession(c.Request().Context(), token)
			if err != nil {
				return next(c)
			}
			c.User = user
		}
		c.Log = c.Log.With("user_id", c.User.UserID)
		c.LogValues.UserID = c.User.UserID
		c.LogValues.Credits = c.User.Credits
		return next(c)
	}
}

func (u *UserManager) RequireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(cc echo.Context) error {
		c := cc.(*ctx.Context)
		if c.User == nil {
			status, body := shared.ErrorBodyFrom(shared.ErrUnauthorized)
			return c.JSON(status, body)
		}
		return next(c)
	}
}
