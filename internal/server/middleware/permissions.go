package middleware

import (
	"net/http"
	"slices"
	"strconv"

	"github.com/labstack/echo/v4"
)

const roleAdmin = "admin"

func HasPermission(user *AppUser, permission string) bool {
	if user == nil {
		return false
	}
	return slices.Contains(user.Permissions, permission)
}

func HasAnyPermission(user *AppUser, permissions ...string) bool {
	return slices.ContainsFunc(permissions, func(p string) bool {
		return HasPermission(user, p)
	})
}

func IsAdmin(user *AppUser) bool {
	return user != nil && user.Role == roleAdmin
}

// CanAccessInvestigation reports whether user may read an investigation
// created by createdBy. Admins see every investigation of the project.
func CanAccessInvestigation(user *AppUser, createdBy string) bool {
	if user == nil {
		return false
	}
	return IsAdmin(user) || createdBy == strconv.FormatInt(user.UserID, 10)
}

func RequirePermission(permission string) echo.MiddlewareFunc {
	return require("Forbidden: missing permission "+permission, func(user *AppUser) bool {
		return HasPermission(user, permission)
	})
}

func RequireAnyPermission(permissions ...string) echo.MiddlewareFunc {
	return require("Forbidden: missing required permission", func(user *AppUser) bool {
		return HasAnyPermission(user, permissions...)
	})
}

func require(forbidden string, allowed func(*AppUser) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user := c.(*AppContext).User
			if user == nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}
			if !allowed(user) {
				return c.JSON(http.StatusForbidden, map[string]string{"error": forbidden})
			}
			return next(c)
		}
	}
}
