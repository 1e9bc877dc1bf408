package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/crypto/bcrypt"
)

// DocsAuth returns a BasicAuth middleware for the docs routes. With a
// bcrypt passwordHash the password is checked against it; otherwise it is
// compared to password in constant time.
func DocsAuth(username, password, passwordHash string) (echo.MiddlewareFunc, error) {
	checkPassword := func(pass string) bool {
		return subtle.ConstantTimeCompare([]byte(pass), []byte(password)) == 1
	}
	if passwordHash != "" {
		hash := []byte(passwordHash)
		if _, err := bcrypt.Cost(hash); err != nil {
			return nil, fmt.Errorf("invalid docs password hash: %w", err)
		}
		checkPassword = func(pass string) bool {
			return bcrypt.CompareHashAndPassword(hash, []byte(pass)) == nil
		}
	}

	return middleware.BasicAuthWithConfig(middleware.BasicAuthConfig{
		Realm: "docs",
		Validator: func(user, pass string, c echo.Context) (bool, error) {
			userOK := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
			passOK := checkPassword(pass)
			return userOK && passOK, nil
		},
	}), nil
}

type routeDoc struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

// HandleDocs handles GET /docs. Lists every registered route.
func (h *Handler) HandleDocs(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"title":  "File Relay API",
		"routes": documentedRoutes(c.Echo()),
	})
}

// HandleOpenAPI handles GET /openapi.json.
func (h *Handler) HandleOpenAPI(c echo.Context) error {
	paths := map[string]map[string]any{}
	for _, r := range documentedRoutes(c.Echo()) {
		p := openAPIPath(r.Path)
		if paths[p] == nil {
			paths[p] = map[string]any{}
		}
		paths[p][strings.ToLower(r.Method)] = echo.Map{
			"responses": echo.Map{"200": echo.Map{"description": "OK"}},
		}
	}

	return c.JSON(http.StatusOK, echo.Map{
		"openapi": "3.0.3",
		"info":    echo.Map{"title": "File Relay API", "version": "1.0.0"},
		"paths":   paths,
	})
}

func documentedRoutes(e *echo.Echo) []routeDoc {
	var routes []routeDoc
	for _, r := range e.Routes() {
		if strings.HasPrefix(r.Method, "echo_") {
			continue
		}
		routes = append(routes, routeDoc{Method: r.Method, Path: r.Path})
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path == routes[j].Path {
			return routes[i].Method < routes[j].Method
		}
		return routes[i].Path < routes[j].Path
	})
	return routes
}

// openAPIPath rewrites echo params (":code") to OpenAPI form ("{code}").
func openAPIPath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if strings.HasPrefix(part, ":") {
			parts[i] = "{" + part[1:] + "}"
		}
	}
	return strings.Join(parts, "/")
}
