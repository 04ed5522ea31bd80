package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"taskmonitor-api/domain"
	"taskmonitor-api/storage"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, store Storage, auth Authenticator, logger *log.Logger) {
	e.POST("/register", register(store))
	e.POST("/login", login(store, auth))
	e.GET("/tasks", listTasks(store, auth))
	e.POST("/tasks", createTask(store, auth))
	e.PUT("/tasks/:id", updateTask(store, auth))
	e.PATCH("/tasks/:id/toggle", toggleTask(store, auth))
	e.DELETE("/tasks/:id", deleteTask(store, auth))
	e.GET("/api/stats", getStats(store, auth, logger))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		// TODO: ping the table service so readiness reflects storage health.
		return c.NoContent(http.StatusOK)
	}
}

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, requestBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func statusForAuthError(err error) int {
	if errors.Is(err, errMissingAuthorization) {
		return http.StatusUnauthorized
	}
	return http.StatusForbidden
}

func register(store Storage) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req registerRequest
		if err := decodeBody(c, &req); err != nil {
			return c.JSON(http.StatusBadRequest, messageResponse{Message: "invalid body"})
		}
		req.Username = strings.TrimSpace(req.Username)
		req.Email = strings.TrimSpace(req.Email)
		if req.Username == "" || req.Email == "" || req.Password == "" {
			return c.JSON(http.StatusBadRequest, messageResponse{Message: "username, email and password are required"})
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, messageResponse{Message: "error creating user"})
		}

		user := domain.User{
			ID:           uuid.NewString(),
			Username:     req.Username,
			Email:        req.Email,
			PasswordHash: string(hash),
		}
		if err := store.CreateUser(c.Request().Context(), user); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return c.JSON(http.StatusBadRequest, messageResponse{Message: "user already exists"})
			}
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, messageResponse{Message: "error creating user"})
		}
		return c.JSON(http.StatusCreated, messageResponse{Message: "user created successfully"})
	}
}

func login(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req loginRequest
		if err := decodeBody(c, &req); err != nil {
			return c.JSON(http.StatusBadRequest, messageResponse{Message: "invalid body"})
		}

		user, err := store.UserByUsername(c.Request().Context(), req.Username)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// Same response as a bad password, so probes cannot tell
				// an unknown username from a wrong password.
				return c.JSON(http.StatusBadRequest, messageResponse{Message: "invalid credentials"})
			}
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, messageResponse{Message: "error logging in"})
		}
		if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
			return c.JSON(http.StatusBadRequest, messageResponse{Message: "invalid credentials"})
		}

		token, err := auth.IssueToken(user.ID, user.Username)
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, messageResponse{Message: "error logging in"})
		}
		return c.JSON(http.StatusOK, loginResponse{Token: token, Username: user.Username})
	}
}

func listTasks(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(statusForAuthError(err), messageResponse{Message: err.Error()})
		}
		tasks, err := store.ListTasks(c.Request().Context(), userID)
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, messageResponse{Message: "error fetching tasks"})
		}
		return c.JSON(http.StatusOK, tasks)
	}
}

func createTask(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(statusForAuthError(err), messageResponse{Message: err.Error()})
		}

		var req createTaskRequest
		if err := decodeBody(c, &req); err != nil {
			return c.JSON(http.StatusBadRequest, messageResponse{Message: "invalid body"})
		}
		name := strings.TrimSpace(req.Name)
		if name == "" {
			return c.JSON(http.StatusBadRequest, messageResponse{Message: "task name is required"})
		}
		category := strings.TrimSpace(req.Category)
		if category == "" {
			category = domain.DefaultCategory
		}

		task := domain.Task{
			ID:       uuid.NewString(),
			UserID:   userID,
			Name:     name,
			Deadline: req.Deadline,
			Category: category,
		}
		created, err := store.InsertTask(c.Request().Context(), task)
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, messageResponse{Message: "error creating task"})
		}
		return c.JSON(http.StatusCreated, created)
	}
}

func updateTask(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(statusForAuthError(err), messageResponse{Message: err.Error()})
		}

		var req updateTaskRequest
		if err := decodeBody(c, &req); err != nil {
			return c.JSON(http.StatusBadRequest, messageResponse{Message: "invalid body"})
		}
		if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
			return c.JSON(http.StatusBadRequest, messageResponse{Message: "task name is required"})
		}

		patch := domain.TaskPatch{
			Name:      req.Name,
			Deadline:  req.Deadline,
			Category:  req.Category,
			Completed: req.Completed,
		}
		updated, err := store.UpdateTask(c.Request().Context(), userID, c.Param("id"), patch)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return c.JSON(http.StatusNotFound, messageResponse{Message: "task not found"})
			}
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, messageResponse{Message: "error updating task"})
		}
		return c.JSON(http.StatusOK, updated)
	}
}

func toggleTask(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(statusForAuthError(err), messageResponse{Message: err.Error()})
		}

		toggled, err := store.ToggleTask(c.Request().Context(), userID, c.Param("id"))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return c.JSON(http.StatusNotFound, messageResponse{Message: "task not found"})
			}
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, messageResponse{Message: "error updating task"})
		}
		return c.JSON(http.StatusOK, toggled)
	}
}

func deleteTask(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(statusForAuthError(err), messageResponse{Message: err.Error()})
		}

		if err := store.DeleteTask(c.Request().Context(), userID, c.Param("id")); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return c.JSON(http.StatusNotFound, messageResponse{Message: "task not found"})
			}
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, messageResponse{Message: "error deleting task"})
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func getStats(store Storage, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, spanCtx := newStatsRequestMetrics(c.Request().Context(), logger)
		c.SetRequest(c.Request().WithContext(spanCtx))
		ctx := spanCtx
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.JSON(statusForAuthError(authErr), messageResponse{Message: authErr.Error()})
			return err
		}

		fetchStart := time.Now()
		tasks, fetchErr := store.ListTasks(ctx, userID)
		metrics.ObserveFetch(time.Since(fetchStart))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			c.Logger().Error(fetchErr)
			err = c.JSON(http.StatusInternalServerError, messageResponse{Message: "error fetching statistics"})
			return err
		}
		metrics.SetTasksScanned(len(tasks))

		computeStart := time.Now()
		stats := domain.ComputeStats(tasks, time.Now())
		metrics.ObserveCompute(time.Since(computeStart))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, stats)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}
