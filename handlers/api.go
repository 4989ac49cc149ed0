// Package handlers implements the development server: the platform API
// subset the SDK talks to, and the realtime room endpoint.
package handlers

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/base44/go-sdk/logger"
	"github.com/base44/go-sdk/models"
)

// Server bundles what the routes need.
type Server struct {
	Memory *Memory
	Hub    *Hub
	Log    *logger.Logger

	// Tokens accepted as user and service credentials. When both are empty
	// every request is accepted.
	UserToken    string
	ServiceToken string

	// Gatherer backs /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
}

const (
	localRole   = "role"
	localUserID = "user_id"
)

type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

func fail(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(apiError{Message: message, Code: code})
}

// Register mounts every route on app.
func (s *Server) Register(app *fiber.App) {
	app.Use(s.requestLogger())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	gatherer := s.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	metricsHandler := fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	app.Get("/metrics", func(c *fiber.Ctx) error {
		metricsHandler(c.Context())
		return nil
	})

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(func(c *websocket.Conn) {
		HandleWebSocket(c, s.Hub)
	}))

	api := app.Group("/api/apps/:appID", s.authenticate)

	api.Post("/agents/conversations", s.createConversation)
	api.Get("/agents/conversations", s.listConversations)
	api.Get("/agents/conversations/:id", s.getConversation)
	api.Put("/agents/conversations/:id", s.updateConversation)
	api.Post("/agents/conversations/:id/messages", s.addMessage)

	api.Get("/entities/:name", entity(s.listRecords))
	api.Post("/entities/:name", entity(s.createRecord))
	api.Get("/entities/:name/:id", entity(s.getRecord))
	api.Put("/entities/:name/:id", entity(s.updateRecord))
	api.Delete("/entities/:name/:id", entity(s.deleteRecord))
}

// entity rejects entity names whose rooms belong to another feature.
func entity(next fiber.Handler) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if models.ReservedScope(c.Params("name")) {
			return fail(c, fiber.StatusBadRequest, "RESERVED_ENTITY", "entity name is reserved")
		}
		return next(c)
	}
}

func (s *Server) requestLogger() fiber.Handler {
	log := logger.OrNop(s.Log).Component("api")
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		}
		log.LogRequest(c.Method(), c.Path(), status, time.Since(start), err)
		return err
	}
}

func (s *Server) authenticate(c *fiber.Ctx) error {
	if s.UserToken == "" && s.ServiceToken == "" {
		c.Locals(localRole, "user")
		c.Locals(localUserID, "anonymous")
		return c.Next()
	}
	token := strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	switch {
	case token == "":
		return fail(c, fiber.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
	case s.ServiceToken != "" && token == s.ServiceToken:
		c.Locals(localRole, "service")
		c.Locals(localUserID, "service")
	case s.UserToken != "" && token == s.UserToken:
		c.Locals(localRole, "user")
		c.Locals(localUserID, "user")
	default:
		return fail(c, fiber.StatusForbidden, "FORBIDDEN", "invalid token")
	}
	return c.Next()
}

func userID(c *fiber.Ctx) string {
	id, _ := c.Locals(localUserID).(string)
	return id
}

func (s *Server) broadcast(room string, data any) {
	if _, err := s.Hub.Broadcast(room, data); err != nil {
		logger.OrNop(s.Log).Error().Err(err).Str("room", room).Msg("Failed to broadcast update")
	}
}

func (s *Server) createConversation(c *fiber.Ctx) error {
	var body struct {
		AgentName string         `json:"agent_name"`
		Metadata  map[string]any `json:"metadata"`
	}
	if err := c.BodyParser(&body); err != nil {
		return fail(c, fiber.StatusBadRequest, "INVALID_BODY", err.Error())
	}
	if body.AgentName == "" {
		return fail(c, fiber.StatusBadRequest, "MISSING_AGENT_NAME", "agent_name is required")
	}
	conv := s.Memory.CreateConversation(c.Params("appID"), userID(c), body.AgentName, body.Metadata)
	return c.Status(fiber.StatusCreated).JSON(conv)
}

// pageParams reads limit and skip from the query string.
func pageParams(c *fiber.Ctx) (limit, skip int, err error) {
	if v := c.Query("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return 0, 0, errors.New("limit must be a non-negative integer")
		}
	}
	if v := c.Query("skip"); v != "" {
		if skip, err = strconv.Atoi(v); err != nil || skip < 0 {
			return 0, 0, errors.New("skip must be a non-negative integer")
		}
	}
	return limit, skip, nil
}

func queryFilter(c *fiber.Ctx) (map[string]any, error) {
	q := c.Query("q")
	if q == "" {
		return nil, nil
	}
	var filter map[string]any
	if err := json.Unmarshal([]byte(q), &filter); err != nil {
		return nil, errors.New("q must be a JSON object")
	}
	return filter, nil
}

func page[T any](items []T, limit, skip int) []T {
	if skip >= len(items) {
		return []T{}
	}
	items = items[skip:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (s *Server) listConversations(c *fiber.Ctx) error {
	limit, skip, err := pageParams(c)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "INVALID_QUERY", err.Error())
	}
	filter, err := queryFilter(c)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "INVALID_QUERY", err.Error())
	}
	agentName, _ := filter["agent_name"].(string)
	convs := s.Memory.Conversations(c.Params("appID"), agentName)
	return c.JSON(page(convs, limit, skip))
}

func (s *Server) getConversation(c *fiber.Ctx) error {
	conv, err := s.Memory.Conversation(c.Params("appID"), c.Params("id"))
	if err != nil {
		return fail(c, fiber.StatusNotFound, "NOT_FOUND", "conversation not found")
	}
	return c.JSON(conv)
}

func (s *Server) updateConversation(c *fiber.Ctx) error {
	var body struct {
		Metadata map[string]any `json:"metadata"`
	}
	if err := c.BodyParser(&body); err != nil {
		return fail(c, fiber.StatusBadRequest, "INVALID_BODY", err.Error())
	}
	appID := c.Params("appID")
	conv, err := s.Memory.UpdateConversationMetadata(appID, c.Params("id"), body.Metadata)
	if err != nil {
		return fail(c, fiber.StatusNotFound, "NOT_FOUND", "conversation not found")
	}
	s.broadcast(models.ConversationRoom(appID, conv.ID), conv)
	return c.JSON(conv)
}

func (s *Server) addMessage(c *fiber.Ctx) error {
	var msg models.Message
	if err := c.BodyParser(&msg); err != nil {
		return fail(c, fiber.StatusBadRequest, "INVALID_BODY", err.Error())
	}
	if msg.Role == "" {
		msg.Role = models.RoleUser
	}
	if !msg.Role.Valid() {
		return fail(c, fiber.StatusBadRequest, "INVALID_ROLE", "role must be user, assistant or system")
	}

	appID := c.Params("appID")
	stored, conv, err := s.Memory.AppendMessage(appID, c.Params("id"), userID(c), msg)
	if err != nil {
		return fail(c, fiber.StatusNotFound, "NOT_FOUND", "conversation not found")
	}
	s.broadcast(models.ConversationRoom(appID, conv.ID), conv)
	return c.Status(fiber.StatusCreated).JSON(stored)
}

func (s *Server) listRecords(c *fiber.Ctx) error {
	limit, skip, err := pageParams(c)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "INVALID_QUERY", err.Error())
	}
	filter, err := queryFilter(c)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "INVALID_QUERY", err.Error())
	}
	records := s.Memory.Records(c.Params("appID"), c.Params("name"), filter)
	return c.JSON(page(records, limit, skip))
}

func (s *Server) getRecord(c *fiber.Ctx) error {
	rec, err := s.Memory.Record(c.Params("appID"), c.Params("name"), c.Params("id"))
	if err != nil {
		return fail(c, fiber.StatusNotFound, "NOT_FOUND", "record not found")
	}
	return c.JSON(rec)
}

func (s *Server) createRecord(c *fiber.Ctx) error {
	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return fail(c, fiber.StatusBadRequest, "INVALID_BODY", err.Error())
	}
	appID, name := c.Params("appID"), c.Params("name")
	rec := s.Memory.CreateRecord(appID, name, body)
	s.publishEntity(appID, name, "create", rec["id"].(string), rec)
	return c.Status(fiber.StatusCreated).JSON(rec)
}

func (s *Server) updateRecord(c *fiber.Ctx) error {
	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return fail(c, fiber.StatusBadRequest, "INVALID_BODY", err.Error())
	}
	appID, name, id := c.Params("appID"), c.Params("name"), c.Params("id")
	rec, err := s.Memory.UpdateRecord(appID, name, id, body)
	if err != nil {
		return fail(c, fiber.StatusNotFound, "NOT_FOUND", "record not found")
	}
	s.publishEntity(appID, name, "update", id, rec)
	return c.JSON(rec)
}

func (s *Server) deleteRecord(c *fiber.Ctx) error {
	appID, name, id := c.Params("appID"), c.Params("name"), c.Params("id")
	if err := s.Memory.DeleteRecord(appID, name, id); err != nil {
		return fail(c, fiber.StatusNotFound, "NOT_FOUND", "record not found")
	}
	s.publishEntity(appID, name, "delete", id, nil)
	return c.SendStatus(fiber.StatusNoContent)
}

// publishEntity notifies the record room and the collection room.
func (s *Server) publishEntity(appID, name, kind, id string, data map[string]any) {
	ev := models.EntityEvent{Type: kind, ID: id, Data: data, Timestamp: now()}
	s.broadcast(models.Room(appID, name, id), ev)
	s.broadcast(models.Room(appID, name, ""), ev)
}
