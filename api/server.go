// Package api предоставляет HTTP API движка саг: запуск саг, чтение
// состояния, health-check, метрики Prometheus и websocket-поток событий
// жизненного цикла.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akriventsev/sagaflow/core"
	"github.com/akriventsev/sagaflow/events"
	"github.com/akriventsev/sagaflow/saga"
)

// SagaService операции движка, которые обслуживает API
type SagaService interface {
	StartSaga(ctx context.Context, sagaType string, payload json.RawMessage) (*saga.Instance, error)
	GetSaga(ctx context.Context, sagaID string) (*saga.Instance, error)
	InFlight(ctx context.Context) (int, error)
}

// ServerConfig конфигурация HTTP сервера
type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Validate проверяет корректность конфигурации
func (c ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be in range 1-65535")
	}
	return nil
}

// DefaultServerConfig возвращает конфигурацию сервера по умолчанию
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:        8080,
		ReadTimeout: 10 * time.Second,
		// Websocket-поток держит соединение дольше обычного запроса
		WriteTimeout: 0,
	}
}

// Server HTTP сервер движка саг
type Server struct {
	config   ServerConfig
	service  SagaService
	eventBus events.EventBus
	router   *gin.Engine
	server   *http.Server
	upgrader websocket.Upgrader
	running  bool
}

// NewServer создает новый HTTP сервер. eventBus может быть nil, тогда
// endpoint /sagas/:id/watch отвечает 501.
func NewServer(config ServerConfig, service SagaService, eventBus events.EventBus) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, core.Wrap(err, core.ErrInvalidConfig, "invalid api server config")
	}

	s := &Server{
		config:   config,
		service:  service,
		eventBus: eventBus,
		router:   gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	s.router.Use(gin.Recovery())
	s.registerRoutes()
	return s, nil
}

// Router возвращает gin-роутер, в том числе для httptest
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Name возвращает имя компонента (реализация core.Component)
func (s *Server) Name() string {
	return "api-server"
}

// Type возвращает тип компонента (реализация core.Component)
func (s *Server) Type() core.ComponentType {
	return core.ComponentTypeTransport
}

// IsRunning проверяет, запущен ли сервер
func (s *Server) IsRunning() bool {
	return s.running
}

// Start запускает HTTP сервер (реализация core.Lifecycle)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("api server: %v", err)
		}
	}()

	s.running = true
	return nil
}

// Stop останавливает сервер, дожидаясь активных запросов
// (реализация core.Lifecycle)
func (s *Server) Stop(ctx context.Context) error {
	s.running = false
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.router.POST("/sagas", s.startSaga)
	s.router.GET("/sagas/:id", s.getSaga)
	s.router.GET("/sagas/:id/watch", s.watchSaga)
	s.router.GET("/health", s.health)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

type startSagaRequest struct {
	Type    string          `json:"type" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

// startSaga запускает новую сагу. Запуск асинхронный, поэтому ответ 202:
// сага принята, прогресс наблюдается через GET /sagas/:id.
func (s *Server) startSaga(c *gin.Context) {
	var req startSagaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	instance, err := s.service.StartSaga(c.Request.Context(), req.Type, req.Payload)
	if err != nil {
		if core.IsCode(err, core.ErrNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown saga type %q", req.Type)})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"saga_id": instance.ID,
		"state":   instance.State,
	})
}

func (s *Server) getSaga(c *gin.Context) {
	instance, err := s.service.GetSaga(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, saga.ErrSagaNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "saga not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, instance)
}

func (s *Server) health(c *gin.Context) {
	inFlight, err := s.service.InFlight(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "in_flight": inFlight})
}

// watchEvent кадр websocket-потока событий жизненного цикла
type watchEvent struct {
	EventType  string    `json:"event_type"`
	SagaID     string    `json:"saga_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Step       string    `json:"step,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// watchSaga отдает события жизненного цикла саги через websocket
// до терминального события или отключения клиента
func (s *Server) watchSaga(c *gin.Context) {
	if s.eventBus == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "event stream is not configured"})
		return
	}

	sagaID := c.Param("id")
	if _, err := s.service.GetSaga(c.Request.Context(), sagaID); err != nil {
		if errors.Is(err, saga.ErrSagaNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "saga not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade сам пишет ответ клиенту
		log.Printf("api server: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	frames := make(chan watchEvent, 64)
	handler := &events.EventHandlerFunc{
		Type: events.WildcardEventType,
		Fn: func(ctx context.Context, event events.Event) error {
			if event.AggregateID() != sagaID {
				return nil
			}
			frame := watchEvent{
				EventType:  event.EventType(),
				SagaID:     event.AggregateID(),
				OccurredAt: event.OccurredAt(),
			}
			if step, ok := event.Metadata().Get("step_name"); ok {
				frame.Step, _ = step.(string)
			}
			if reason, ok := event.Metadata().Get("reason"); ok {
				frame.Reason, _ = reason.(string)
			}
			select {
			case frames <- frame:
			default:
				// Медленный клиент теряет кадры, состояние доступно через GET
			}
			return nil
		},
	}
	if err := s.eventBus.Subscribe(events.WildcardEventType, handler); err != nil {
		log.Printf("api server: failed to subscribe watch stream: %v", err)
		return
	}
	defer func() { _ = s.eventBus.Unsubscribe(events.WildcardEventType, handler) }()

	// Чтение только ради обнаружения закрытия соединения клиентом
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case frame := <-frames:
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
			if isTerminalEvent(frame.EventType) {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, frame.EventType))
				return
			}
		}
	}
}

func isTerminalEvent(eventType string) bool {
	switch eventType {
	case saga.EventSagaCompleted, saga.EventSagaCompensated, saga.EventSagaFailed:
		return true
	}
	return false
}
