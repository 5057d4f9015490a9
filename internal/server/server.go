package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/settleco/settle/internal/config"
	"github.com/settleco/settle/internal/engine"
	"github.com/settleco/settle/internal/logger"
	"github.com/settleco/settle/internal/observability/tracing"
	processordomain "github.com/settleco/settle/internal/processor/domain"
	"github.com/settleco/settle/internal/processor/registry"
	receiptdomain "github.com/settleco/settle/internal/receipt/domain"
	receiptservice "github.com/settleco/settle/internal/receipt/service"
)

// Server exposes the operational API: trigger a billing run, inspect
// and tune the processor table, and read the receipt ledger.
type Server struct {
	log      *zap.Logger
	cfg      config.Config
	db       *gorm.DB
	engine   *engine.Engine
	registry *registry.Registry
	ledger   receiptdomain.Ledger
	receipts *receiptservice.Service

	router *gin.Engine
	http   *http.Server
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Config   config.Config
	DB       *gorm.DB
	Engine   *engine.Engine
	Registry *registry.Registry
	Ledger   receiptdomain.Ledger
	Receipts *receiptservice.Service
}

func New(p Params) *Server {
	if p.Config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		log:      p.Log.Named("server"),
		cfg:      p.Config,
		db:       p.DB,
		engine:   p.Engine,
		registry: p.Registry,
		ledger:   p.Ledger,
		receipts: p.Receipts,
	}
	s.router = s.buildRouter()
	s.http = &http.Server{
		Addr:              p.Config.HTTPAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/healthz", s.handleHealth)

	api := router.Group("/api")
	{
		runLimiter := newRateLimiter(5, time.Minute)
		api.POST("/billing/run", runLimiter.middleware(), s.handleBillingRun)

		api.GET("/processors", s.handleListProcessors)
		api.PATCH("/processors/:name", s.handleUpdateProcessor)

		api.GET("/receipts", s.handleListReceipts)
		api.GET("/receipts/:transaction_id", s.handleGetReceipt)
		api.POST("/receipts/:transaction_id/refund", s.handleRefund)
		api.POST("/receipts/:transaction_id/void", s.handleVoid)
	}
	return router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx := tracing.ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		}
		if auth := c.GetHeader("Authorization"); auth != "" {
			fields = append(fields, zap.String("authorization", logger.MaskAuthorization(auth)))
		}
		s.log.Info("request", fields...)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleBillingRun(c *gin.Context) {
	summary, err := s.engine.Run(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleListProcessors(c *gin.Context) {
	testConnections := c.Query("test_connections") == "true"
	statuses := s.registry.GetAvailableProcessors(c.Request.Context(), testConnections)
	c.JSON(http.StatusOK, gin.H{"processors": statuses})
}

type updateProcessorRequest struct {
	Enabled  *bool `json:"enabled"`
	Priority *int  `json:"priority"`
}

func (s *Server) handleUpdateProcessor(c *gin.Context) {
	var req updateProcessorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortValidation(c, "invalid request body")
		return
	}
	if req.Enabled == nil && req.Priority == nil {
		abortValidation(c, "nothing to update")
		return
	}

	name := c.Param("name")
	if req.Enabled != nil {
		if err := s.registry.SetEnabled(name, *req.Enabled); err != nil {
			abortWithError(c, err)
			return
		}
	}
	if req.Priority != nil {
		if err := s.registry.SetPriority(name, *req.Priority); err != nil {
			abortWithError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"processors": s.registry.GetAvailableProcessors(c.Request.Context(), false)})
}

func (s *Server) handleListReceipts(c *gin.Context) {
	filter := receiptdomain.ListFilter{
		Status: c.Query("status"),
		Type:   c.Query("type"),
	}
	if raw := c.Query("billing_account_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			abortValidation(c, "billing_account_id must be an integer")
			return
		}
		filter.BillingAccountID = id
	}
	filter.Limit, _ = strconv.Atoi(c.Query("limit"))
	filter.Offset, _ = strconv.Atoi(c.Query("offset"))

	receipts, err := s.ledger.List(c.Request.Context(), filter)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipts": receipts})
}

func (s *Server) handleGetReceipt(c *gin.Context) {
	receipt, err := s.ledger.FindByTransactionID(c.Request.Context(), c.Param("transaction_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

func (s *Server) handleRefund(c *gin.Context) {
	s.handleCorrection(c, receiptdomain.TypeRefund)
}

func (s *Server) handleVoid(c *gin.Context) {
	s.handleCorrection(c, receiptdomain.TypeVoid)
}

// handleCorrection reverses a settled receipt through the processor
// that produced it, then appends the correction entry. The original
// ledger entry is never touched.
func (s *Server) handleCorrection(c *gin.Context, kind string) {
	ctx := c.Request.Context()
	transactionID := c.Param("transaction_id")

	receipt, err := s.ledger.FindByTransactionID(ctx, transactionID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if receipt.Status != receiptdomain.StatusSuccess || receipt.ProcessorTransactionID == "" {
		abortValidation(c, "receipt is not a settled charge")
		return
	}

	adapter, err := s.registry.Choose(ctx, receipt.ProcessorName)
	if err != nil {
		abortWithError(c, err)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderCallTimeout)
	defer cancel()
	request := processorTransaction(receipt)
	var res processorResult
	if kind == receiptdomain.TypeVoid {
		res.result, res.err = adapter.VoidTransaction(callCtx, request)
	} else {
		res.result, res.err = adapter.RefundTransaction(callCtx, request)
	}
	if res.err != nil {
		abortWithError(c, res.err)
		return
	}

	correction, err := s.receipts.RecordCorrection(ctx, transactionID, kind, res.result)
	if err != nil {
		abortWithError(c, err)
		return
	}
	status := http.StatusOK
	if correction.Status == receiptdomain.StatusFailed {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, correction)
}

type processorResult struct {
	result processordomain.Result
	err    error
}

func processorTransaction(receipt receiptdomain.Receipt) processordomain.TransactionRequest {
	return processordomain.TransactionRequest{
		TransactionID: receipt.ProcessorTransactionID,
		AmountCents:   receipt.AmountCents,
		Currency:      receipt.Currency,
	}
}

// Start begins serving. ErrServerClosed from a clean shutdown is not an
// error.
func (s *Server) Start() {
	s.log.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error("http server exited", zap.Error(err))
	}
}

func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

var Module = fx.Module("server",
	fx.Provide(New),
	fx.Invoke(func(lc fx.Lifecycle, s *Server) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				go s.Start()
				return nil
			},
			OnStop: s.Stop,
		})
	}),
)
