package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/finledger/pkg/finance"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Run boots the finance HTTP API using the supplied configuration.
func Run(ctx context.Context, cfg Config, service *finance.Service, aggregator *finance.Aggregator, logger *zap.Logger) error {
	handler := &httpHandler{
		logger:     logger,
		service:    service,
		aggregator: aggregator,
		cfg:        cfg,
	}

	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("finance api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")

	api.POST("/invoices", handler.handleCreateInvoice)
	api.GET("/invoices", handler.handleListInvoices)
	api.GET("/invoices/:id", handler.handleGetInvoice)
	api.POST("/payments", handler.handleRecordPayment)
	api.GET("/payments", handler.handleListPayments)
	api.POST("/finance-reports/generate", handler.handleGenerateReport)
	api.GET("/finance-reports", handler.handleListReports)
	api.GET("/finance-reports/:id", handler.handleGetReport)
	api.GET("/finance-reports/:id/export", handler.handleExportReport)

	return router
}

type httpHandler struct {
	logger     *zap.Logger
	service    *finance.Service
	aggregator *finance.Aggregator
	cfg        Config
}

func (handler *httpHandler) handleCreateInvoice(ctx *gin.Context) {
	var request createInvoiceRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	propertyID, err := finance.NewPropertyID(request.PropertyID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	month, err := finance.NewMonth(request.Month)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	domain, err := finance.ParseInvoiceDomain(request.Domain)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.StoreTimeout)
	defer cancel()

	invoice, err := handler.service.CreateInvoice(requestCtx, propertyID, month, domain, request.AmountDue)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"invoice": invoicePayloadFrom(invoice)})
}

func (handler *httpHandler) handleGetInvoice(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.StoreTimeout)
	defer cancel()

	invoice, err := handler.service.GetInvoice(requestCtx, ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"invoice": invoicePayloadFrom(invoice)})
}

func (handler *httpHandler) handleListInvoices(ctx *gin.Context) {
	month, err := finance.NewMonth(ctx.Query("month"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	var domain *finance.InvoiceDomain
	if rawDomain := ctx.Query("domain"); rawDomain != "" {
		parsed, err := finance.ParseInvoiceDomain(rawDomain)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		domain = &parsed
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.StoreTimeout)
	defer cancel()

	invoices, err := handler.service.ListInvoices(requestCtx, month, domain)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payloads := make([]invoicePayload, 0, len(invoices))
	for _, invoice := range invoices {
		payloads = append(payloads, invoicePayloadFrom(invoice))
	}
	ctx.JSON(http.StatusOK, gin.H{"invoices": payloads})
}

func (handler *httpHandler) handleRecordPayment(ctx *gin.Context) {
	var request recordPaymentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	method, err := finance.ParsePaymentMethod(request.Method)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.StoreTimeout)
	defer cancel()

	payment, err := handler.service.RecordPayment(requestCtx, request.InvoiceID, request.Amount, method)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"payment": paymentPayloadFrom(payment)})
}

func (handler *httpHandler) handleListPayments(ctx *gin.Context) {
	limit := 0
	if rawLimit := ctx.Query("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "limit must be an integer"))
			return
		}
		limit = parsed
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.StoreTimeout)
	defer cancel()

	payments, err := handler.service.ListPayments(requestCtx, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payloads := make([]paymentPayload, 0, len(payments))
	for _, payment := range payments {
		payloads = append(payloads, paymentPayloadFrom(payment))
	}
	ctx.JSON(http.StatusOK, gin.H{"payments": payloads})
}

func (handler *httpHandler) handleGenerateReport(ctx *gin.Context) {
	var request generateReportRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	reportType, err := finance.ParseReportType(request.ReportType)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	month, err := finance.NewMonth(request.Month)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.StoreTimeout)
	defer cancel()

	report, err := handler.aggregator.GenerateReport(requestCtx, reportType, month, request.Notes)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"report": reportPayloadFrom(report)})
}

func (handler *httpHandler) handleListReports(ctx *gin.Context) {
	var filter finance.ReportFilter
	if rawType := ctx.Query("type"); rawType != "" {
		parsed, err := finance.ParseReportType(rawType)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		filter.Type = &parsed
	}
	if rawMonth := ctx.Query("month"); rawMonth != "" {
		parsed, err := finance.NewMonth(rawMonth)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		filter.Month = &parsed
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.StoreTimeout)
	defer cancel()

	reports, err := handler.aggregator.ListReports(requestCtx, filter)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payloads := make([]reportPayload, 0, len(reports))
	for _, report := range reports {
		payloads = append(payloads, reportPayloadFrom(report))
	}
	ctx.JSON(http.StatusOK, gin.H{"reports": payloads})
}

func (handler *httpHandler) handleGetReport(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.StoreTimeout)
	defer cancel()

	report, err := handler.aggregator.GetReport(requestCtx, ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"report": reportPayloadFrom(report)})
}

func (handler *httpHandler) handleExportReport(ctx *gin.Context) {
	format, err := finance.ParseExportFormat(ctx.Query("format"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.StoreTimeout)
	defer cancel()

	serialized, err := handler.aggregator.ExportReport(requestCtx, ctx.Param("id"), format)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	contentType := "text/csv"
	if format == finance.FormatPDF {
		contentType = "application/pdf"
	}
	ctx.Header("Content-Disposition", `attachment; filename="finance-report.`+format.String()+`"`)
	ctx.Data(http.StatusOK, contentType, serialized)
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status, code := classifyError(err)
	if status == http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		handler.logger.Error("finance operation failed", zap.String("path", ctx.FullPath()), zap.Error(err))
	}
	message := publicMessage(err, status)
	ctx.JSON(status, errorResponse(code, message))
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, finance.ErrInvalidMonth),
		errors.Is(err, finance.ErrInvalidPropertyID),
		errors.Is(err, finance.ErrInvalidInvoiceDomain),
		errors.Is(err, finance.ErrInvalidAmount),
		errors.Is(err, finance.ErrInvalidPaymentMethod),
		errors.Is(err, finance.ErrInvalidReportType),
		errors.Is(err, finance.ErrInvalidInvoiceID),
		errors.Is(err, finance.ErrInvalidReportID):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, finance.ErrUnsupportedFormat):
		return http.StatusBadRequest, "unsupported_format"
	case errors.Is(err, finance.ErrInvoiceNotFound), errors.Is(err, finance.ErrReportNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, finance.ErrDuplicatePeriod):
		return http.StatusConflict, "duplicate_period"
	case errors.Is(err, finance.ErrOverpayment):
		return http.StatusConflict, "overpayment"
	case errors.Is(err, finance.ErrInvoiceConflict), errors.Is(err, finance.ErrDuplicateCode):
		return http.StatusConflict, "conflict"
	case errors.Is(err, finance.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}

// publicMessage keeps infrastructure detail out of responses; client-caused
// failures surface the sentinel text verbatim.
func publicMessage(err error, status int) string {
	switch status {
	case http.StatusInternalServerError:
		return "internal error"
	case http.StatusServiceUnavailable:
		return finance.ErrStorageUnavailable.Error()
	}
	for unwrapped := err; unwrapped != nil; unwrapped = errors.Unwrap(unwrapped) {
		err = unwrapped
	}
	return err.Error()
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type createInvoiceRequest struct {
	PropertyID string          `json:"property_id"`
	Month      string          `json:"month"`
	Domain     string          `json:"domain"`
	AmountDue  decimal.Decimal `json:"amount_due"`
}

type recordPaymentRequest struct {
	InvoiceID string          `json:"invoice_id"`
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method"`
}

type generateReportRequest struct {
	ReportType string `json:"report_type"`
	Month      string `json:"month"`
	Notes      string `json:"notes"`
}

type invoicePayload struct {
	InvoiceID      string          `json:"invoice_id"`
	Code           string          `json:"code"`
	PropertyID     string          `json:"property_id"`
	Month          string          `json:"month"`
	Domain         string          `json:"domain"`
	AmountDue      decimal.Decimal `json:"amount_due"`
	AmountPaid     decimal.Decimal `json:"amount_paid"`
	Status         string          `json:"status"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

type paymentPayload struct {
	PaymentID   string          `json:"payment_id"`
	Code        string          `json:"code"`
	InvoiceID   string          `json:"invoice_id"`
	Amount      decimal.Decimal `json:"amount"`
	Method      string          `json:"method"`
	PaidUnixUTC int64           `json:"paid_unix_utc"`
}

type reportPayload struct {
	ReportID         string             `json:"report_id"`
	ReportType       string             `json:"report_type"`
	Month            string             `json:"month"`
	GeneratedUnixUTC int64              `json:"generated_unix_utc"`
	Data             finance.ReportData `json:"data"`
}

func invoicePayloadFrom(invoice finance.Invoice) invoicePayload {
	return invoicePayload{
		InvoiceID:      invoice.InvoiceID,
		Code:           invoice.Code,
		PropertyID:     invoice.PropertyID,
		Month:          invoice.Month,
		Domain:         invoice.Domain.String(),
		AmountDue:      invoice.AmountDue,
		AmountPaid:     invoice.AmountPaid,
		Status:         invoice.Status.String(),
		CreatedUnixUTC: invoice.CreatedUnixUTC,
	}
}

func paymentPayloadFrom(payment finance.Payment) paymentPayload {
	return paymentPayload{
		PaymentID:   payment.PaymentID,
		Code:        payment.Code,
		InvoiceID:   payment.InvoiceID,
		Amount:      payment.Amount,
		Method:      payment.Method.String(),
		PaidUnixUTC: payment.PaidUnixUTC,
	}
}

func reportPayloadFrom(report finance.Report) reportPayload {
	return reportPayload{
		ReportID:         report.ReportID,
		ReportType:       report.Type.String(),
		Month:            report.Month,
		GeneratedUnixUTC: report.GeneratedUnixUTC,
		Data:             report.Data,
	}
}
