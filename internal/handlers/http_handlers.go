package handlers

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"
	"github.com/shopspring/decimal"

	"fairdraw/internal/drawerr"
	"fairdraw/internal/ledger"
	"fairdraw/internal/models"
	"fairdraw/internal/services"
)

// HTTPHandler holds the dependencies for the HTTP handlers, like the lottery service.
type HTTPHandler struct {
	service *services.LotteryService
	limiter *RateLimiter
	secret  string
}

// NewHTTPHandler creates a new HTTPHandler. adminSecret signs operator
// tokens; limiter throttles purchases and may be nil.
func NewHTTPHandler(service *services.LotteryService, limiter *RateLimiter, adminSecret string) *HTTPHandler {
	if limiter == nil {
		limiter = NewRateLimiter(0, 0)
	}
	return &HTTPHandler{service: service, limiter: limiter, secret: adminSecret}
}

// RegisterPublicRoutes registers the routes anyone may call.
func (h *HTTPHandler) RegisterPublicRoutes(router gin.IRouter) {
	router.GET("/healthz", h.Health)
	router.GET("/products", h.ListProducts)
	router.GET("/products/:id", h.GetProduct)
	router.GET("/products/:id/records", h.GetRecords)
	router.POST("/products/:id/purchase", h.limiter.Middleware(), h.Purchase)
	router.POST("/products/:id/verify", h.Verify)
}

// RegisterAdminRoutes registers operator routes behind the admin token check.
func (h *HTTPHandler) RegisterAdminRoutes(router gin.IRouter) {
	admin := router.Group("/admin")
	admin.Use(AdminMiddleware(h.secret))
	admin.POST("/products", h.CreateProduct)
	admin.POST("/products/csv", h.UploadProductCSV)
	admin.POST("/products/:id/reveal", h.Reveal)
	admin.POST("/products/:id/force-close", h.ForceClose)
	admin.POST("/products/:id/archive", h.Archive)
}

func (h *HTTPHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListProducts returns public records, filtered by ?status= when given.
func (h *HTTPHandler) ListProducts(c *gin.Context) {
	products, err := h.service.Products(c.Request.Context(), models.Status(c.Query("status")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, products)
}

func (h *HTTPHandler) GetProduct(c *gin.Context) {
	pub, err := h.service.PublicRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pub)
}

func (h *HTTPHandler) GetRecords(c *gin.Context) {
	records, err := h.service.Records(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

// Purchase reserves units. The account comes from the body or the
// X-Account-ID header.
func (h *HTTPHandler) Purchase(c *gin.Context) {
	var req ledger.PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, &drawerr.Error{Kind: drawerr.KindInvalidRequest, Msg: "malformed purchase body", Err: err})
		return
	}
	req.ProductID = c.Param("id")
	if req.AccountID == "" {
		req.AccountID = c.GetHeader("X-Account-ID")
	}

	records, err := h.service.Purchase(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"records": records})
}

type verifyRequest struct {
	Seed    string              `json:"seed"`
	Records []models.DrawRecord `json:"records"`
}

// Verify replays a product. An empty body uses the revealed seed and the
// stored records.
func (h *HTTPHandler) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, &drawerr.Error{Kind: drawerr.KindInvalidRequest, Msg: "malformed verify body", Err: err})
		return
	}

	report, err := h.service.Verify(c.Request.Context(), c.Param("id"), req.Seed, req.Records)
	if err != nil {
		if errors.Is(err, drawerr.ErrCommitmentMismatch) {
			c.JSON(http.StatusUnprocessableEntity, report)
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *HTTPHandler) CreateProduct(c *gin.Context) {
	var def models.ProductDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		writeError(c, &drawerr.Error{Kind: drawerr.KindInvalidDefinition, Msg: "malformed definition", Err: err})
		return
	}
	pub, err := h.service.Initialize(c.Request.Context(), def)
	if err != nil {
		writeError(c, err)
		return
	}
	logger.Infof("Operator %s created product %s", c.GetString("operator"), pub.ID)
	c.JSON(http.StatusCreated, pub)
}

// UploadProductCSV creates a product whose tiers come from an uploaded CSV
// file with rows of label, display name, count and base weight.
func (h *HTTPHandler) UploadProductCSV(c *gin.Context) {
	file, _, err := c.Request.FormFile("tiersCSV")
	if err != nil {
		writeError(c, &drawerr.Error{Kind: drawerr.KindInvalidRequest, Msg: "missing tiersCSV file", Err: err})
		return
	}
	defer file.Close()

	tiers, err := readTiersCSV(file)
	if err != nil {
		logger.Infof("Rejected tier CSV: %v", err)
		writeError(c, &drawerr.Error{Kind: drawerr.KindInvalidDefinition, Msg: "bad tier csv", Err: err})
		return
	}

	def := models.ProductDefinition{
		ID:          c.PostForm("id"),
		Name:        c.PostForm("name"),
		Mode:        models.Mode(c.DefaultPostForm("mode", string(models.ModeStream))),
		Tiers:       tiers,
		LastOneTier: c.PostForm("lastOneTier"),
	}
	if majors := strings.TrimSpace(c.PostForm("majorTiers")); majors != "" {
		for _, l := range strings.Split(majors, ",") {
			def.MajorTiers = append(def.MajorTiers, strings.TrimSpace(l))
		}
	}
	if rate := c.PostForm("profitRate"); rate != "" {
		if def.ProfitRate, err = decimal.NewFromString(rate); err != nil {
			writeError(c, &drawerr.Error{Kind: drawerr.KindInvalidDefinition, Msg: "bad profit rate", Err: err})
			return
		}
	}

	pub, err := h.service.Initialize(c.Request.Context(), def)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, pub)
}

func readTiersCSV(r io.Reader) ([]models.Tier, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	var tiers []models.Tier
	for line := 1; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(record[0]), "label") {
			continue // header
		}
		if len(record) != 4 {
			return nil, fmt.Errorf("line %d: expected 4 fields, got %d", line, len(record))
		}
		count, err := strconv.Atoi(strings.TrimSpace(record[2]))
		if err != nil {
			return nil, fmt.Errorf("line %d: count: %w", line, err)
		}
		weight, err := decimal.NewFromString(strings.TrimSpace(record[3]))
		if err != nil {
			return nil, fmt.Errorf("line %d: weight: %w", line, err)
		}
		tiers = append(tiers, models.Tier{
			Label:        strings.TrimSpace(record[0]),
			DisplayName:  strings.TrimSpace(record[1]),
			InitialCount: count,
			BaseWeight:   weight,
		})
	}
	return tiers, nil
}

func (h *HTTPHandler) Reveal(c *gin.Context) {
	seed, err := h.service.Reveal(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "seed": seed})
}

func (h *HTTPHandler) ForceClose(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, &drawerr.Error{Kind: drawerr.KindInvalidRequest, Msg: "malformed body", Err: err})
		return
	}
	seed, err := h.service.ForceClose(c.Request.Context(), c.Param("id"), body.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	logger.Warningf("Operator %s force closed product %s", c.GetString("operator"), c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "seed": seed, "termination": models.TerminationForced})
}

func (h *HTTPHandler) Archive(c *gin.Context) {
	if err := h.service.Archive(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
