package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/botsentinel/gosentinel/internal/domain"
	"github.com/botsentinel/gosentinel/internal/flush"
	"github.com/botsentinel/gosentinel/internal/service"
)

// Server 状态/管理 API。只监听本机地址，不做鉴权。
type Server struct {
	sentinel *service.Sentinel
	httpSrv  *http.Server
	log      *logrus.Entry
}

// New 创建 API 服务
func New(sentinel *service.Sentinel, listen string) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		sentinel: sentinel,
		log:      logrus.WithField("component", "api"),
	}

	v1 := r.Group("/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/pending", s.handlePending)
		v1.GET("/address/:addr", s.handleAddress)
		v1.POST("/flush", s.handleFlush)
		v1.POST("/policy", s.handlePolicy)
		v1.POST("/backfill", s.handleBackfill)
	}

	s.httpSrv = &http.Server{
		Addr:              listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start 启动监听（阻塞在内部 goroutine）
func (s *Server) Start() {
	go func() {
		s.log.Infof("API 监听 %s", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("API 服务退出: %v", err)
		}
	}()
}

// Stop 优雅关闭
func (s *Server) Stop(ctx context.Context) {
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.log.Warnf("API 关闭出错: %v", err)
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.sentinel.GetStatus(c.Request.Context()))
}

func (s *Server) handlePending(c *gin.Context) {
	cat := domain.Category(c.DefaultQuery("category", string(domain.CategoryBadBot)))
	if !cat.IsValid() || cat == domain.CategoryHuman {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效分类: " + string(cat)})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"category": cat,
		"results":  s.sentinel.PendingBots(cat),
	})
}

func (s *Server) handleAddress(c *gin.Context) {
	summary, ok := s.sentinel.AddressSummary(c.Param("addr"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "地址未被跟踪"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleFlush(c *gin.Context) {
	if err := s.sentinel.FlushNow(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "flushed"})
}

func (s *Server) handlePolicy(c *gin.Context) {
	var p flush.Policy
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if p.BatchSize <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch_size 必须大于 0"})
		return
	}
	s.sentinel.SetFlushPolicy(p)
	c.JSON(http.StatusOK, gin.H{"status": "updated", "policy": p})
}

type backfillRequest struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

func (s *Server) handleBackfill(c *gin.Context) {
	var req backfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.From > req.To {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from 不能大于 to"})
		return
	}
	n, err := s.sentinel.Backfill(c.Request.Context(), req.From, req.To)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "done", "events": n})
}
