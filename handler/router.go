package handler

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

const loggerKey = "logger"

type RouterConfig struct {
	// CORSOrigins lists allowed browser origins; empty allows any origin.
	CORSOrigins []string
	Logger      *slog.Logger
}

// NewRouter builds the gin engine serving the same routes as Handler plus a
// health check.
func NewRouter(svc Services, cfg RouterConfig) (*gin.Engine, error) {
	a, err := newAPI(svc, cfg.Logger)
	if err != nil {
		return nil, err
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware(cfg.CORSOrigins))
	r.Use(a.requestLogger())
	r.MaxMultipartMemory = maxAudioBytes

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiGroup := r.Group("/api")
	apiGroup.POST("/register", func(c *gin.Context) {
		render(c, a.register(c.Request.Context(), requestLog(c), readBody(c)))
	})
	apiGroup.POST("/chat", func(c *gin.Context) {
		render(c, a.chat(c.Request.Context(), requestLog(c), readBody(c)))
	})
	apiGroup.GET("/faqs", func(c *gin.Context) {
		render(c, a.listFAQs(c.Request.Context(), requestLog(c)))
	})
	apiGroup.POST("/transcribe", func(c *gin.Context) {
		log := requestLog(c)
		fh, err := c.FormFile("audio")
		if err != nil {
			render(c, a.invalidBody(log, err))
			return
		}
		f, err := fh.Open()
		if err != nil {
			render(c, a.invalidBody(log, err))
			return
		}
		defer func() { _ = f.Close() }()
		audio, err := io.ReadAll(io.LimitReader(f, maxAudioBytes+1))
		if err != nil {
			render(c, a.invalidBody(log, err))
			return
		}
		render(c, a.transcribe(c.Request.Context(), log, audio, fh.Header.Get("Content-Type")))
	})
	apiGroup.POST("/admin/login", func(c *gin.Context) {
		render(c, a.login(requestLog(c), readBody(c)))
	})

	admin := apiGroup.Group("", a.requireAdmin())
	admin.POST("/faqs", func(c *gin.Context) {
		render(c, a.createFAQ(c.Request.Context(), requestLog(c), readBody(c)))
	})
	admin.PUT("/faqs/:id", func(c *gin.Context) {
		render(c, a.updateFAQ(c.Request.Context(), requestLog(c), c.Param("id"), readBody(c)))
	})
	admin.DELETE("/faqs/:id", func(c *gin.Context) {
		render(c, a.deleteFAQ(c.Request.Context(), requestLog(c), c.Param("id")))
	})
	admin.GET("/admin/users", func(c *gin.Context) {
		render(c, a.listUsers(c.Request.Context(), requestLog(c)))
	})
	admin.GET("/admin/interactions", func(c *gin.Context) {
		render(c, a.interactions(c.Request.Context(), requestLog(c)))
	})
	admin.GET("/admin/users/export", func(c *gin.Context) {
		c.Header("Content-Disposition", `attachment; filename="users.csv"`)
		render(c, a.exportUsers(c.Request.Context(), requestLog(c)))
	})
	admin.GET("/admin/users/:id/chats", func(c *gin.Context) {
		render(c, a.userChats(c.Request.Context(), requestLog(c), c.Param("id")))
	})

	r.NoRoute(func(c *gin.Context) {
		render(c, a.notFound())
	})
	return r, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization", correlationHeader)
	cfg.ExposeHeaders = []string{correlationHeader}
	cfg.MaxAge = 12 * time.Hour
	return cors.New(cfg)
}

// requestLogger assigns the correlation id and logs each completed request.
func (a *api) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		corrID := correlationID(c.GetHeader(correlationHeader))
		c.Header(correlationHeader, corrID)
		log := a.logger.With("correlationId", corrID, "method", c.Request.Method, "path", c.Request.URL.Path)
		c.Set(loggerKey, log)

		c.Next()

		log.Info("request handled", "status", c.Writer.Status(), "duration", time.Since(start))
	}
}

func (a *api) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if denied := a.authorize(requestLog(c), c.GetHeader("Authorization")); denied != nil {
			render(c, *denied)
			c.Abort()
			return
		}
		c.Next()
	}
}

func requestLog(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if log, ok := v.(*slog.Logger); ok {
			return log
		}
	}
	return slog.Default()
}

func readBody(c *gin.Context) []byte {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		return nil
	}
	return body
}

func render(c *gin.Context, r reply) {
	if r.status == http.StatusNoContent {
		c.Status(http.StatusNoContent)
		return
	}
	body, err := r.encode()
	if err != nil {
		requestLog(c).Error("failed to encode response", "err", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "INTERNAL_ERROR", Message: "failed to encode response"})
		return
	}
	c.Data(r.status, r.contentType, body)
}
