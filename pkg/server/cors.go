package server

import (
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	x402http "github.com/agentpay/usdcx-x402/go/http"
	"github.com/agentpay/usdcx-x402/go/logger"
)

// corsMiddleware allows browsers on origins to call the API and read the
// payment headers of a 402. It returns nil when no usable origin is left.
func corsMiddleware(origins []string, log logger.Logger) gin.HandlerFunc {
	allowed := make([]string, 0, len(origins))
	for _, o := range origins {
		if !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://") {
			log.Warn("ignoring cors origin without scheme", map[string]any{"origin": o})
			continue
		}
		allowed = append(allowed, strings.TrimRight(o, "/"))
	}
	if len(allowed) == 0 {
		return nil
	}
	return cors.New(cors.Config{
		AllowOrigins:     allowed,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", x402http.HeaderPaymentTxID},
		ExposeHeaders:    x402http.ExposedHeaders,
		AllowCredentials: true,
	})
}
