package main

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/internal/common"
	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/internal/session"
	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/pkg/config"
	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/pkg/types"
	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/pkg/utils"
)

const (
	identityKey = "identity"
	refStoreKey = "refstore"

	deviceIDHeader = "X-Device-ID"
	deviceIDCookie = "device_id"
)

// identityMiddleware resolves the caller identity from an optional Bearer
// token. A missing or invalid token yields the anonymous identity rather than
// a 401: anonymous upload is a first-class flow, not an auth failure.
func identityMiddleware(cfg *config.AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := types.Anonymous()

		authHeader := c.GetHeader("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			token := strings.TrimPrefix(authHeader, "Bearer ")
			userID, err := utils.ValidateJWT(token, cfg.JWTSecret)
			if err != nil {
				log.Debug().Err(err).Msg("token rejected, treating caller as anonymous")
			} else {
				identity = types.Authenticated(userID)
			}
		}

		c.Set(identityKey, identity)
		c.Next()
	}
}

// requireAuth aborts requests that did not resolve to a signed-in user
func requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if callerIdentity(c).Anonymous {
			c.JSON(http.StatusUnauthorized, types.APIResponse{
				Success: false,
				Error:   "Authentication required",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// refStoreMiddleware binds the request to its device's session ref store. The
// device id comes from the X-Device-ID header or the device_id cookie; a
// first-time visitor is issued a fresh id via cookie.
func refStoreMiddleware(cache *common.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		deviceID := c.GetHeader(deviceIDHeader)
		if deviceID == "" {
			if cookie, err := c.Cookie(deviceIDCookie); err == nil {
				deviceID = cookie
			}
		}
		if deviceID == "" {
			deviceID = uuid.New().String()
			c.SetCookie(deviceIDCookie, deviceID, int(session.TTL.Seconds()), "/", "", false, true)
		}

		c.Set(refStoreKey, session.NewCacheRefStore(cache, deviceID))
		c.Next()
	}
}

func callerIdentity(c *gin.Context) types.Identity {
	return c.MustGet(identityKey).(types.Identity)
}

func callerRefStore(c *gin.Context) session.RefStore {
	return c.MustGet(refStoreKey).(session.RefStore)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, X-Device-ID, accept, origin, Cache-Control, X-Requested-With")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
