package main

import (
	"errors"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/internal/migration"
	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/internal/session"
	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/internal/uploader"
	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/pkg/types"
)

// handleUpload accepts one or more multipart files under the "files" field and
// routes each into the caller's realm. Per-file failures are reported next to
// the successes; a partially failed batch is not an HTTP error.
func handleUpload(uploadRouter *uploader.Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   "Invalid multipart form",
			})
			return
		}

		headers := form.File["files"]
		if len(headers) == 0 {
			headers = form.File["file"]
		}
		if len(headers) == 0 {
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   "No files provided",
			})
			return
		}

		files := make([]uploader.File, 0, len(headers))
		opened := make([]multipart.File, 0, len(headers))
		for _, header := range headers {
			content, err := header.Open()
			if err != nil {
				c.JSON(http.StatusBadRequest, types.APIResponse{
					Success: false,
					Error:   "Failed to read uploaded file",
				})
				return
			}
			opened = append(opened, content)
			files = append(files, uploader.File{
				Name:        header.Filename,
				Size:        header.Size,
				ContentType: header.Header.Get("Content-Type"),
				Content:     content,
			})
		}
		defer func() {
			for _, content := range opened {
				content.Close()
			}
		}()

		result := uploadRouter.UploadAll(c.Request.Context(), callerIdentity(c), callerRefStore(c), files, nil)

		notices := make([]string, 0, len(result.Failures))
		for _, failure := range result.Failures {
			notices = append(notices, failure.Notice())
		}

		status := http.StatusCreated
		if len(result.Assets) == 0 {
			status = http.StatusBadRequest
		}
		c.JSON(status, types.APIResponse{
			Success: len(result.Failures) == 0,
			Data: gin.H{
				"assets":   result.Assets,
				"failures": notices,
			},
		})
	}
}

// handleGetSession returns the caller's open guest session, if the device
// remembers one
func handleGetSession(sessions *session.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		refs := callerRefStore(c)

		id, ok, err := refs.Get(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, types.APIResponse{
				Success: false,
				Error:   "Failed to read session reference",
			})
			return
		}
		if !ok {
			c.JSON(http.StatusNotFound, types.APIResponse{
				Success: false,
				Error:   "No guest session for this device",
			})
			return
		}

		sess, err := sessions.Resolve(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, session.ErrUnavailable) {
				c.JSON(http.StatusGone, types.APIResponse{
					Success: false,
					Error:   "Session expired or already migrated",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, types.APIResponse{
				Success: false,
				Error:   "Failed to load session",
			})
			return
		}

		c.JSON(http.StatusOK, types.APIResponse{
			Success: true,
			Data:    sess,
		})
	}
}

// handleLocationConsent sets or clears the guest session's location fields. A
// null location in the body withdraws consent.
func handleLocationConsent(sessions *session.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.LocationConsentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   "Invalid request format",
			})
			return
		}

		refs := callerRefStore(c)
		id, ok, err := refs.Get(c.Request.Context())
		if err != nil || !ok {
			c.JSON(http.StatusNotFound, types.APIResponse{
				Success: false,
				Error:   "No guest session for this device",
			})
			return
		}

		if err := sessions.RecordLocationConsent(c.Request.Context(), id, req.Location); err != nil {
			if errors.Is(err, session.ErrUnavailable) {
				c.JSON(http.StatusGone, types.APIResponse{
					Success: false,
					Error:   "Session expired or already migrated",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, types.APIResponse{
				Success: false,
				Error:   "Failed to record consent",
			})
			return
		}

		// Remember the decision so returning visitors are not re-prompted
		if consent, ok := refs.(*session.CacheRefStore); ok {
			if err := consent.RememberConsentChoice(c.Request.Context(), req.Location != nil); err != nil {
				log.Warn().Err(err).Msg("failed to remember consent choice")
			}
		}

		c.JSON(http.StatusOK, types.APIResponse{
			Success: true,
			Message: "Consent recorded",
		})
	}
}

// handleConsentChoice returns the device's last location-consent decision so
// the consent UI knows whether to prompt at all
func handleConsentChoice() gin.HandlerFunc {
	return func(c *gin.Context) {
		prompted := false
		granted := false

		if consent, ok := callerRefStore(c).(*session.CacheRefStore); ok {
			var err error
			granted, prompted, err = consent.LastConsentChoice(c.Request.Context())
			if err != nil {
				c.JSON(http.StatusInternalServerError, types.APIResponse{
					Success: false,
					Error:   "Failed to read consent choice",
				})
				return
			}
		}

		c.JSON(http.StatusOK, types.APIResponse{
			Success: true,
			Data: gin.H{
				"prompted": prompted,
				"granted":  granted,
			},
		})
	}
}

// handleListAssets returns the URLs owned by the caller's namespace
func handleListAssets(uploadRouter *uploader.Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		urls, err := uploadRouter.ListOwnedAssets(c.Request.Context(), callerIdentity(c), callerRefStore(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, types.APIResponse{
				Success: false,
				Error:   "Failed to list assets",
			})
			return
		}

		c.JSON(http.StatusOK, types.APIResponse{
			Success: true,
			Data:    gin.H{"urls": urls},
		})
	}
}

// MigrateRequest names the guest session to absorb. When SessionID is omitted
// the device's remembered session is used.
type MigrateRequest struct {
	SessionID *string `json:"session_id"`
}

// handleMigrate moves the caller's guest session assets into their
// authenticated namespace. Requires a signed-in caller.
func handleMigrate(coordinator *migration.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := callerIdentity(c)
		refs := callerRefStore(c)

		// An empty or absent body is fine, the session comes from the device ref
		var req MigrateRequest
		_ = c.ShouldBindJSON(&req)

		var sessionID uuid.UUID
		if req.SessionID != nil {
			parsed, err := uuid.Parse(*req.SessionID)
			if err != nil {
				c.JSON(http.StatusBadRequest, types.APIResponse{
					Success: false,
					Error:   "Invalid session id",
				})
				return
			}
			sessionID = parsed
		} else {
			id, ok, err := refs.Get(c.Request.Context())
			if err != nil || !ok {
				c.JSON(http.StatusNotFound, types.APIResponse{
					Success: false,
					Error:   "No guest session to migrate",
				})
				return
			}
			sessionID = id
		}

		result, err := coordinator.Migrate(c.Request.Context(), refs, sessionID, identity.UserID)
		if err != nil {
			switch {
			case errors.Is(err, session.ErrAlreadyMigrated):
				c.JSON(http.StatusConflict, types.APIResponse{
					Success: false,
					Error:   "Session already belongs to another account",
				})
			case errors.Is(err, session.ErrUnavailable):
				c.JSON(http.StatusGone, types.APIResponse{
					Success: false,
					Error:   "Session expired or not found",
				})
			case errors.Is(err, migration.ErrStorageList):
				c.JSON(http.StatusServiceUnavailable, types.APIResponse{
					Success: false,
					Error:   "Storage unavailable, try again",
				})
			default:
				c.JSON(http.StatusInternalServerError, types.APIResponse{
					Success: false,
					Error:   "Migration failed",
				})
			}
			return
		}

		c.JSON(http.StatusOK, types.APIResponse{
			Success: result.SessionClosed,
			Data:    result,
		})
	}
}
