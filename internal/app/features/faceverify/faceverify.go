// internal/app/features/faceverify/faceverify.go
package faceverify

import (
	"errors"
	"net/http"

	errorsfeature "github.com/dalemusser/stratashift/internal/app/features/errors"
	"github.com/dalemusser/stratashift/internal/app/store/audit"
	"github.com/dalemusser/stratashift/internal/app/system/auditlog"
	"github.com/dalemusser/stratashift/internal/app/system/auth"
	"github.com/dalemusser/stratashift/internal/app/system/facematch"
	"github.com/dalemusser/stratashift/internal/app/system/jsonutil"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Handler compares a live capture against a reference image.
type Handler struct {
	matcher     facematch.Matcher
	auditLogger *auditlog.Logger
	errLog      *errorsfeature.ErrorLogger
	logger      *zap.Logger
}

// NewHandler creates a new face verification Handler. A nil matcher
// behaves as facematch.Disabled.
func NewHandler(matcher facematch.Matcher, auditLogger *auditlog.Logger, errLog *errorsfeature.ErrorLogger, logger *zap.Logger) *Handler {
	if matcher == nil {
		matcher = facematch.Disabled{}
	}
	return &Handler{
		matcher:     matcher,
		auditLogger: auditLogger,
		errLog:      errLog,
		logger:      logger,
	}
}

// Routes returns a chi.Router with the face routes mounted. The caller
// mounts it behind RequireSignedIn.
func Routes(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Post("/verify", h.handleVerify)
	return r
}

type verifyRequest struct {
	Image1 string `json:"image1"`
	Image2 string `json:"image2"`
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var in verifyRequest
	if err := jsonutil.Decode(r, &in); err != nil {
		jsonutil.BadRequest(w, err.Error())
		return
	}

	img1, err := facematch.DecodeImage(in.Image1)
	if err != nil {
		jsonutil.ValidationError(w, err.Error(), map[string]string{"image1": imageFieldError(err)})
		return
	}
	img2, err := facematch.DecodeImage(in.Image2)
	if err != nil {
		jsonutil.ValidationError(w, err.Error(), map[string]string{"image2": imageFieldError(err)})
		return
	}

	ctx := r.Context()
	su, _ := auth.CurrentUser(r)

	res, err := h.matcher.Compare(ctx, img1, img2)
	switch {
	case err == nil:
	case errors.Is(err, facematch.ErrNoFace):
		h.auditLogger.Verification(ctx, r, audit.EventFaceFailed, su.ID, false, "no face detected", nil)
		jsonutil.BadRequest(w, err.Error())
		return
	case errors.Is(err, facematch.ErrDisabled):
		jsonutil.ServiceUnavailable(w, err.Error())
		return
	default:
		h.auditLogger.Verification(ctx, r, audit.EventFaceFailed, su.ID, false, "provider error", nil)
		h.errLog.Log(r, "face comparison failed", err)
		jsonutil.InternalError(w, "face verification failed")
		return
	}

	h.auditLogger.FaceResult(ctx, r, su.ID, res.Matched, res.Similarity, res.Confidence)
	h.logger.Debug("face comparison",
		zap.String("user_id", su.ID),
		zap.Bool("matched", res.Matched),
		zap.Float64("similarity", res.Similarity))
	jsonutil.OK(w, res)
}

func imageFieldError(err error) string {
	switch {
	case errors.Is(err, facematch.ErrEmptyImage):
		return "Image is required"
	case errors.Is(err, facematch.ErrImageTooLarge):
		return "Image must be 5 MB or smaller"
	default:
		return "Image must be base64 encoded"
	}
}
