package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/contentforge/creditgate/internal/metrics"
	"github.com/contentforge/creditgate/pkg/credit"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	signatureHeader     = "X-Payment-Signature"
	maxWebhookBodyBytes = 64 * 1024
)

var errInvalidSignature = errors.New("invalid webhook signature")

type webhookEvent struct {
	EventID   string `json:"event_id"`
	AccountID string `json:"account_id"`
	Kind      string `json:"kind"`
	Amount    int64  `json:"amount"`
}

// handlePaymentWebhook receives signed payment-processor events. The
// signature gate runs before anything else: an unsigned or tampered payload
// never reaches the reconciler. Duplicates still answer 200 so the
// processor stops retrying.
func (handler *httpHandler) handlePaymentWebhook(ctx *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		var overLimit *http.MaxBytesError
		if errors.As(err, &overLimit) {
			// An oversized payload is a transport problem, not a forgery;
			// keep it out of the signature-failure signal.
			handler.logger.Warn("webhook body over limit",
				zap.String("remote_addr", ctx.ClientIP()),
				zap.Int64("limit_bytes", overLimit.Limit))
			ctx.JSON(http.StatusRequestEntityTooLarge, errorResponse("body_too_large", "payload exceeds limit"))
			return
		}
		ctx.JSON(http.StatusBadRequest, errorResponse("bad_request", "unreadable body"))
		return
	}
	if err := handler.verifySignature(ctx.GetHeader(signatureHeader), body); err != nil {
		metrics.SignatureFailuresTotal.Inc()
		handler.logger.Error("webhook signature rejected",
			zap.String("remote_addr", ctx.ClientIP()),
			zap.Error(err))
		ctx.JSON(http.StatusUnauthorized, errorResponse("invalid_signature", "signature verification failed"))
		return
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		// Signature was valid, so this is the processor sending a shape we
		// don't understand; reject loudly.
		handler.logger.Error("webhook payload malformed", zap.ByteString("body", body), zap.Error(err))
		ctx.JSON(http.StatusBadRequest, errorResponse("bad_payload", err.Error()))
		return
	}
	notification, err := notificationFromEvent(event, body)
	if err != nil {
		handler.logger.Error("webhook event invalid", zap.String("event_id", event.EventID), zap.Error(err))
		ctx.JSON(http.StatusBadRequest, errorResponse("bad_payload", err.Error()))
		return
	}

	result, err := handler.service.ApplyNotification(ctx.Request.Context(), notification)
	if err != nil {
		handler.renderError(ctx, err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(string(result.Outcome)).Inc()
	switch result.Outcome {
	case credit.OutcomeRejected:
		handler.logger.Error("notification rejected",
			zap.String("event_id", event.EventID),
			zap.String("account_id", event.AccountID),
			zap.Int64("amount", event.Amount),
			zap.String("reason", result.Reason))
		ctx.JSON(http.StatusUnprocessableEntity, gin.H{
			"status": string(result.Outcome),
			"reason": result.Reason,
		})
	case credit.OutcomeAlreadyApplied:
		handler.logger.Info("duplicate notification",
			zap.String("event_id", event.EventID),
			zap.String("transaction_id", result.TransactionID.String()))
		ctx.JSON(http.StatusOK, gin.H{
			"status":         string(result.Outcome),
			"transaction_id": result.TransactionID.String(),
		})
	default:
		ctx.JSON(http.StatusOK, gin.H{
			"status":         string(result.Outcome),
			"transaction_id": result.TransactionID.String(),
			"balance":        result.NewBalance,
		})
	}
}

// verifySignature checks the processor's signature header:
//
//	X-Payment-Signature: t=<unix>,v1=<hex hmac-sha256(secret, t + "." + body)>
//
// The timestamp bounds replay; the comparison is constant time.
func (handler *httpHandler) verifySignature(header string, body []byte) error {
	timestampPart, signaturePart, err := splitSignatureHeader(header)
	if err != nil {
		return err
	}
	timestamp, err := strconv.ParseInt(timestampPart, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", errInvalidSignature)
	}
	skew := handler.nowFn().Unix() - timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(handler.cfg.SignatureMaxSkew.Seconds()) {
		return fmt.Errorf("%w: timestamp outside tolerance", errInvalidSignature)
	}
	mac := hmac.New(sha256.New, []byte(handler.cfg.WebhookSecret))
	mac.Write([]byte(timestampPart))
	mac.Write([]byte("."))
	mac.Write(body)
	provided, err := hex.DecodeString(signaturePart)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", errInvalidSignature)
	}
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return fmt.Errorf("%w: digest mismatch", errInvalidSignature)
	}
	return nil
}

func splitSignatureHeader(header string) (timestamp string, signature string, err error) {
	if strings.TrimSpace(header) == "" {
		return "", "", fmt.Errorf("%w: missing header", errInvalidSignature)
	}
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signature = value
		}
	}
	if timestamp == "" || signature == "" {
		return "", "", fmt.Errorf("%w: malformed header", errInvalidSignature)
	}
	return timestamp, signature, nil
}

func notificationFromEvent(event webhookEvent, body []byte) (credit.Notification, error) {
	externalRef, err := credit.NewExternalRef(event.EventID)
	if err != nil {
		return credit.Notification{}, err
	}
	accountID, err := credit.NewAccountID(event.AccountID)
	if err != nil {
		return credit.Notification{}, err
	}
	kind, err := credit.ParseNotificationKind(event.Kind)
	if err != nil {
		return credit.Notification{}, err
	}
	metadata, err := credit.NewMetadataJSON(string(body))
	if err != nil {
		return credit.Notification{}, err
	}
	return credit.Notification{
		ExternalRef: externalRef,
		AccountID:   accountID,
		Amount:      credit.Credits(event.Amount),
		Kind:        kind,
		Metadata:    metadata,
	}, nil
}
