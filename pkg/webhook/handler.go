package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0xmhha/market-indexer/pkg/abi"
	"github.com/0xmhha/market-indexer/pkg/events"
	"github.com/0xmhha/market-indexer/pkg/types"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body
const SignatureHeader = "X-Alchemy-Signature"

// DefaultMaxBodyBytes limits the size of a delivery
const DefaultMaxBodyBytes = 1 << 20

// decode failure reason for entries that are not valid logs at all
const malformedReason = "malformed"

// EventDispatcher applies decoded events
type EventDispatcher interface {
	DispatchAll(ctx context.Context, events []*abi.DecodedEvent) error
}

// FeedIngester merges delivered logs into the activity feed
type FeedIngester interface {
	Ingest(ctx context.Context, origin events.Origin, logs []types.RawLog) []*abi.DecodedEvent
}

// Config configures a Handler
type Config struct {
	// SigningKey enables signature verification when set
	SigningKey string

	// Address drops logs emitted by other contracts when set
	Address common.Address

	MaxBodyBytes int64
	Logger       *zap.Logger
	Metrics      *Metrics
}

// Response is the JSON body returned to the provider
type Response struct {
	Received int    `json:"received"`
	Decoded  int    `json:"decoded"`
	Skipped  int    `json:"skipped"`
	Error    string `json:"error,omitempty"`
}

// Handler serves webhook deliveries
type Handler struct {
	decoder    *abi.Decoder
	dispatcher EventDispatcher
	feed       FeedIngester
	signingKey []byte
	address    common.Address
	maxBody    int64
	logger     *zap.Logger
	metrics    *Metrics
}

// NewHandler creates a webhook handler. dispatcher and feed are optional.
func NewHandler(cfg *Config, decoder *abi.Decoder, dispatcher EventDispatcher, feed FeedIngester) (*Handler, error) {
	if decoder == nil {
		return nil, errors.New("decoder is required")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	h := &Handler{
		decoder:    decoder,
		dispatcher: dispatcher,
		feed:       feed,
		address:    cfg.Address,
		maxBody:    maxBody,
		logger:     logger,
		metrics:    cfg.Metrics,
	}
	if cfg.SigningKey != "" {
		h.signingKey = []byte(cfg.SigningKey)
	}
	return h, nil
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.reply(w, http.StatusMethodNotAllowed, Response{Error: "method not allowed"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reply(w, http.StatusRequestEntityTooLarge, Response{Error: "payload too large"})
			return
		}
		h.reply(w, http.StatusBadRequest, Response{Error: "failed to read body"})
		return
	}

	if h.signingKey != nil && !VerifySignature(body, r.Header.Get(SignatureHeader), h.signingKey) {
		h.logger.Warn("rejected webhook with invalid signature", zap.String("remote_addr", r.RemoteAddr))
		h.reply(w, http.StatusUnauthorized, Response{Error: "invalid signature"})
		return
	}

	payload, err := ParsePayload(body)
	if err != nil {
		h.reply(w, http.StatusBadRequest, Response{Error: err.Error()})
		return
	}
	logs, malformed, err := payload.RawLogs()
	if err != nil {
		h.reply(w, http.StatusBadRequest, Response{Error: err.Error()})
		return
	}
	for _, m := range malformed {
		h.metrics.decodeFailed(malformedReason)
		h.logger.Warn("skipping malformed webhook log",
			zap.String("delivery_id", payload.ID),
			zap.Int("position", m.Position),
			zap.Error(m.Err))
	}

	resp, err := h.Process(r.Context(), logs)
	resp.Received += len(malformed)
	resp.Skipped += len(malformed)
	if err != nil {
		h.logger.Error("webhook handler failed",
			zap.String("webhook_id", payload.WebhookID),
			zap.String("delivery_id", payload.ID),
			zap.Error(err))
		resp.Error = err.Error()
		h.reply(w, http.StatusInternalServerError, resp)
		return
	}

	h.logger.Info("webhook processed",
		zap.String("webhook_id", payload.WebhookID),
		zap.String("delivery_id", payload.ID),
		zap.Uint64("block", uint64(payload.Event.Data.Block.Number)),
		zap.Int("received", resp.Received),
		zap.Int("decoded", resp.Decoded),
		zap.Int("skipped", resp.Skipped))
	h.reply(w, http.StatusOK, resp)
}

// Process decodes logs, merges them into the feed and applies them.
// Undecodable logs are skipped with a warning.
func (h *Handler) Process(ctx context.Context, logs []types.RawLog) (Response, error) {
	resp := Response{Received: len(logs)}

	accepted := make([]types.RawLog, 0, len(logs))
	decoded := make([]*abi.DecodedEvent, 0, len(logs))
	for _, log := range logs {
		if log.Removed || (h.address != (common.Address{}) && log.Address != h.address) {
			resp.Skipped++
			continue
		}
		ev, err := h.decoder.Decode(log)
		if err != nil {
			resp.Skipped++
			h.metrics.decodeFailed(string(abi.FailureKindOf(err)))
			h.logger.Warn("skipping undecodable webhook log",
				zap.String("tx_hash", log.TxHash.Hex()),
				zap.Uint("log_index", log.LogIndex),
				zap.Error(err))
			continue
		}
		accepted = append(accepted, log)
		decoded = append(decoded, ev)
	}
	resp.Decoded = len(decoded)

	// dispatch before the feed sinks can mark the ledger
	var err error
	if h.dispatcher != nil && len(decoded) > 0 {
		err = h.dispatcher.DispatchAll(ctx, decoded)
	}
	if h.feed != nil && len(accepted) > 0 {
		h.feed.Ingest(ctx, events.OriginWebhook, accepted)
	}
	return resp, err
}

func (h *Handler) reply(w http.ResponseWriter, status int, resp Response) {
	h.metrics.request(status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Debug("failed to write webhook response", zap.Error(err))
	}
}

// Sign returns the hex HMAC-SHA256 of body
func Sign(body, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 signature in constant time
func VerifySignature(body []byte, signature string, key []byte) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	actual, err := hex.DecodeString(signature)
	if err != nil || len(actual) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), actual)
}
