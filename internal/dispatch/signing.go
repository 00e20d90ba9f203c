package dispatch

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cuongbtq/postdispatch/internal/domain"
)

// Headers carried by signed callbacks
const (
	HeaderCallbackSignature = "X-Callback-Signature"
	HeaderCallbackTimestamp = "X-Callback-Timestamp"
	HeaderWorkerAuth        = "X-Worker-Auth"
)

// DefaultMaxSkew bounds how old a signed timestamp may be
const DefaultMaxSkew = 5 * time.Minute

// SignedJobRequest is the body pushed to a worker's process-job endpoint
type SignedJobRequest struct {
	Payload   domain.JobPayload `json:"payload"`
	Signature string            `json:"signature"`
	Timestamp int64             `json:"timestamp"`
	Nonce     string            `json:"nonce"`
}

// canonical is the exact byte layout that gets signed
type canonical struct {
	Payload   domain.JobPayload `json:"payload"`
	Timestamp int64             `json:"timestamp"`
	Nonce     string            `json:"nonce"`
}

func mac(secret string, parts ...[]byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SignJob wraps payload in a signed request stamped with now and a random nonce
func SignJob(secret string, payload domain.JobPayload, now time.Time) (SignedJobRequest, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return SignedJobRequest{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	req := SignedJobRequest{
		Payload:   payload,
		Timestamp: now.UnixMilli(),
		Nonce:     hex.EncodeToString(nonce),
	}
	sig, err := signature(secret, req)
	if err != nil {
		return SignedJobRequest{}, err
	}
	req.Signature = sig
	return req, nil
}

func signature(secret string, req SignedJobRequest) (string, error) {
	msg, err := json.Marshal(canonical{Payload: req.Payload, Timestamp: req.Timestamp, Nonce: req.Nonce})
	if err != nil {
		return "", fmt.Errorf("failed to encode signed job: %w", err)
	}
	return mac(secret, msg), nil
}

// VerifyJob checks a pushed job's signature and freshness
func VerifyJob(secret string, req SignedJobRequest, now time.Time, maxSkew time.Duration) error {
	if err := checkSkew(req.Timestamp, now, maxSkew); err != nil {
		return err
	}
	want, err := signature(secret, req)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(req.Signature)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

// SignCallback signs a callback body with the given millisecond timestamp
func SignCallback(secret string, body []byte, timestamp int64) string {
	return mac(secret, body, []byte(strconv.FormatInt(timestamp, 10)))
}

// VerifyCallback checks the signature and timestamp headers of a callback
// against its raw body
func VerifyCallback(secret string, body []byte, sig, ts string, now time.Time, maxSkew time.Duration) error {
	if sig == "" || ts == "" {
		return fmt.Errorf("%w: missing callback signature or timestamp", domain.ErrInvalidSignature)
	}
	timestamp, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", domain.ErrInvalidSignature)
	}
	if err := checkSkew(timestamp, now, maxSkew); err != nil {
		return err
	}
	want := SignCallback(secret, body, timestamp)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

func checkSkew(timestampMs int64, now time.Time, maxSkew time.Duration) error {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	skew := now.Sub(time.UnixMilli(timestampMs))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return domain.ErrStaleTimestamp
	}
	return nil
}
