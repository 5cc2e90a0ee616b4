package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// verifyWebhookSignature checks the X-Signature header against an
// HMAC-SHA256 over method + path + body + timestamp, hex encoded. The
// timestamp is the X-Timestamp header value, included in the digest verbatim
// and bounded by maxSkew to limit replays.
func verifyWebhookSignature(secret, method, path string, body []byte, timestamp, signature string, now time.Time, maxSkew time.Duration) *authError {
	if secret == "" {
		return &authError{status: http.StatusForbidden, code: "forbidden", message: "webhook secret is not configured"}
	}
	timestamp = strings.TrimSpace(timestamp)
	signature = strings.TrimSpace(signature)
	if timestamp == "" || signature == "" {
		return &authError{status: http.StatusForbidden, code: "forbidden", message: "missing webhook signature headers"}
	}
	ts, err := parseWebhookTimestamp(timestamp)
	if err != nil {
		return &authError{status: http.StatusForbidden, code: "forbidden", message: "invalid webhook timestamp"}
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return &authError{status: http.StatusForbidden, code: "forbidden", message: "webhook timestamp outside allowed window"}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(method))
	_, _ = mac.Write([]byte(path))
	_, _ = mac.Write(body)
	_, _ = mac.Write([]byte(timestamp))
	expectedHex := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expectedHex)) {
		return &authError{status: http.StatusForbidden, code: "forbidden", message: "webhook signature mismatch"}
	}
	return nil
}

// parseWebhookTimestamp accepts epoch milliseconds, epoch seconds, or
// RFC 3339. Providers are not consistent about this.
func parseWebhookTimestamp(raw string) (time.Time, error) {
	if epoch, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if epoch > 1_000_000_000_000 {
			return time.UnixMilli(epoch).UTC(), nil
		}
		return time.Unix(epoch, 0).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}
