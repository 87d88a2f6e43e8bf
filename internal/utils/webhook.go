package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries "t=<unix>,v1=<hex hmac>" on outbound policy webhooks.
const SignatureHeader = "AURA-Signature"

// ComputeWebhookSignature computes an HMAC-SHA256 signature over "{ts}.{payload}"
// similar to Stripe style signing. Returns hex string.
func ComputeWebhookSignature(secret string, timestamp int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10) + "."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeaderValue builds the header value for payload signed at ts.
func SignatureHeaderValue(secret string, ts time.Time, payload []byte) string {
	unix := ts.Unix()
	return fmt.Sprintf("t=%d,v1=%s", unix, ComputeWebhookSignature(secret, unix, payload))
}

// ParseSignatureHeader splits "t=..,v1=.." into its parts.
func ParseSignatureHeader(h string) (ts int64, sig string, err error) {
	for _, part := range strings.Split(h, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts, err = strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, "", fmt.Errorf("bad signature timestamp: %w", err)
			}
		case "v1":
			sig = v
		}
	}
	if ts == 0 || sig == "" {
		return 0, "", fmt.Errorf("signature header missing t or v1")
	}
	return ts, sig, nil
}

// VerifyWebhookSignature verifies provided hex signature given secret, timestamp, and payload
func VerifyWebhookSignature(secret string, timestamp int64, payload []byte, givenSigHex string) bool {
	exp, err := hex.DecodeString(ComputeWebhookSignature(secret, timestamp, payload))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(givenSigHex)
	if err != nil {
		return false
	}
	return hmac.Equal(exp, got)
}
