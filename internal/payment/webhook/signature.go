package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/scribeforge/creditd/internal/payment/domain"
)

// SignatureHeader is the request header carrying the notification
// signature, formatted as "t=<unix>,v1=<hex>". Multiple v1 values are
// accepted to allow secret rotation on the provider side.
const SignatureHeader = "X-Creditd-Signature"

// signatureTolerance bounds how far a notification's timestamp may drift
// from the receiver's clock before it is rejected as a replay.
const signatureTolerance = 5 * time.Minute

// Verifier checks notification signatures. Several secrets may be active
// at once so the shared secret can rotate without dropping deliveries
// signed with the previous one.
type Verifier struct {
	secrets [][]byte
	now     func() time.Time
}

// NewVerifier takes a comma-separated secret list, newest first.
func NewVerifier(secretList string) *Verifier {
	v := &Verifier{now: time.Now}
	for _, raw := range strings.Split(secretList, ",") {
		if secret := strings.TrimSpace(raw); secret != "" {
			v.secrets = append(v.secrets, []byte(secret))
		}
	}
	return v
}

// Verify validates the signature over the raw payload. A failure reveals
// nothing about whether the referenced session is known.
func (v *Verifier) Verify(payload []byte, header string) error {
	if len(v.secrets) == 0 {
		return domain.ErrSecretMissing
	}

	timestamp, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return domain.ErrInvalidSignature
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	drift := v.now().Sub(time.Unix(unix, 0))
	if drift > signatureTolerance || drift < -signatureTolerance {
		return domain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	for _, secret := range v.secrets {
		mac := hmac.New(sha256.New, secret)
		_, _ = mac.Write([]byte(signedPayload))
		expected := hex.EncodeToString(mac.Sum(nil))
		for _, signature := range signatures {
			if hmac.Equal([]byte(signature), []byte(expected)) {
				return nil
			}
		}
	}

	return domain.ErrInvalidSignature
}

// Sign computes the header value for payload using the newest secret;
// used by tests and by the dev checkout simulator.
func (v *Verifier) Sign(payload []byte, unixTime int64) string {
	var secret []byte
	if len(v.secrets) > 0 {
		secret = v.secrets[0]
	}
	signedPayload := fmt.Sprintf("%d.%s", unixTime, string(payload))
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(signedPayload))
	return fmt.Sprintf("t=%d,v1=%s", unixTime, hex.EncodeToString(mac.Sum(nil)))
}

func parseSignatureHeader(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, domain.ErrInvalidSignature
	}
	return timestamp, signatures, nil
}
