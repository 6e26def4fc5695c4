package ingest

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/httpretry"
)

// ErrSNSVerification is returned for an SNS delivery that cannot be
// authenticated.
var ErrSNSVerification = errors.New("sns message failed verification")

const maxCertBytes = 64 << 10

var snsHost = regexp.MustCompile(`^sns\.[a-z0-9-]+\.amazonaws\.com(\.cn)?$`)

// SNSVerifier authenticates SNS HTTP deliveries. The signing certificate
// must be served by an SNS endpoint and its key must verify the signature
// over the message's canonical fields.
type SNSVerifier struct {
	client httpretry.HTTPDoer
	topics map[string]struct{}
	now    func() time.Time

	mu    sync.Mutex
	certs map[string]*x509.Certificate
}

// NewSNSVerifier fetches signing certificates through client. A non-empty
// topicARNs restricts accepted messages to those topics.
func NewSNSVerifier(client httpretry.HTTPDoer, topicARNs []string) *SNSVerifier {
	v := &SNSVerifier{
		client: client,
		topics: make(map[string]struct{}, len(topicARNs)),
		now:    time.Now,
		certs:  make(map[string]*x509.Certificate),
	}
	for _, arn := range topicARNs {
		if arn = strings.TrimSpace(arn); arn != "" {
			v.topics[arn] = struct{}{}
		}
	}
	return v
}

// TopicAllowed reports whether arn passes the configured allowlist.
func (v *SNSVerifier) TopicAllowed(arn string) bool {
	if len(v.topics) == 0 {
		return true
	}
	_, ok := v.topics[arn]
	return ok
}

// Verify checks the topic allowlist and the message signature.
func (v *SNSVerifier) Verify(ctx context.Context, env SNSEnvelope) error {
	if !v.TopicAllowed(env.TopicArn) {
		return fmt.Errorf("%w: topic %q is not allowed", ErrSNSVerification, env.TopicArn)
	}
	var (
		hash   crypto.Hash
		digest []byte
	)
	canonical, err := env.StringToSign()
	if err != nil {
		return err
	}
	switch env.SignatureVersion {
	case "1":
		sum := sha1.Sum([]byte(canonical))
		hash, digest = crypto.SHA1, sum[:]
	case "2":
		sum := sha256.Sum256([]byte(canonical))
		hash, digest = crypto.SHA256, sum[:]
	default:
		return fmt.Errorf("%w: unsupported signature version %q", ErrSNSVerification, env.SignatureVersion)
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil || len(sig) == 0 {
		return fmt.Errorf("%w: missing or malformed signature", ErrSNSVerification)
	}
	cert, err := v.cert(ctx, env.SigningCertURL)
	if err != nil {
		return err
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: signing certificate key is not RSA", ErrSNSVerification)
	}
	if err := rsa.VerifyPKCS1v15(pub, hash, digest, sig); err != nil {
		return fmt.Errorf("%w: bad signature", ErrSNSVerification)
	}
	return nil
}

func (v *SNSVerifier) cert(ctx context.Context, raw string) (*x509.Certificate, error) {
	if !trustedCertURL(raw) {
		return nil, fmt.Errorf("%w: untrusted SigningCertURL %q", ErrSNSVerification, raw)
	}
	now := v.now()

	v.mu.Lock()
	cached, ok := v.certs[raw]
	v.mu.Unlock()
	if ok && now.Before(cached.NotAfter) {
		return cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch signing certificate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch signing certificate: %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCertBytes))
	if err != nil {
		return nil, fmt.Errorf("read signing certificate: %w", err)
	}
	block, _ := pem.Decode(body)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%w: signing certificate is not PEM", ErrSNSVerification)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse signing certificate: %v", ErrSNSVerification, err)
	}
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return nil, fmt.Errorf("%w: signing certificate is outside its validity window", ErrSNSVerification)
	}

	v.mu.Lock()
	v.certs[raw] = cert
	v.mu.Unlock()
	return cert, nil
}

// StringToSign builds the newline-delimited field list SNS signs. Subject
// is only part of a Notification when present.
func (e SNSEnvelope) StringToSign() (string, error) {
	var fields [][2]string
	switch e.Type {
	case "Notification":
		fields = append(fields, [2]string{"Message", e.Message}, [2]string{"MessageId", e.MessageID})
		if e.Subject != "" {
			fields = append(fields, [2]string{"Subject", e.Subject})
		}
		fields = append(fields,
			[2]string{"Timestamp", e.Timestamp},
			[2]string{"TopicArn", e.TopicArn},
			[2]string{"Type", e.Type})
	case "SubscriptionConfirmation", "UnsubscribeConfirmation":
		fields = [][2]string{
			{"Message", e.Message},
			{"MessageId", e.MessageID},
			{"SubscribeURL", e.SubscribeURL},
			{"Timestamp", e.Timestamp},
			{"Token", e.Token},
			{"TopicArn", e.TopicArn},
			{"Type", e.Type},
		}
	default:
		return "", fmt.Errorf("%w: cannot sign message type %q", ErrSNSVerification, e.Type)
	}
	var b strings.Builder
	for _, f := range fields {
		b.WriteString(f[0])
		b.WriteByte('\n')
		b.WriteString(f[1])
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func trustedCertURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.User != nil {
		return false
	}
	return snsHost.MatchString(u.Hostname()) && strings.HasSuffix(u.Path, ".pem")
}

// trustedSubscribeURL accepts only https SNS endpoints, so a forged
// confirmation cannot make the service fetch arbitrary URLs.
func trustedSubscribeURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.User != nil {
		return false
	}
	return snsHost.MatchString(u.Hostname())
}
