// Package tracking rewrites outbound HTML for open/click tracking and
// serves the endpoints recipients' mail clients hit. Click targets are
// carried base64url-encoded and HMAC-signed so the redirect cannot be
// abused as an open relay.
package tracking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Processor rewrites campaign HTML: click indirection, open pixel,
// unsubscribe footer. All methods are idempotent on already-processed
// HTML.
type Processor struct {
	baseURL string
	secret  []byte
}

// NewProcessor creates a processor generating links under baseURL and
// signing them with secret.
func NewProcessor(baseURL, secret string) *Processor {
	return &Processor{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(secret),
	}
}

var hrefRe = regexp.MustCompile(`href=["'](https?://[^"']+)["']`)

// Link exclusion: unsubscribe and preference links must reach their
// destination directly, and tracked links must not be double-wrapped.
// mailto:, tel: and fragment-only hrefs never match hrefRe.
func excluded(target string) bool {
	lower := strings.ToLower(target)
	return strings.Contains(lower, "unsubscribe") ||
		strings.Contains(lower, "preference") ||
		strings.Contains(lower, "/t/c/")
}

func (p *Processor) sign(data string) string {
	h := hmac.New(sha256.New, p.secret)
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Verify checks an HMAC signature produced by sign.
func (p *Processor) Verify(data, signature string) bool {
	return hmac.Equal([]byte(p.sign(data)), []byte(signature))
}

// EncodeTarget encodes a click target for transport in a URL.
func EncodeTarget(target string) string {
	return base64.URLEncoding.EncodeToString([]byte(target))
}

// DecodeTarget reverses EncodeTarget.
func DecodeTarget(encoded string) (string, error) {
	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode click target: %w", err)
	}
	return string(data), nil
}

// PixelURL returns the open-tracking pixel URL for a send.
func (p *Processor) PixelURL(trackingID string) string {
	return fmt.Sprintf("%s/t/o/%s", p.baseURL, trackingID)
}

// ClickURL returns the tracked indirection URL for a target link.
func (p *Processor) ClickURL(trackingID, target string) string {
	sig := p.sign(trackingID + "|" + target)
	return fmt.Sprintf("%s/t/c/%s?u=%s&s=%s", p.baseURL, trackingID, EncodeTarget(target), sig)
}

// UnsubscribeURL returns the unsubscribe link for a preference token,
// tagged with the send's tracking ID so the unsubscribe can be
// attributed to a campaign.
func (p *Processor) UnsubscribeURL(token, trackingID string) string {
	if trackingID == "" {
		return fmt.Sprintf("%s/unsubscribe/%s", p.baseURL, token)
	}
	return fmt.Sprintf("%s/unsubscribe/%s?sid=%s", p.baseURL, token, trackingID)
}

// RewriteLinks wraps every absolute http(s) href in a tracked redirect,
// leaving excluded links untouched.
func (p *Processor) RewriteLinks(html, trackingID string) string {
	return hrefRe.ReplaceAllStringFunc(html, func(match string) string {
		target := hrefRe.FindStringSubmatch(match)[1]
		if excluded(target) {
			return match
		}
		return fmt.Sprintf(`href="%s"`, p.ClickURL(trackingID, target))
	})
}

// InjectPixel appends a 1×1 open-tracking pixel before the closing body
// tag, or at the document end if there is none. Re-running on processed
// HTML is a no-op.
func (p *Processor) InjectPixel(html, trackingID string) string {
	pixelURL := p.PixelURL(trackingID)
	if strings.Contains(html, pixelURL) {
		return html
	}
	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none;width:1px;height:1px" />`, pixelURL)
	if idx := strings.LastIndex(strings.ToLower(html), "</body>"); idx >= 0 {
		return html[:idx] + pixel + html[idx:]
	}
	return html + pixel
}

// EnsureUnsubscribe guarantees exactly one unsubscribe mechanism in the
// final HTML. A template-provided link (anything unsubscribe-ish) is
// left alone; a footer is synthesized only when none is detectable.
func (p *Processor) EnsureUnsubscribe(html, unsubURL string) string {
	if strings.Contains(html, unsubURL) || strings.Contains(strings.ToLower(html), "unsubscribe") {
		return html
	}
	footer := fmt.Sprintf(
		`<p style="font-size:12px;color:#999999;text-align:center;margin-top:24px;">`+
			`<a href="%s" style="color:#999999;">Unsubscribe</a></p>`, unsubURL)
	if idx := strings.LastIndex(strings.ToLower(html), "</body>"); idx >= 0 {
		return html[:idx] + footer + html[idx:]
	}
	return html + footer
}

// Process runs the full rewrite pipeline on outbound HTML.
func (p *Processor) Process(html, trackingID, unsubURL string) string {
	html = p.RewriteLinks(html, trackingID)
	html = p.EnsureUnsubscribe(html, unsubURL)
	html = p.InjectPixel(html, trackingID)
	return html
}
