package utils

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// NewTrackingID builds the unique token embedded in an outbound message. The
// first segment is a digest of (enrollment, step) so engagement and bounce
// events can be checked against their origin without a database round trip;
// the second is random so retries of the same step stay distinguishable.
func NewTrackingID(enrollmentID uint, stepIndex int) string {
	return fmt.Sprintf("%s.%s", trackingDigest(enrollmentID, stepIndex), uuid.New().String()[:8])
}

// MatchesEnrollmentStep verifies that a tracking id originated from the given
// (enrollment, step) pair.
func MatchesEnrollmentStep(trackingID string, enrollmentID uint, stepIndex int) bool {
	segment, _, ok := strings.Cut(trackingID, ".")
	return ok && segment == trackingDigest(enrollmentID, stepIndex)
}

func trackingDigest(enrollmentID uint, stepIndex int) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%d:%d", enrollmentID, stepIndex)))
	return base64.RawURLEncoding.EncodeToString(hash[:])[:12]
}

// GenerateTrackingPixelURL generates a tracking pixel URL for email opens
func GenerateTrackingPixelURL(baseURL, trackingID string) string {
	return fmt.Sprintf("%s/track/open/%s", baseURL, trackingID)
}

// GenerateClickTrackURL generates a tracked URL for links
func GenerateClickTrackURL(baseURL, trackingID, originalURL string) string {
	return fmt.Sprintf("%s/track/click/%s?url=%s", baseURL, trackingID, url.QueryEscape(originalURL))
}

// InjectTracking appends an open-tracking pixel and rewrites links through
// the click redirect.
func InjectTracking(htmlContent, baseURL, trackingID string) string {
	pixelURL := GenerateTrackingPixelURL(baseURL, trackingID)
	trackingPixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`, pixelURL)

	return injectClickTracking(htmlContent, baseURL, trackingID) + trackingPixel
}

func injectClickTracking(html, baseURL, trackingID string) string {
	// Simplified rewrite; assumes double-quoted hrefs as produced by the
	// template service.
	startTag := `<a href="`
	endTag := `"`
	offset := 0

	for {
		startIdx := strings.Index(html[offset:], startTag)
		if startIdx == -1 {
			break
		}
		startIdx += offset + len(startTag)

		endIdx := strings.Index(html[startIdx:], endTag)
		if endIdx == -1 {
			break
		}
		endIdx += startIdx

		originalURL := html[startIdx:endIdx]
		trackedURL := GenerateClickTrackURL(baseURL, trackingID, originalURL)

		html = html[:startIdx] + trackedURL + html[endIdx:]
		offset = startIdx + len(trackedURL)
	}

	return html
}
