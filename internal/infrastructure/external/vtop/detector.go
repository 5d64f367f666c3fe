package vtop

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/vtop-hub/vtop-gateway/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// CHALLENGE DETECTION
// ══════════════════════════════════════════════════════════════════════════════

// Signal names which rule detected the captcha gate.
type Signal string

const (
	SignalNone    Signal = ""
	SignalElement Signal = "element"
	SignalScript  Signal = "script"
	SignalDataURI Signal = "data-uri"
)

// Challenge is an inbuilt captcha found on the login page. Never persisted.
type Challenge struct {
	Image  string
	Token  string
	Signal Signal
}

const (
	captchaContainerSelector = "#captchaBlock, #captchaImage, img.captcha, img.form-control"
	dataURIMarker            = "data:image"
)

var (
	captchaTypeInbuilt = regexp.MustCompile(`captchaType\s*=\s*1\b`)

	// Tried in order; the first element with a non-empty src wins.
	captchaImageSelectors = []string{
		"#captchaImage",
		"#captchaBlock img",
		"img.captcha",
		"img.form-control",
	}
)

// DetectChallenge decides whether the login page carries an inbuilt captcha and extracts
// it. Rules are tried in order: a known captcha element, the inbuilt captchaType script
// flag, then any base64 image. A page that matches none, or from which no image or token
// can be extracted, yields ErrChallengeNotFound.
func DetectChallenge(body []byte) (Challenge, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Challenge{}, shared.WrapError("vtop", "DetectChallenge", shared.ErrChallengeNotFound, "unparseable login page", err)
	}

	signal := detectSignal(doc, body)
	if signal == SignalNone {
		return Challenge{}, shared.NewDomainError("vtop", "DetectChallenge", shared.ErrChallengeNotFound, "no captcha on login page")
	}

	image := captchaImage(doc)
	if image == "" {
		return Challenge{}, shared.NewDomainError("vtop", "DetectChallenge", shared.ErrChallengeNotFound,
			"captcha signalled by "+string(signal)+" but no image found")
	}

	token := CSRFToken(doc)
	if token == "" {
		return Challenge{}, shared.NewDomainError("vtop", "DetectChallenge", shared.ErrChallengeNotFound, "anti-forgery token missing")
	}

	return Challenge{Image: image, Token: token, Signal: signal}, nil
}

func detectSignal(doc *goquery.Document, body []byte) Signal {
	if doc.Find(captchaContainerSelector).Length() > 0 {
		return SignalElement
	}

	inbuilt := false
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		inbuilt = captchaTypeInbuilt.MatchString(s.Text())
		return !inbuilt
	})
	if inbuilt {
		return SignalScript
	}

	if bytes.Contains(body, []byte(dataURIMarker)) && bytes.Contains(body, []byte(";base64,")) {
		return SignalDataURI
	}
	return SignalNone
}

func captchaImage(doc *goquery.Document) string {
	for _, sel := range captchaImageSelectors {
		if src := strings.TrimSpace(doc.Find(sel).First().AttrOr("src", "")); src != "" {
			return src
		}
	}
	return strings.TrimSpace(doc.Find("img[src*='base64']").First().AttrOr("src", ""))
}

// CSRFToken returns the hidden _csrf input value, falling back to the _csrf meta tag.
func CSRFToken(doc *goquery.Document) string {
	if v := strings.TrimSpace(doc.Find("input[name='_csrf']").First().AttrOr("value", "")); v != "" {
		return v
	}
	return strings.TrimSpace(doc.Find("meta[name='_csrf']").First().AttrOr("content", ""))
}
