package vtop

import (
	"bytes"
	"regexp"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/vtop-hub/vtop-gateway/internal/domain/session"
	"github.com/vtop-hub/vtop-gateway/internal/domain/shared"
)

var studentIDPattern = regexp.MustCompile(`var\s+id\s*=\s*"([^"]+)"`)

// ExtractAuthContext reads the internal student identifier and the fresh anti-forgery
// token from the page the portal returns after a successful login.
func ExtractAuthContext(body []byte) (*session.AuthContext, error) {
	m := studentIDPattern.FindSubmatch(body)
	if m == nil {
		return nil, shared.NewDomainError("vtop", "ExtractAuthContext", shared.ErrNotAuthenticated,
			"student id not found in landing page")
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, shared.WrapError("vtop", "ExtractAuthContext", shared.ErrNotAuthenticated,
			"unparseable landing page", err)
	}

	token := CSRFToken(doc)
	if token == "" {
		return nil, shared.NewDomainError("vtop", "ExtractAuthContext", shared.ErrNotAuthenticated,
			"anti-forgery token not found in landing page")
	}

	return &session.AuthContext{
		StudentID:       string(m[1]),
		CSRFToken:       token,
		AuthenticatedAt: time.Now().UTC(),
	}, nil
}
