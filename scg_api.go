package hermes

import (
	"github.com/wardle/hermes/scg"
)

// ParseExpression parses a compositional grammar (SCG) expression.
func (svc *Svc) ParseExpression(s string) (*scg.Expression, error) {
	return scg.Parse(s)
}

// RenderExpression renders an SCG expression with every concept term
// refreshed to the preferred synonym for the given Accept-Language
// preference.
func (svc *Svc) RenderExpression(exp *scg.Expression, acceptLanguage string) (string, error) {
	r := scg.NewUpdatingRenderer(func(conceptID int64) (string, error) {
		d, err := svc.PreferredSynonym(conceptID, acceptLanguage)
		if err != nil {
			return "", nil // keep the original annotation when no synonym is known
		}
		return d.Term, nil
	})
	return r.Render(exp)
}
