package services

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"

	"github.com/fredcamaral/overlaysync/internal/domain/entities"
)

// textSanitizer strips markup from producer-supplied strings and normalizes
// them to NFC so renderers see one canonical form.
type textSanitizer struct {
	policy *bluemonday.Policy
}

// maxSanitizePasses bounds the decode loop for nested entity encodings
const maxSanitizePasses = 8

func newTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

func (t *textSanitizer) clean(s string) string {
	if s == "" {
		return s
	}
	return strings.TrimSpace(norm.NFC.String(t.strip(s)))
}

// strip sanitizes and decodes until the text is stable, so entity-encoded
// markup is decoded and then removed instead of surviving as live tags
func (t *textSanitizer) strip(s string) string {
	for i := 0; i < maxSanitizePasses; i++ {
		next := html.UnescapeString(t.policy.Sanitize(s))
		if next == s {
			return next
		}
		s = next
	}
	return strings.NewReplacer("<", "", ">", "").Replace(s)
}

// snapshot cleans every free-text field in place
func (t *textSanitizer) snapshot(s *entities.Snapshot) {
	for i := range s.Route {
		s.Route[i].System = t.clean(s.Route[i].System)
		s.Route[i].Notes = t.clean(s.Route[i].Notes)
	}
	if s.Identity != nil {
		s.Identity.Commander = t.clean(s.Identity.Commander)
	}
	for i := range s.Proximity {
		s.Proximity[i].Name = t.clean(s.Proximity[i].Name)
		s.Proximity[i].Kind = t.clean(s.Proximity[i].Kind)
	}
	if s.Player != nil {
		s.Player.System = t.clean(s.Player.System)
		s.Player.Body = t.clean(s.Player.Body)
	}
	if s.Combat != nil {
		s.Combat.LastTarget = t.clean(s.Combat.LastTarget)
	}
	if s.Mining != nil {
		s.Mining.LastMaterial = t.clean(s.Mining.LastMaterial)
	}
	if s.TailerStatus != nil {
		s.TailerStatus.Message = t.clean(s.TailerStatus.Message)
	}
}
