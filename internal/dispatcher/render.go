package dispatcher

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/foxzi/zapcast/internal/models"
)

// ErrTemplate marks a message template that cannot be rendered
var ErrTemplate = errors.New("malformed template")

// placeholder pattern: {variable}
var varPattern = regexp.MustCompile(`\{([^{}]*)\}`)

// recipientVars maps placeholder names to recipient fields.
// Portuguese names are the canonical ones, English aliases are accepted.
var recipientVars = map[string]func(models.Recipient) string{
	"nome":     func(r models.Recipient) string { return r.Name },
	"telefone": func(r models.Recipient) string { return r.Phone },
	"email":    func(r models.Recipient) string { return r.Email },
	"grupo":    func(r models.Recipient) string { return r.Group },
	"name":     func(r models.Recipient) string { return r.Name },
	"phone":    func(r models.Recipient) string { return r.Phone },
	"group":    func(r models.Recipient) string { return r.Group },
}

// ValidateTemplate checks brace balance and placeholder names
func ValidateTemplate(tmpl string) error {
	depth := 0
	for i, r := range tmpl {
		switch r {
		case '{':
			depth++
			if depth > 1 {
				return fmt.Errorf("%w: nested '{' at offset %d", ErrTemplate, i)
			}
		case '}':
			depth--
			if depth < 0 {
				return fmt.Errorf("%w: unmatched '}' at offset %d", ErrTemplate, i)
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("%w: unclosed '{'", ErrTemplate)
	}

	for _, m := range varPattern.FindAllStringSubmatch(tmpl, -1) {
		name := strings.ToLower(strings.TrimSpace(m[1]))
		if _, ok := recipientVars[name]; !ok {
			return fmt.Errorf("%w: unknown placeholder {%s}", ErrTemplate, m[1])
		}
	}
	return nil
}

// Render substitutes recipient placeholders. The template must have passed
// ValidateTemplate; unknown placeholders are left as they are.
func Render(tmpl string, r models.Recipient) string {
	if tmpl == "" {
		return tmpl
	}

	return varPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := strings.ToLower(strings.TrimSpace(match[1 : len(match)-1]))
		if get, ok := recipientVars[name]; ok {
			return get(r)
		}
		return match
	})
}

// ValidateCampaign checks the message kind and every template the campaign renders
func ValidateCampaign(c *models.Campaign) error {
	if c.Kind == models.KindTemplate && c.TemplateName == "" {
		return fmt.Errorf("%w: template name is required", ErrTemplate)
	}
	if c.Kind != models.KindTemplate && strings.TrimSpace(c.Message) == "" {
		return fmt.Errorf("%w: message is empty", ErrTemplate)
	}
	if err := ValidateTemplate(c.Message); err != nil {
		return err
	}
	for i, p := range c.TemplateParams {
		if err := ValidateTemplate(p); err != nil {
			return fmt.Errorf("template parameter %d: %w", i+1, err)
		}
	}
	if c.ConnectionType != "" {
		return validateForConnection(c, c.ConnectionType)
	}
	return nil
}

// validateForConnection rejects template campaigns that would reach an
// instance gateway with nothing to send. Those gateways have no template
// registry and deliver the message text, or the parameters when it is empty.
func validateForConnection(c *models.Campaign, t models.ConnectionType) error {
	if t != models.ConnectionUnofficialInstance || c.Kind != models.KindTemplate {
		return nil
	}
	if strings.TrimSpace(c.Message) != "" {
		return nil
	}
	for _, p := range c.TemplateParams {
		if strings.TrimSpace(p) != "" {
			return nil
		}
	}
	return fmt.Errorf("%w: instance connections need a message or template parameters for template %q", ErrTemplate, c.TemplateName)
}

// renderParams renders the template parameters for one recipient
func renderParams(params []string, r models.Recipient) []string {
	if len(params) == 0 {
		return nil
	}
	out := make([]string, len(params))
	for i, p := range params {
		out[i] = Render(p, r)
	}
	return out
}
