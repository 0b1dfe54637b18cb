package worker

import (
	"fmt"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/osteele/liquid"
)

// templates holds a campaign's compiled subject and bodies. Compiling once
// per job surfaces syntax errors before the first send.
type templates struct {
	subject *liquid.Template
	html    *liquid.Template
	text    *liquid.Template
}

func compileTemplates(engine *liquid.Engine, c *domain.Campaign) (*templates, error) {
	t := &templates{}
	var err error
	if t.subject, err = parse(engine, "subject", c.Subject); err != nil {
		return nil, err
	}
	if t.html, err = parse(engine, "html body", c.HTMLBody); err != nil {
		return nil, err
	}
	if c.TextBody != "" {
		if t.text, err = parse(engine, "text body", c.TextBody); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func parse(engine *liquid.Engine, name, src string) (*liquid.Template, error) {
	tpl, err := engine.ParseString(src)
	if err != nil {
		return nil, fmt.Errorf("%s template: %s", name, err.Error())
	}
	return tpl, nil
}

// bindings are the personalization variables available to every template.
func bindings(r *domain.Recipient, unsubscribeURL string) liquid.Bindings {
	return liquid.Bindings{
		"name":            r.Name,
		"first_name":      r.FirstName(),
		"email":           r.Email,
		"company":         r.Company,
		"role":            r.Role,
		"location":        r.Location,
		"unsubscribe_url": unsubscribeURL,
	}
}

type rendered struct {
	subject string
	html    string
	text    string
}

func (t *templates) render(b liquid.Bindings) (*rendered, error) {
	out := &rendered{}
	var err error
	if out.subject, err = t.subject.RenderString(b); err != nil {
		return nil, fmt.Errorf("render subject: %s", err.Error())
	}
	if out.html, err = t.html.RenderString(b); err != nil {
		return nil, fmt.Errorf("render html: %s", err.Error())
	}
	if t.text != nil {
		if out.text, err = t.text.RenderString(b); err != nil {
			return nil, fmt.Errorf("render text: %s", err.Error())
		}
	}
	return out, nil
}
