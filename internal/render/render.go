// Package render produces the final notification title and message by
// substituting {{variable}} placeholders from a rule's payload into a
// stored template.
package render

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/RoyalKiwi/beacon/internal/model"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// TemplateStore is the subset of the store the renderer needs.
type TemplateStore interface {
	GetTemplate(id int64) (*model.NotificationTemplate, error)
	GetDefaultTemplate() (*model.NotificationTemplate, error)
}

// Renderer selects a template and fills in its placeholders.
type Renderer struct {
	store TemplateStore
}

func New(store TemplateStore) *Renderer {
	return &Renderer{store: store}
}

// Render returns the final title and message for a notification.
// Selection order: the rule's explicit template id, then the default
// template, then the payload's own title and message untouched. A
// missing or inactive template degrades to the next option instead of
// failing the send.
func (r *Renderer) Render(n model.Notification, templateID *int64) (string, string) {
	tpl := r.selectTemplate(templateID)
	if tpl == nil {
		return n.Title, n.Message
	}

	vars := VariableContext(n)
	return Substitute(tpl.Title, vars), Substitute(tpl.Message, vars)
}

func (r *Renderer) selectTemplate(templateID *int64) *model.NotificationTemplate {
	if templateID != nil {
		tpl, err := r.store.GetTemplate(*templateID)
		if err != nil {
			slog.Warn("template lookup failed, falling back to default", "template_id", *templateID, "error", err)
		} else if tpl.Active {
			return tpl
		}
	}
	tpl, err := r.store.GetDefaultTemplate()
	if err != nil {
		return nil
	}
	return tpl
}

// VariableContext flattens a notification's fixed fields and metadata
// bag into the substitution variables. Metadata keys win over nothing:
// fixed fields are written first so a metadata key of the same name
// overrides them.
func VariableContext(n model.Notification) map[string]string {
	vars := map[string]string{
		"title":      n.Title,
		"message":    n.Message,
		"severity":   n.Severity,
		"alert_type": n.AlertType,
		"alertType":  n.AlertType,
		"timestamp":  n.Timestamp.Format("2006-01-02 15:04:05"),
		"rule_id":    fmt.Sprintf("%d", n.RuleID),
	}
	for k, v := range n.Metadata {
		vars[k] = v
	}
	return vars
}

// Substitute replaces every {{name}} occurrence with its context value.
// Placeholders with no matching variable are removed entirely so a
// malformed template never leaks raw syntax to the receiver.
func Substitute(tpl string, vars map[string]string) string {
	out := placeholderRe.ReplaceAllStringFunc(tpl, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return ""
	})
	return strings.TrimSpace(out)
}

// Preview renders arbitrary template strings against sample variables
// without touching the store. It shares Substitute with the real path
// so previewed output matches what a live alert would produce.
func Preview(titleTpl, messageTpl string, vars map[string]string) (string, string) {
	return Substitute(titleTpl, vars), Substitute(messageTpl, vars)
}

// SampleVariables returns a representative context for template
// authoring previews.
func SampleVariables() map[string]string {
	return map[string]string{
		"title":        "High CPU Usage",
		"message":      "CPU Usage is 92.5 % (threshold: 90)",
		"severity":     model.SeverityWarning,
		"alert_type":   "threshold",
		"metricName":   "cpu_usage",
		"displayName":  "CPU Usage",
		"value":        "92.5",
		"threshold":    "90",
		"unit":         "%",
		"integration":  "homelab",
		"cardName":     "plex",
		"oldStatus":    model.StatusOnline,
		"newStatus":    model.StatusOffline,
		"timestamp":    "2025-01-02 15:04:05",
	}
}
