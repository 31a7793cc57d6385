package orchestrator

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/evalctx"
	"github.com/BDNK1/flowgate/runtime/template"
	"github.com/BDNK1/flowgate/runtime/validate"
)

const templatesKey = "templates"

// renderTemplates selects one template per group, checks its required fields
// and renders it into templates.<group>. Missing fields are collected on the
// execution; with failFast they, and render failures, fail the run.
func (o *Orchestrator) renderTemplates(exec *execution, flow *runtime.FlowConfig) error {
	if len(flow.Templates) == 0 {
		return nil
	}
	if o.selector == nil || o.renderer == nil {
		o.l.WarnContext(exec, "Flow declares templates but no renderer is configured", "flow", flow.Name)
		return nil
	}

	exec.Templates = o.selector.SelectAll(exec, exec.Context, flow.Templates)
	rendered := evalctx.NewMap()

	for _, group := range template.GroupNames(flow.Templates) {
		name := exec.Templates[group]
		o.audit.TemplateSelected(exec, exec.ID, group, name)

		if required, err := o.renderer.Metadata(exec, name); err == nil {
			if missing := validate.RequiredFields(exec.Context, required); len(missing) > 0 {
				exec.Missing = append(exec.Missing, missing...)
				o.audit.ValidationFailed(exec, exec.ID, "template:"+name, missing)
			}
		}

		start := time.Now()
		value, err := o.renderer.Render(exec, name, exec.Context, exec.Location)
		elapsed := time.Since(start)

		size := 0
		status := "success"
		if err != nil {
			status = "error"
			value = evalctx.NewMap()
		} else if data, jerr := json.Marshal(value); jerr == nil {
			size = len(data)
		}
		o.metrics.TemplateRendered(name, status, elapsed)
		o.audit.TemplateRendered(exec, exec.ID, name, size, elapsed, err)

		if err != nil && flow.Settings.FailFast {
			return runtime.AsFlowError(err, "template:"+name)
		}
		rendered.Set(group, value)
	}

	if err := exec.Context.Set(templatesKey, rendered); err != nil {
		return runtime.AsFlowError(err, templatesKey)
	}

	if flow.Settings.FailFast && len(exec.Missing) > 0 {
		return &runtime.FlowError{
			Type:    runtime.ErrorTypePermanent,
			Code:    runtime.ErrorCodeMissingFields,
			Message: "missing required fields: " + strings.Join(exec.Missing, ", "),
		}
	}
	return nil
}
