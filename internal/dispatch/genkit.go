package dispatch

import (
	"encoding/json"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/boardpilot/boardpilot/internal/action"
)

// Registry projects the catalog into Genkit tools. Tools are defined once
// at startup; the acting identity travels in the call context, so the same
// definitions serve every session, trigger run, and delegation depth. The
// profile chosen per run decides which refs the model is handed.
type Registry struct {
	dispatcher *Dispatcher
	refs       map[string]ai.ToolRef
	order      []string
}

// NewRegistry defines every catalog tool on the Genkit instance.
func NewRegistry(g *genkit.Genkit, d *Dispatcher) *Registry {
	r := &Registry{
		dispatcher: d,
		refs:       make(map[string]ai.ToolRef),
	}
	for _, name := range d.catalog.Names() {
		spec, _ := d.catalog.Lookup(name)
		r.refs[name] = defineTool(g, d, spec)
		r.order = append(r.order, name)
	}
	return r
}

func defineTool(g *genkit.Genkit, d *Dispatcher, spec *ToolSpec) ai.ToolRef {
	name := spec.Name
	return genkit.DefineTool(g, name, spec.Description,
		func(tctx *ai.ToolContext, input map[string]any) (*Outcome, error) {
			actx, ok := action.FromContext(tctx.Context)
			if !ok {
				return nil, action.PermissionDeniedf("tool %s: no acting identity on context", name)
			}
			raw, err := json.Marshal(input)
			if err != nil {
				return nil, action.ValidationFailedf("tool %s: encode input: %s", name, err)
			}
			// A pending-approval outcome flows back as tool output, not an
			// error, so the model can tell the user what is being held.
			return d.Execute(tctx.Context, actx, name, raw)
		},
	)
}

// ToolRefs returns the refs a profile admits, in catalog order.
func (r *Registry) ToolRefs(p Profile) []ai.ToolRef {
	var out []ai.ToolRef
	for _, name := range r.order {
		spec, _ := r.dispatcher.catalog.Lookup(name)
		if p.admits(spec) {
			out = append(out, r.refs[name])
		}
	}
	return out
}
