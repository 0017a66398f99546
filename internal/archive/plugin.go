package archive

import (
	"context"

	"github.com/tinytelemetry/courier/internal/model"
	"github.com/tinytelemetry/courier/internal/pipeline"
)

// PluginName identifies the built-in archive plugin in the chain.
const PluginName = "archive"

// Plugin records delivered events into the archive store. It only implements
// the post-send hook; delivery failures are not archived.
type Plugin struct {
	pipeline.Base
	buf *InsertBuffer
}

// NewPlugin creates the archive plugin over the given insert buffer.
func NewPlugin(buf *InsertBuffer) *Plugin {
	return &Plugin{buf: buf}
}

func (p *Plugin) Name() string { return PluginName }

func (p *Plugin) AfterSend(_ context.Context, ev *model.Event) error {
	p.buf.Add(ev)
	return nil
}
