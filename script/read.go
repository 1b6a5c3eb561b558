package script

import (
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/akitasoftware/pipedge/buffer"
	"github.com/akitasoftware/pipedge/event"
	"github.com/akitasoftware/pipedge/filter"
	"github.com/akitasoftware/pipedge/pipeline"
)

// readChunkSize matches the inbound TCP read buffer: file bytes enter the
// pipeline in the same granularity socket bytes would.
const readChunkSize = 16 * 1024

// Read runs pathname's contents through a pipeline spawned from builder's
// layout and returns whatever the pipeline emitted. The call blocks: Read
// returns once the pipeline's terminal StreamEnd has propagated to the
// sink. The file is fed as one message — MessageStart,
// Data per read chunk, MessageEnd — followed by StreamEnd(NoError), the
// same framing InboundUDP applies to a datagram.
func Read(pathname string, builder Builder) (*buffer.ByteBuffer, error) {
	layout := builder()
	if layout == nil {
		return nil, errors.New("script: read builder returned no pipeline layout")
	}

	f, err := os.Open(pathname)
	if err != nil {
		return nil, errors.Wrapf(err, "script: cannot open %s", pathname)
	}
	defer f.Close()

	out := buffer.New()
	sink := filter.EventTargetFunc(func(e event.Event) {
		if d, ok := e.(event.Data); ok && d.Buffer != nil {
			out.Append(d.Buffer)
		}
	})

	p := pipeline.Make(layout, pipeline.NewContext(nil), sink, nil)
	p.Start()

	p.Input(event.MessageStart{})
	chunk := make([]byte, readChunkSize)
	for {
		n, readErr := f.Read(chunk)
		if n > 0 {
			p.Input(event.NewData(buffer.NewFromBytes(chunk[:n])))
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			p.Input(event.StreamEnd{Error: event.ReadError})
			return nil, errors.Wrapf(readErr, "script: error reading %s", pathname)
		}
	}
	p.Input(event.MessageEnd{})
	p.Input(event.StreamEnd{Error: event.NoError})

	return out, nil
}
