package channel

import (
	"context"
	"time"

	"github.com/GriffinCanCode/AgentOS/channels/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/event"
)

// Events is the kernel wait-event service. *event.Table implements it.
type Events interface {
	Allocate() event.Handle
	Set(h event.Handle) error
	WaitOne(ctx context.Context, h event.Handle) error
	TryWaitOne(h event.Handle) (bool, error)
	Release(h event.Handle) error
}

// Recorder receives channel metrics. *monitoring.Metrics implements it.
type Recorder interface {
	RecordConnect(open int64)
	RecordRelease(open int64)
	RecordDispose()
	RecordFree()
	RecordNotify()
	RecordUpdates(committed, delivered int)
	RecordMarshal()
	RecordMove(transition string)
	RecordTransfer(kind string)
	RecordFault(kind string)
	ObserveWait(d time.Duration)
}

// EventSink receives lifecycle events. *tracing.Emitter implements it.
type EventSink interface {
	Emit(ev tracing.Event)
}

type nopRecorder struct{}

func (nopRecorder) RecordConnect(int64) {}
func (nopRecorder) RecordRelease(int64) {}
func (nopRecorder) RecordDispose() {}
func (nopRecorder) RecordFree() {}
func (nopRecorder) RecordNotify() {}
func (nopRecorder) RecordUpdates(int, int) {}
func (nopRecorder) RecordMarshal() {}
func (nopRecorder) RecordMove(string) {}
func (nopRecorder) RecordTransfer(string) {}
func (nopRecorder) RecordFault(string) {}
func (nopRecorder) ObserveWait(time.Duration) {}

type nopSink struct{}

func (nopSink) Emit(tracing.Event) {}
