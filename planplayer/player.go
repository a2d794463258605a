// Package planplayer replays a stream execution plan on virtual time and
// realizes its cross-stream synchronization contracts: one worker per logic
// stream, two-party barriers, and one-shot notifications carrying a
// monotonic clock.
package planplayer

import (
	"fmt"
	"reflect"
	"sort"

	"gitlab.com/akita/akita/v3/sim"

	"github.com/sarchlab/streamplan"
	"github.com/sarchlab/streamplan/timemodel"
)

// An advanceStreamEvent triggers the player to continue one logic stream.
type advanceStreamEvent struct {
	time        sim.VTimeInSec
	handler     *PlanPlayer
	streamIndex int
}

// Time returns the time of the event.
func (e advanceStreamEvent) Time() sim.VTimeInSec {
	return e.time
}

// Handler returns the handler of the event.
func (e advanceStreamEvent) Handler() sim.Handler {
	return e.handler
}

// IsSecondary always returns false.
func (e advanceStreamEvent) IsSecondary() bool {
	return false
}

// A kernelCompletionEvent is triggered when a kernel launch is completed.
type kernelCompletionEvent struct {
	time        sim.VTimeInSec
	handler     *PlanPlayer
	streamIndex int
	nodeIndex   int
}

// Time returns the time of the event.
func (e kernelCompletionEvent) Time() sim.VTimeInSec {
	return e.time
}

// Handler returns the handler of the event.
func (e kernelCompletionEvent) Handler() sim.Handler {
	return e.handler
}

// IsSecondary always returns false.
func (e kernelCompletionEvent) IsSecondary() bool {
	return false
}

// streamState is the worker-owned state of one logic stream.
type streamState struct {
	cursor       int
	busy         bool
	continueFlag bool
	clock        int64
}

// notificationState is the shared state of one notification. It is signaled
// exactly once and stays signaled for the plan's lifetime.
type notificationState struct {
	signaled bool
	clock    int64
}

// A PlanPlayer replays a SequentialExecutionPlan.
type PlanPlayer struct {
	*sim.ComponentBase

	sim.TimeTeller
	sim.EventScheduler
	timeEstimator timemodel.TimeEstimator

	plan  *streamplan.SequentialExecutionPlan
	graph *streamplan.Graph

	streams       []*streamState
	notifications []*notificationState
	barriers      []int
	refCounts     []int
	freedValues   map[int]bool
}

// NewPlanPlayer creates a new PlanPlayer.
func NewPlanPlayer(
	name string,
	tt sim.TimeTeller,
	es sim.EventScheduler,
	timeEstimator timemodel.TimeEstimator,
) *PlanPlayer {
	p := &PlanPlayer{
		timeEstimator:  timeEstimator,
		TimeTeller:     tt,
		EventScheduler: es,
	}

	p.ComponentBase = sim.NewComponentBase(name)

	return p
}

// SetPlan sets the plan to replay and the graph it was planned for.
func (p *PlanPlayer) SetPlan(
	plan *streamplan.SequentialExecutionPlan,
	graph *streamplan.Graph,
) {
	p.plan = plan
	p.graph = graph

	p.streams = make([]*streamState, len(plan.ExecutionPlan))
	for i := range p.streams {
		p.streams[i] = &streamState{continueFlag: true}
	}

	numNotifications := len(plan.NotificationOwners)
	p.notifications = make([]*notificationState, numNotifications)
	for i := range p.notifications {
		p.notifications[i] = &notificationState{}
	}

	// each barrier is a two-party rendezvous
	p.barriers = make([]int, plan.NumBarriers)
	for i := range p.barriers {
		p.barriers[i] = 2
	}

	p.refCounts = make([]int, len(plan.ReleaseActions))
	for i, action := range plan.ReleaseActions {
		p.refCounts[i] = action.RefCount
	}
	p.freedValues = make(map[int]bool)
}

// KickStart starts the replay. It schedules the first advance of every
// stream; the main program should still run the engine.
func (p *PlanPlayer) KickStart() {
	if p.plan == nil {
		panic("Plan is not set")
	}

	for i := range p.streams {
		p.Schedule(advanceStreamEvent{
			time:        p.CurrentTime(),
			handler:     p,
			streamIndex: i,
		})
	}
}

// Handle function of a PlanPlayer handles events.
func (p *PlanPlayer) Handle(e sim.Event) error {
	switch e := e.(type) {
	case advanceStreamEvent:
		p.advanceStream(e.streamIndex)
	case kernelCompletionEvent:
		p.completeKernel(e)
	default:
		panic("PlanPlayer cannot handle this event type " +
			reflect.TypeOf(e).String())
	}

	return nil
}

// NotifyPortFree function of a PlanPlayer does nothing; the player owns no
// ports.
func (p *PlanPlayer) NotifyPortFree(now sim.VTimeInSec, port sim.Port) {
}

// NotifyRecv function of a PlanPlayer does nothing; the player owns no
// ports.
func (p *PlanPlayer) NotifyRecv(now sim.VTimeInSec, port sim.Port) {
}

// advanceStream runs the steps of one stream until it blocks on a barrier, a
// running kernel, or the end of the stream.
func (p *PlanPlayer) advanceStream(streamIndex int) {
	state := p.streams[streamIndex]
	if state.busy || !state.continueFlag {
		return
	}

	steps := p.plan.ExecutionPlan[streamIndex].Steps
	for state.cursor < len(steps) {
		switch step := steps[state.cursor].(type) {
		case *streamplan.BarrierStep:
			if !p.decCountDownBarrier(step.BarrierID) {
				// the producer has not triggered yet; the downstream trigger
				// resumes this stream
				return
			}
			state.cursor++

		case *streamplan.WaitOnEPStep:
			notification := p.notifications[step.NotificationIndex]
			if !notification.signaled {
				panic(fmt.Sprintf("stream %d waits on inactive notification %d",
					streamIndex, step.NotificationIndex))
			}
			if step.Wait != nil {
				step.Wait(streamIndex, step.NotificationIndex)
			}
			if notification.clock > state.clock {
				state.clock = notification.clock
			}
			state.cursor++

		case *streamplan.LaunchKernelStep:
			node := p.graph.Node(step.NodeIndex)
			output, err := p.timeEstimator.Estimate(timemodel.TimeEstimatorInput{
				OpType:            node.OpType,
				NodeName:          node.Name,
				Provider:          node.Provider,
				StreamIndex:       streamIndex,
				RecordedTimeInSec: node.TimeInSec,
			})
			if err != nil {
				// a failing step aborts the remainder of its stream
				state.continueFlag = false
				return
			}

			now := p.CurrentTime()
			p.Schedule(kernelCompletionEvent{
				time:        now + sim.VTimeInSec(output.TimeInSec),
				handler:     p,
				streamIndex: streamIndex,
				nodeIndex:   step.NodeIndex,
			})
			state.busy = true
			state.cursor++
			return

		case *streamplan.ActivateNotificationStep:
			state.clock++
			notification := p.notifications[step.NotificationIndex]
			notification.signaled = true
			notification.clock = state.clock
			state.cursor++

		case *streamplan.TriggerDownstreamStep:
			state.cursor++
			p.triggerDownstream(step.NotificationIndex)

		default:
			panic("PlanPlayer cannot handle this step type " +
				reflect.TypeOf(step).String())
		}
	}
}

// decCountDownBarrier decrements the barrier's arrival count and reports
// whether both parties have arrived.
func (p *PlanPlayer) decCountDownBarrier(barrierID int) bool {
	p.barriers[barrierID]--
	if p.barriers[barrierID] < 0 {
		panic(fmt.Sprintf("barrier %d decremented below zero", barrierID))
	}
	return p.barriers[barrierID] == 0
}

// triggerDownstream arrives at every barrier waiting on the notification and
// resumes the streams whose barriers are released.
func (p *PlanPlayer) triggerDownstream(notificationIndex int) {
	for _, ref := range p.plan.DownstreamMap[notificationIndex] {
		step, ok := p.plan.ExecutionPlan[ref.StreamIndex].Steps[ref.StepIndex].(*streamplan.BarrierStep)
		if !ok {
			panic("downstream map entry does not point at a barrier")
		}
		if p.decCountDownBarrier(step.BarrierID) {
			// the consumer stream is parked on this barrier
			downstream := p.streams[ref.StreamIndex]
			if downstream.cursor == ref.StepIndex {
				downstream.cursor++
				p.Schedule(advanceStreamEvent{
					time:        p.CurrentTime(),
					handler:     p,
					streamIndex: ref.StreamIndex,
				})
			}
		}
	}
}

func (p *PlanPlayer) completeKernel(e kernelCompletionEvent) {
	state := p.streams[e.streamIndex]
	state.busy = false

	for _, actionIndex := range p.releaseActionsOf(e.nodeIndex) {
		p.refCounts[actionIndex]--
		if p.refCounts[actionIndex] == 0 {
			p.freedValues[p.plan.ReleaseActions[actionIndex].ValueIndex] = true
		}
	}

	p.Schedule(advanceStreamEvent{
		time:        p.CurrentTime(),
		handler:     p,
		streamIndex: e.streamIndex,
	})
}

func (p *PlanPlayer) releaseActionsOf(nodeIndex int) []int {
	if nodeIndex < 0 || nodeIndex >= len(p.plan.NodeReleaseList) {
		return nil
	}
	return p.plan.NodeReleaseList[nodeIndex]
}

// FreedValues returns the indices of the buffers released so far, in
// ascending order.
func (p *PlanPlayer) FreedValues() []int {
	freed := make([]int, 0, len(p.freedValues))
	for index := range p.freedValues {
		freed = append(freed, index)
	}
	sort.Ints(freed)
	return freed
}

// StreamDone reports whether the stream has run every step of its plan.
func (p *PlanPlayer) StreamDone(streamIndex int) bool {
	state := p.streams[streamIndex]
	return !state.busy && state.cursor == len(p.plan.ExecutionPlan[streamIndex].Steps)
}
