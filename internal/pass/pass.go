// Package pass drives one render pass from begin to submission.
//
// The host's pass protocol is permissive: draws may arrive with missing
// bindings, before a pipeline is set, or after the pass ended. The
// session absorbs those instead of failing the frame: a draw that cannot
// be encoded is skipped and counted, and End is idempotent.
package pass

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/bridge/internal/binding"
	"github.com/gogpu/bridge/internal/depth"
	"github.com/gogpu/bridge/internal/pipeline"
	"github.com/gogpu/bridge/internal/registry"
)

// Render pass errors.
var (
	// ErrPassEnded is returned when operations arrive after End.
	ErrPassEnded = errors.New("pass: render pass has already ended")

	// ErrPassActive is returned when Begin is called twice.
	ErrPassActive = errors.New("pass: render pass already begun")

	// ErrPassNotBegun is returned when commands arrive before Begin.
	ErrPassNotBegun = errors.New("pass: render pass not begun")

	// ErrNilTarget is returned when Begin gets no color target.
	ErrNilTarget = errors.New("pass: color target is nil")

	// ErrStaleBuffer is returned when a vertex or index buffer handle
	// does not resolve.
	ErrStaleBuffer = errors.New("pass: stale buffer handle")
)

// submitTimeout bounds the fence wait at End.
const submitTimeout = 5 * time.Second

// State is the lifecycle state of a Session.
type State int

const (
	// StateCreated means Begin has not been called yet.
	StateCreated State = iota

	// StateActive means the pass is recording but no pipeline is bound.
	StateActive

	// StateBound means a pipeline is bound and draws may be encoded.
	StateBound

	// StateDrawing means at least one draw was encoded with the current
	// pipeline.
	StateDrawing

	// StateEnded means the pass was finalized and submitted.
	StateEnded
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateActive:
		return "Active"
	case StateBound:
		return "Bound"
	case StateDrawing:
		return "Drawing"
	case StateEnded:
		return "Ended"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Target describes the color attachment a pass renders into.
type Target struct {
	// View is the color attachment view.
	View hal.TextureView

	// Width and Height are the attachment extent in pixels. The depth
	// attachment is provisioned to match.
	Width  uint32
	Height uint32

	// Clear selects LoadOpClear; otherwise the previous contents load.
	Clear bool

	// ClearColor is the packed 0xAARRGGBB clear value used when Clear
	// is set.
	ClearColor uint32
}

// Session records one render pass.
//
// Not safe for concurrent use beyond what the mutex provides for state
// queries; commands must come from a single goroutine, matching the
// host's render thread.
//
// State machine:
//
//	Created -> Begin -> Active -> SetPipeline -> Bound -> Draw -> Drawing
//	(SetPipeline returns to Bound) -> End -> Ended
type Session struct {
	mu sync.Mutex

	device hal.Device
	queue  hal.Queue

	reg       *registry.Registry
	pipelines *pipeline.Cache
	depths    *depth.Cache
	named     *binding.Named

	state   State
	encoder hal.CommandEncoder
	rp      hal.RenderPassEncoder

	current   *pipeline.Record
	bindValid bool

	// built holds every bind group encoded this pass. They stay alive
	// until the submission completes at End.
	built []registry.Handle

	skipped atomic.Uint64
}

// NewSession creates a pass session over shared device state. The
// registry, caches and named binding table outlive the session; the
// session itself is single-use.
func NewSession(device hal.Device, queue hal.Queue, reg *registry.Registry, pipelines *pipeline.Cache, depths *depth.Cache, named *binding.Named) *Session {
	return &Session{
		device:    device,
		queue:     queue,
		reg:       reg,
		pipelines: pipelines,
		depths:    depths,
		named:     named,
		state:     StateCreated,
	}
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SkippedDraws returns the number of draws dropped because they could
// not be encoded.
func (s *Session) SkippedDraws() uint64 { return s.skipped.Load() }

// Begin opens the pass on the given color target. A depth attachment of
// the target's extent is always provisioned, whether or not any pipeline
// in the pass tests depth.
func (s *Session) Begin(target Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateEnded:
		return fmt.Errorf("begin: %w", ErrPassEnded)
	case StateActive, StateBound, StateDrawing:
		return fmt.Errorf("begin: %w", ErrPassActive)
	}
	if target.View == nil {
		return fmt.Errorf("begin: %w", ErrNilTarget)
	}

	att, err := s.depths.Resolve(target.Width, target.Height)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	encoder, err := s.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "pass_encoder"})
	if err != nil {
		return fmt.Errorf("begin: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("pass"); err != nil {
		return fmt.Errorf("begin: begin encoding: %w", err)
	}

	loadOp := gputypes.LoadOpLoad
	if target.Clear {
		loadOp = gputypes.LoadOpClear
	}

	s.rp = encoder.BeginRenderPass(&hal.RenderPassDescriptor{
		Label: "bridge_pass",
		ColorAttachments: []hal.RenderPassColorAttachment{{
			View:       target.View,
			LoadOp:     loadOp,
			StoreOp:    gputypes.StoreOpStore,
			ClearValue: unpackColor(target.ClearColor),
		}},
		DepthStencilAttachment: &hal.RenderPassDepthStencilAttachment{
			View:            att.View,
			DepthLoadOp:     gputypes.LoadOpClear,
			DepthStoreOp:    gputypes.StoreOpDiscard,
			DepthClearValue: 1.0,
		},
	})
	s.encoder = encoder
	s.state = StateActive
	return nil
}

// SetPipeline compiles (or fetches) the pipeline for desc and binds it.
// Any previously built bind group no longer applies.
func (s *Session) SetPipeline(desc *pipeline.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkRecording("set pipeline"); err != nil {
		return err
	}

	rec, err := s.pipelines.GetOrCompile(desc)
	if err != nil {
		return fmt.Errorf("set pipeline: %w", err)
	}

	s.rp.SetPipeline(rec.Pipeline)
	s.current = rec
	s.bindValid = false
	s.state = StateBound
	return nil
}

// SetVertexBuffer binds a vertex buffer handle to a slot.
func (s *Session) SetVertexBuffer(slot uint32, buffer registry.Handle, offset uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkRecording("set vertex buffer"); err != nil {
		return err
	}
	buf, ok := s.reg.Buffer(buffer)
	if !ok {
		return fmt.Errorf("set vertex buffer: %w: %#x", ErrStaleBuffer, uint64(buffer))
	}
	s.rp.SetVertexBuffer(slot, buf.Raw, offset)
	return nil
}

// SetIndexBuffer binds the index buffer for indexed draws.
func (s *Session) SetIndexBuffer(buffer registry.Handle, format gputypes.IndexFormat, offset uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkRecording("set index buffer"); err != nil {
		return err
	}
	buf, ok := s.reg.Buffer(buffer)
	if !ok {
		return fmt.Errorf("set index buffer: %w: %#x", ErrStaleBuffer, uint64(buffer))
	}
	s.rp.SetIndexBuffer(buf.Raw, format, offset)
	return nil
}

// Draw encodes a non-indexed draw. A draw whose bindings cannot satisfy
// the pipeline layout is skipped, counted and logged; the pass keeps
// recording.
func (s *Session) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkRecording("draw"); err != nil {
		return err
	}
	if !s.readyToDraw("draw") {
		return nil
	}
	s.rp.Draw(vertexCount, instanceCount, firstVertex, firstInstance)
	s.state = StateDrawing
	return nil
}

// DrawIndexed encodes an indexed draw with the same skip semantics as
// Draw.
func (s *Session) DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkRecording("draw indexed"); err != nil {
		return err
	}
	if !s.readyToDraw("draw indexed") {
		return nil
	}
	s.rp.DrawIndexed(indexCount, instanceCount, firstIndex, baseVertex, firstInstance)
	s.state = StateDrawing
	return nil
}

// End finalizes the pass, submits it and waits for completion. Named
// bindings are cleared: they are pass state and do not carry into the
// next pass. Calling End on an ended session is a no-op.
func (s *Session) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateEnded {
		return nil
	}
	if s.state == StateCreated {
		s.state = StateEnded
		return nil
	}

	s.rp.End()
	s.rp = nil
	s.state = StateEnded

	// Named bindings are pass-scoped: the next pass starts from nothing
	// and must set its own before drawing.
	s.named.Reset()

	// Bind groups built for this pass outlive their draws only until the
	// submission is waited on below.
	defer func() {
		for _, bg := range s.built {
			s.reg.DestroyBindGroup(bg)
		}
		s.built = nil
	}()

	cmdBuf, err := s.encoder.EndEncoding()
	s.encoder = nil
	if err != nil {
		return fmt.Errorf("end: end encoding: %w", err)
	}
	defer s.device.FreeCommandBuffer(cmdBuf)

	fence, err := s.device.CreateFence()
	if err != nil {
		return fmt.Errorf("end: create fence: %w", err)
	}
	defer s.device.DestroyFence(fence)

	idx, err := s.queue.Submit([]hal.CommandBuffer{cmdBuf})
	if err != nil {
		return fmt.Errorf("end: submit: %w", err)
	}

	ok, err := s.device.Wait(fence, idx, submitTimeout)
	if err != nil || !ok {
		return fmt.Errorf("end: wait for GPU: ok=%v err=%w", ok, err)
	}
	return nil
}

// checkRecording rejects commands outside the recording states.
// Caller holds s.mu.
func (s *Session) checkRecording(op string) error {
	switch s.state {
	case StateEnded:
		return fmt.Errorf("%s: %w", op, ErrPassEnded)
	case StateCreated:
		return fmt.Errorf("%s: %w", op, ErrPassNotBegun)
	}
	return nil
}

// readyToDraw ensures a pipeline and a matching bind group are in place.
// Returns false when the draw must be skipped. Caller holds s.mu.
func (s *Session) readyToDraw(op string) bool {
	if s.current == nil {
		s.skipDraw(op, errors.New("no pipeline bound"))
		return false
	}

	if !s.bindValid || s.named.Dirty() {
		if len(s.current.Layout.Entries) == 0 {
			s.bindValid = true
			s.named.MarkClean()
		} else {
			bg, err := binding.Build(s.device, s.reg, s.current.Layout, s.current.BindLayout, s.pipelines.UniformLimit(), s.named)
			if err != nil {
				s.skipDraw(op, err)
				return false
			}
			s.built = append(s.built, bg)
			s.bindValid = true
			s.named.MarkClean()

			group, ok := s.reg.BindGroup(bg)
			if !ok {
				s.skipDraw(op, errors.New("bind group vanished"))
				return false
			}
			s.rp.SetBindGroup(0, group.Raw, nil)
		}
	}
	return true
}

// skipDraw records one dropped draw. Caller holds s.mu.
func (s *Session) skipDraw(op string, err error) {
	s.skipped.Add(1)
	slogger().Warn("draw skipped",
		"op", op,
		"reason", err.Error(),
		"state", s.state.String(),
		"total_skipped", s.skipped.Load(),
	)
}

// unpackColor expands a packed 0xAARRGGBB value to a normalized color.
func unpackColor(c uint32) gputypes.Color {
	const inv = 1.0 / 255.0
	return gputypes.Color{
		R: float64((c>>16)&0xFF) * inv,
		G: float64((c>>8)&0xFF) * inv,
		B: float64(c&0xFF) * inv,
		A: float64((c>>24)&0xFF) * inv,
	}
}
