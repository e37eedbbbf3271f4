// Package bridge adapts a permissive immediate-mode rendering protocol
// to a strict-validation GPU backend.
//
// Hosts hand bridge loose, name-keyed state: buffers and textures
// referenced by integer handles, bindings set by name at any time,
// draws issued whether or not everything needed is in place. The GPU
// API underneath validates aggressively and treats most of those
// liberties as errors. bridge reconciles the two: it owns all GPU
// resources behind generation-tagged handles, compiles and caches
// pipelines keyed by their full descriptor, provisions depth
// attachments the host never asked for, and assembles bind groups by
// matching named bindings against shader layouts at draw time. A draw
// that cannot be satisfied is skipped and counted rather than failing
// the frame.
//
// The entry point is [NewDevice] (or [NewFromProvider] when the host
// exposes its HAL through a provider). All rendering happens between
// [Device.BeginRenderPass] and [Device.EndRenderPass].
//
// bridge produces no log output by default; see [SetLogger].
package bridge
