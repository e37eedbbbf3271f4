package bridge

import "github.com/gogpu/gputypes"

// defaultUniformLimit matches the WebGPU default
// maxUniformBufferBindingSize. Buffers over this size bind as read-only
// storage instead of uniforms.
const defaultUniformLimit = 64 * 1024

// Option configures a Device during creation.
//
// Example:
//
//	dev := bridge.NewDevice(halDev, halQueue,
//	    bridge.WithUniformLimit(16*1024))
type Option func(*deviceOptions)

// deviceOptions holds optional configuration for Device creation.
type deviceOptions struct {
	uniformLimit uint64
	depthFormat  gputypes.TextureFormat
}

// defaultDeviceOptions returns the default device options.
func defaultDeviceOptions() deviceOptions {
	return deviceOptions{
		uniformLimit: defaultUniformLimit,
		depthFormat:  gputypes.TextureFormatDepth32Float,
	}
}

// WithUniformLimit overrides the maximum buffer size bound as a uniform.
// Larger buffers are reclassified as read-only storage. Zero keeps the
// default.
func WithUniformLimit(limit uint64) Option {
	return func(o *deviceOptions) {
		if limit > 0 {
			o.uniformLimit = limit
		}
	}
}

// WithDepthFormat overrides the format of the depth attachments bridge
// provisions for every pass.
func WithDepthFormat(format gputypes.TextureFormat) Option {
	return func(o *deviceOptions) {
		o.depthFormat = format
	}
}
