// Package depth provisions depth attachments on demand.
//
// Render targets arrive without a depth buffer; every pass needs one
// because every pipeline declares a depth/stencil state. The cache keys
// attachments by extent and reuses them across passes and frames.
package depth

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// ErrZeroDimensions is returned when an attachment is requested for a
// target with a zero width or height.
var ErrZeroDimensions = errors.New("depth: zero attachment dimensions")

// Attachment is a cached depth texture with its full view.
type Attachment struct {
	Texture hal.Texture
	View    hal.TextureView
	Width   uint32
	Height  uint32
	Format  gputypes.TextureFormat
}

type extent struct {
	w, h uint32
}

// Cache provisions and reuses depth attachments keyed by extent.
// Thread safe.
type Cache struct {
	mu      sync.Mutex
	device  hal.Device
	format  gputypes.TextureFormat
	entries map[extent]*Attachment
}

// NewCache creates a depth attachment cache that allocates textures in
// the given format.
func NewCache(device hal.Device, format gputypes.TextureFormat) *Cache {
	return &Cache{
		device:  device,
		format:  format,
		entries: make(map[extent]*Attachment),
	}
}

// Format returns the depth format this cache allocates.
func (c *Cache) Format() gputypes.TextureFormat { return c.format }

// Resolve returns the depth attachment for the given extent, allocating
// it on first use. Repeated calls with the same extent return the same
// attachment.
func (c *Cache) Resolve(width, height uint32) (*Attachment, error) {
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrZeroDimensions, width, height)
	}

	key := extent{width, height}

	c.mu.Lock()
	defer c.mu.Unlock()

	if att, ok := c.entries[key]; ok {
		return att, nil
	}

	tex, err := c.device.CreateTexture(&hal.TextureDescriptor{
		Label:         fmt.Sprintf("depth_%dx%d", width, height),
		Size:          hal.Extent3D{Width: width, Height: height, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        c.format,
		Usage:         gputypes.TextureUsageRenderAttachment,
	})
	if err != nil {
		return nil, fmt.Errorf("depth: create texture %dx%d: %w", width, height, err)
	}

	view, err := c.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label: fmt.Sprintf("depth_view_%dx%d", width, height),
	})
	if err != nil {
		c.device.DestroyTexture(tex)
		return nil, fmt.Errorf("depth: create view %dx%d: %w", width, height, err)
	}

	att := &Attachment{
		Texture: tex,
		View:    view,
		Width:   width,
		Height:  height,
		Format:  c.format,
	}
	c.entries[key] = att
	return att, nil
}

// Len returns the number of cached attachments.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear destroys every cached attachment. Attachments handed out
// earlier must not be used afterwards.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, att := range c.entries {
		c.device.DestroyTextureView(att.View)
		c.device.DestroyTexture(att.Texture)
	}
	c.entries = make(map[extent]*Attachment)
}
