package agent

import "sync"

// DefaultTargetLongestEdge is the longest edge, in pixels, of every
// screenshot sent to the model.
const DefaultTargetLongestEdge = 1000

// CoordinateMapper converts between the downscaled screenshot space the model
// sees and native device pixels. The scale is recomputed on each screenshot
// and read by every coordinate-taking tool.
type CoordinateMapper struct {
	mu    sync.RWMutex
	scale float64
}

// NewCoordinateMapper returns a mapper with the identity scale.
func NewCoordinateMapper() *CoordinateMapper {
	return &CoordinateMapper{scale: 1.0}
}

// ScaleFor returns target/longest edge for an image of the given size, or
// 1.0 when either dimension or the target is not positive.
func ScaleFor(width, height, targetLongestEdge int) float64 {
	if width <= 0 || height <= 0 {
		return 1.0
	}
	return scaleOf(max(width, height), targetLongestEdge)
}

func scaleOf(originalLongestEdge, targetLongestEdge int) float64 {
	if originalLongestEdge <= 0 || targetLongestEdge <= 0 {
		return 1.0
	}
	return float64(targetLongestEdge) / float64(originalLongestEdge)
}

// SetScale stores target/original and returns it. Non-positive inputs fall
// back to 1.0 so a malformed screenshot never blocks a tool call.
func (m *CoordinateMapper) SetScale(originalLongestEdge, targetLongestEdge int) float64 {
	scale := scaleOf(originalLongestEdge, targetLongestEdge)
	m.mu.Lock()
	m.scale = scale
	m.mu.Unlock()
	return scale
}

// SetScaleForSize derives the scale from an image's dimensions.
func (m *CoordinateMapper) SetScaleForSize(width, height, targetLongestEdge int) float64 {
	scale := ScaleFor(width, height, targetLongestEdge)
	m.mu.Lock()
	m.scale = scale
	m.mu.Unlock()
	return scale
}

// Scale returns the current scale factor.
func (m *CoordinateMapper) Scale() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scale
}

// Reset restores the identity scale.
func (m *CoordinateMapper) Reset() {
	m.mu.Lock()
	m.scale = 1.0
	m.mu.Unlock()
}

// ToDeviceSpace maps a model-space point to device pixels.
func (m *CoordinateMapper) ToDeviceSpace(px, py float64) (float64, float64) {
	s := m.Scale()
	return px / s, py / s
}

// ToModelSpace maps a device pixel to model space.
func (m *CoordinateMapper) ToModelSpace(x, y float64) (float64, float64) {
	s := m.Scale()
	return x * s, y * s
}
