package nodes

import (
	"math"

	"github.com/gogpu/gpugraph/backend/software"
	"github.com/gogpu/gpugraph/kernel"
)

// Push-constant offsets of the built-in shaders. They follow the layouts
// in shaders/*.toml.
const (
	exposureGain   = kernel.OffsetSize
	exposureWidth  = kernel.OffsetSize + 4
	exposureHeight = kernel.OffsetSize + 8

	invertAmount = kernel.OffsetSize
	invertWidth  = kernel.OffsetSize + 4
	invertHeight = kernel.OffsetSize + 8

	blendOpacity = kernel.OffsetSize
	blendMode    = kernel.OffsetSize + 4
	blendWidth   = kernel.OffsetSize + 8
	blendHeight  = kernel.OffsetSize + 12
)

// InstallSoftwareShaders registers host versions of the built-in shaders
// with a software device.
func InstallSoftwareShaders(dev *software.Device) {
	dev.RegisterShader(TypeExposure, exposureHost)
	dev.RegisterShader(TypeInvert, invertHost)
	dev.RegisterShader(TypeBlend, blendHost)
}

// pixel returns the first float index of the pixel at the invocation, or
// -1 outside the image.
func pixel(inv *software.Invocation, widthOff, heightOff int) int {
	c := inv.Coord()
	w, h := inv.PushUint32(widthOff), inv.PushUint32(heightOff)
	if c[0] >= w || c[1] >= h {
		return -1
	}
	return int(c[1]*w+c[0]) * 4
}

func exposureHost(inv *software.Invocation) {
	i := pixel(inv, exposureWidth, exposureHeight)
	if i < 0 {
		return
	}
	gain := float32(math.Exp2(float64(inv.PushFloat32(exposureGain))))
	for c := range 3 {
		inv.SetFloat32(1, i+c, inv.Float32(0, i+c)*gain)
	}
	inv.SetFloat32(1, i+3, inv.Float32(0, i+3))
}

func invertHost(inv *software.Invocation) {
	i := pixel(inv, invertWidth, invertHeight)
	if i < 0 {
		return
	}
	amount := inv.PushFloat32(invertAmount)
	for c := range 3 {
		v := inv.Float32(0, i+c)
		inv.SetFloat32(1, i+c, mix(v, 1-v, amount))
	}
	inv.SetFloat32(1, i+3, inv.Float32(0, i+3))
}

func blendHost(inv *software.Invocation) {
	i := pixel(inv, blendWidth, blendHeight)
	if i < 0 {
		return
	}
	opacity := inv.PushFloat32(blendOpacity)
	mode := BlendMode(inv.PushInt32(blendMode))
	for c := range 3 {
		a, b := inv.Float32(0, i+c), inv.Float32(1, i+c)
		v := b
		switch mode {
		case BlendMultiply:
			v = a * b
		case BlendScreen:
			v = 1 - (1-a)*(1-b)
		case BlendAdd:
			v = a + b
		}
		inv.SetFloat32(2, i+c, mix(a, v, opacity))
	}
	inv.SetFloat32(2, i+3, inv.Float32(0, i+3))
}

func mix(a, b, t float32) float32 {
	return a*(1-t) + b*t
}
