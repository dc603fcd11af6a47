package device

import (
	"encoding/binary"
	"math"
)

// Hue lights take color as a CIE xy chromaticity point, two 16-bit
// little-endian fractions. The daemon's boundary speaks 8-bit RGB, so both
// directions of the conversion live here, including clamping to the gamut
// the lamps can actually produce (Hue Play gamut corners).
var (
	gamutRed   = xyPoint{0.6915, 0.3038}
	gamutGreen = xyPoint{0.17, 0.7}
	gamutBlue  = xyPoint{0.1532, 0.0475}
)

type xyPoint struct {
	x, y float64
}

func (p xyPoint) close(o xyPoint) bool {
	// Two ticks of the 16-bit wire quantization.
	const eps = 2.0 / 0xFFFF
	return math.Abs(p.x-o.x) <= eps && math.Abs(p.y-o.y) <= eps
}

// encodeXY packs a chromaticity point into the 4-byte characteristic value.
func encodeXY(p xyPoint) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(p.x*0xFFFF))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(p.y*0xFFFF))
	return buf
}

func decodeXY(buf []byte) (xyPoint, bool) {
	if len(buf) < 4 {
		return xyPoint{}, false
	}
	return xyPoint{
		x: float64(binary.LittleEndian.Uint16(buf[0:2])) / 0xFFFF,
		y: float64(binary.LittleEndian.Uint16(buf[2:4])) / 0xFFFF,
	}, true
}

// rgbToXY converts 8-bit sRGB to a gamut-clamped xy point plus the
// luminance Y needed to invert the conversion.
func rgbToXY(r8, g8, b8 uint8) (xyPoint, float64) {
	r := gammaExpand(float64(r8) / 255)
	g := gammaExpand(float64(g8) / 255)
	b := gammaExpand(float64(b8) / 255)

	// Wide RGB D65.
	x := r*0.664511 + g*0.154324 + b*0.162028
	y := r*0.283881 + g*0.668433 + b*0.047685
	z := r*0.000088 + g*0.072310 + b*0.986039

	sum := x + y + z
	if sum == 0 {
		// Black carries no chromaticity; report the D65 white point.
		return xyPoint{0.3127, 0.3290}, 0
	}

	p := xyPoint{x / sum, y / sum}
	if !p.inGamut() {
		p = p.closestInGamut()
	}
	return p, y
}

// xyToRGB converts an xy point back to 8-bit sRGB at luminance Y.
func xyToRGB(p xyPoint, luminance float64) (uint8, uint8, uint8) {
	if !p.inGamut() {
		p = p.closestInGamut()
	}
	if p.y == 0 {
		return 0, 0, 0
	}

	y := luminance
	x := (y / p.y) * p.x
	z := (y / p.y) * (1 - p.x - p.y)

	r := x*1.656492 - y*0.354851 - z*0.255038
	g := -x*0.707196 + y*1.655397 + z*0.036152
	b := x*0.051713 - y*0.121364 + z*1.011530

	r = gammaCompress(clamp01(r))
	g = gammaCompress(clamp01(g))
	b = gammaCompress(clamp01(b))

	return uint8(math.Round(r * 255)), uint8(math.Round(g * 255)), uint8(math.Round(b * 255))
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

func gammaExpand(v float64) float64 {
	if v > 0.04045 {
		return math.Pow((v+0.055)/1.055, 2.4)
	}
	return v / 12.92
}

func gammaCompress(v float64) float64 {
	if v <= 0.0031308 {
		return 12.92 * v
	}
	return 1.055*math.Pow(v, 1/2.4) - 0.055
}

func (p xyPoint) inGamut() bool {
	d := (gamutGreen.y-gamutBlue.y)*(gamutRed.x-gamutBlue.x) +
		(gamutBlue.x-gamutGreen.x)*(gamutRed.y-gamutBlue.y)

	l1 := ((gamutGreen.y-gamutBlue.y)*(p.x-gamutBlue.x) + (gamutBlue.x-gamutGreen.x)*(p.y-gamutBlue.y)) / d
	l2 := ((gamutBlue.y-gamutRed.y)*(p.x-gamutBlue.x) + (gamutRed.x-gamutBlue.x)*(p.y-gamutBlue.y)) / d
	l3 := 1 - l1 - l2

	// Tolerate float noise for points sitting on the triangle edge.
	const eps = 1e-9
	inRange := func(l float64) bool { return l >= -eps && l <= 1+eps }
	return inRange(l1) && inRange(l2) && inRange(l3)
}

// closestInGamut projects the point onto the nearest edge of the gamut
// triangle.
func (p xyPoint) closestInGamut() xyPoint {
	c1 := p.projectOnSegment(gamutRed, gamutGreen)
	c2 := p.projectOnSegment(gamutGreen, gamutBlue)
	c3 := p.projectOnSegment(gamutBlue, gamutRed)

	best, bestDist := c1, p.dist(c1)
	if d := p.dist(c2); d < bestDist {
		best, bestDist = c2, d
	}
	if d := p.dist(c3); d < bestDist {
		best = c3
	}
	return best
}

func (p xyPoint) dist(o xyPoint) float64 {
	return math.Hypot(p.x-o.x, p.y-o.y)
}

func (p xyPoint) projectOnSegment(a, b xyPoint) xyPoint {
	abX, abY := b.x-a.x, b.y-a.y
	apX, apY := p.x-a.x, p.y-a.y
	t := (apX*abX + apY*abY) / (abX*abX + abY*abY)
	t = math.Min(1, math.Max(0, t))
	return xyPoint{a.x + t*abX, a.y + t*abY}
}
